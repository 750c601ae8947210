package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/vmbox/pkg/config"
	"github.com/jingkaihe/vmbox/pkg/qemu"
)

// fakeBinary writes an executable shell script to a temp dir.
func fakeBinary(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestRunPropagatesExitCode(t *testing.T) {
	tests := []struct {
		name   string
		script string
		code   int
	}{
		{"clean exit", "exit 0", 0},
		{"nonzero exit", "exit 7", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSupervisor()
			spec := qemu.CommandSpec{Binary: fakeBinary(t, "hypervisor", tt.script)}

			code, err := s.Run(context.Background(), spec, config.DisplaySpec{})
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRunMissingHypervisor(t *testing.T) {
	s := NewSupervisor()
	spec := qemu.CommandSpec{Binary: "no-such-hypervisor"}

	code, err := s.Run(context.Background(), spec, config.DisplaySpec{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingHypervisor))
	assert.Contains(t, err.Error(), "no-such-hypervisor")
	assert.Equal(t, 1, code)
}

func TestRunContextCancelTerminatesHypervisor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	s := NewSupervisor()
	spec := qemu.CommandSpec{Binary: fakeBinary(t, "hypervisor", "sleep 30")}

	start := time.Now()
	code, err := s.Run(ctx, spec, config.DisplaySpec{})
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunContextCancelSendsSingleTerm(t *testing.T) {
	countFile := filepath.Join(t.TempDir(), "count")
	script := "count=0\n" +
		"trap 'count=$((count+1))' TERM\n" +
		"i=0\n" +
		"while [ $i -lt 15 ]; do\n" +
		"  sleep 0.1\n" +
		"  i=$((i+1))\n" +
		"done\n" +
		"echo $count > " + countFile + "\n"

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	s := NewSupervisor()
	spec := qemu.CommandSpec{Binary: fakeBinary(t, "hypervisor", script)}

	code, err := s.Run(ctx, spec, config.DisplaySpec{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(countFile)
	require.NoError(t, err)
	count, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1, "cancellation must reach the hypervisor")
	assert.LessOrEqual(t, count, 3, "cancellation must not repeat SIGTERM while the hypervisor shuts down")
}

func TestRunDegradesWithoutProxyBinary(t *testing.T) {
	s := NewSupervisor(WithProxyBinary("no-such-websockify"))
	spec := qemu.CommandSpec{Binary: fakeBinary(t, "hypervisor", "exit 0")}

	code, err := s.Run(context.Background(), spec, config.DisplaySpec{
		Enabled:   true,
		Index:     1,
		ProxyPort: 6080,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunDegradesWithoutWebRoot(t *testing.T) {
	proxy := fakeBinary(t, "websockify", "sleep 30")

	s := NewSupervisor(
		WithProxyBinary(proxy),
		WithWebRoot(filepath.Join(t.TempDir(), "missing")),
	)
	spec := qemu.CommandSpec{Binary: fakeBinary(t, "hypervisor", "exit 0")}

	code, err := s.Run(context.Background(), spec, config.DisplaySpec{
		Enabled:   true,
		Index:     1,
		ProxyPort: 6080,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunStopsProxyAfterHypervisorExit(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "proxy.pid")
	proxy := fakeBinary(t, "websockify", "echo $$ > "+pidFile+"\nsleep 60")

	s := NewSupervisor(WithProxyBinary(proxy), WithWebRoot(t.TempDir()))
	spec := qemu.CommandSpec{Binary: fakeBinary(t, "hypervisor", "sleep 0.3")}

	code, err := s.Run(context.Background(), spec, config.DisplaySpec{
		Enabled:   true,
		Index:     1,
		ProxyPort: 6080,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err, "proxy should have been started before the hypervisor")
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 5*time.Second, 50*time.Millisecond, "proxy should be terminated when the supervisor returns")
}

func TestRunKillsProxyThatIgnoresTermination(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "proxy.pid")
	script := "trap '' TERM\n" +
		"echo $$ > " + pidFile + "\n" +
		"while :; do sleep 1; done\n"
	proxy := fakeBinary(t, "websockify", script)

	s := NewSupervisor(WithProxyBinary(proxy), WithWebRoot(t.TempDir()))
	spec := qemu.CommandSpec{Binary: fakeBinary(t, "hypervisor", "sleep 0.3")}

	code, err := s.Run(context.Background(), spec, config.DisplaySpec{
		Enabled:   true,
		Index:     1,
		ProxyPort: 6080,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	// The grace period expired and the group was killed; the proxy must be
	// reaped by the time Run returns.
	assert.Error(t, syscall.Kill(pid, 0))
}

func TestExitCodeSignalDeath(t *testing.T) {
	s := NewSupervisor()
	spec := qemu.CommandSpec{Binary: fakeBinary(t, "hypervisor", "kill -TERM $$")}

	code, err := s.Run(context.Background(), spec, config.DisplaySpec{})
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
}
