// Package supervisor runs the planned hypervisor invocation and the
// optional browser console proxy, relaying termination signals to the
// hypervisor and propagating its exit code. It is the only long-lived wait
// in the system.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/vmbox/internal/errx"
	"github.com/jingkaihe/vmbox/pkg/config"
	"github.com/jingkaihe/vmbox/pkg/qemu"
)

const (
	DefaultProxyBinary       = "websockify"
	DefaultWebRoot           = "/usr/share/novnc"
	DefaultProxyHeartbeatS   = 30
	proxyShutdownGracePeriod = 2 * time.Second
)

type Supervisor struct {
	proxyBinary string
	webRoot     string
	heartbeatS  int
}

type Option func(*Supervisor)

func WithProxyBinary(name string) Option {
	return func(s *Supervisor) {
		s.proxyBinary = name
	}
}

func WithWebRoot(dir string) Option {
	return func(s *Supervisor) {
		s.webRoot = dir
	}
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		proxyBinary: DefaultProxyBinary,
		webRoot:     DefaultWebRoot,
		heartbeatS:  DefaultProxyHeartbeatS,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the display proxy (when configured and available), then the
// hypervisor as the primary process, and blocks until the hypervisor
// exits. The returned int is the hypervisor's exit code; SIGTERM/SIGINT
// received while waiting are forwarded to the hypervisor rather than
// handled here. The proxy's lifetime is tied to this call: it is torn down
// best-effort before Run returns.
func (s *Supervisor) Run(ctx context.Context, spec qemu.CommandSpec, display config.DisplaySpec) (int, error) {
	if display.Enabled {
		if proxy := s.startProxy(display); proxy != nil {
			defer stopProxy(proxy)
		}
	}

	binary, err := exec.LookPath(spec.Binary)
	if err != nil {
		return 1, errx.With(ErrMissingHypervisor, ": %s is not installed", spec.Binary)
	}

	cmd := exec.Command(binary, spec.Args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	logrus.WithField("command", spec.String()).Info("starting hypervisor")

	if err := cmd.Start(); err != nil {
		return 1, errx.Wrap(ErrStartHypervisor, err)
	}

	// Relay termination signals to the hypervisor so the guest shuts down
	// instead of being orphaned when the container is stopped.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		// Cancellation translates to a single SIGTERM; the channel is
		// nilled out afterwards so a cancelled context does not spin the
		// loop or storm the child while it shuts down.
		ctxDone := ctx.Done()
		for {
			select {
			case sig := <-sigCh:
				logrus.WithField("signal", sig).Debug("forwarding signal to hypervisor")
				_ = cmd.Process.Signal(sig)
			case <-ctxDone:
				_ = cmd.Process.Signal(syscall.SIGTERM)
				ctxDone = nil
			case <-done:
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	return exitCode(cmd, waitErr)
}

func exitCode(cmd *exec.Cmd, waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return 1, errx.Wrap(ErrWaitHypervisor, waitErr)
	}

	code := exitErr.ExitCode()
	if code < 0 {
		// Killed by a signal; report the conventional 128+signal code.
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return 1, nil
	}
	return code, nil
}

// startProxy launches websockify bound to all interfaces on the external
// proxy port, forwarding to the loopback VNC console. A missing binary or
// web root degrades gracefully: the VM still runs, reachable via VNC on
// loopback only.
func (s *Supervisor) startProxy(display config.DisplaySpec) *exec.Cmd {
	binary, err := exec.LookPath(s.proxyBinary)
	if err != nil {
		logrus.Warnf("%s not found; web console disabled (VNC remains on 127.0.0.1:%d)", s.proxyBinary, display.ConsolePort())
		return nil
	}
	if info, err := os.Stat(s.webRoot); err != nil || !info.IsDir() {
		logrus.Warnf("noVNC assets not found at %s; web console disabled", s.webRoot)
		return nil
	}

	cmd := exec.Command(binary,
		"--web", s.webRoot,
		"--heartbeat", fmt.Sprintf("%d", s.heartbeatS),
		fmt.Sprintf("0.0.0.0:%d", display.ProxyPort),
		fmt.Sprintf("127.0.0.1:%d", display.ConsolePort()),
	)
	// Own process group so shutdown can signal the proxy and any children
	// it forks in one go.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		logrus.Warnf("failed to start %s: %v; web console disabled", s.proxyBinary, err)
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"listen":  fmt.Sprintf("0.0.0.0:%d", display.ProxyPort),
		"console": fmt.Sprintf("127.0.0.1:%d", display.ConsolePort()),
	}).Info("started web console proxy")

	return cmd
}

// stopProxy terminates the proxy process group: SIGTERM first, SIGKILL
// after a short grace period.
func stopProxy(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid

	_ = unix.Kill(-pgid, syscall.SIGTERM)

	waited := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(proxyShutdownGracePeriod):
		_ = unix.Kill(-pgid, syscall.SIGKILL)
		<-waited
	}
}
