// Package artifact ensures the files a launch depends on exist before the
// hypervisor is started: the primary disk image, the install ISO and the
// writable UEFI variable store. Every operation is idempotent; an existing
// artifact is never truncated or recreated.
package artifact

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/vmbox/internal/errx"
	"github.com/jingkaihe/vmbox/pkg/config"
)

const (
	DefaultQemuImgBinary = "qemu-img"
	DefaultFetchAttempts = 3
	DefaultFetchBackoff  = 5 * time.Second
	partialSuffix        = ".partial"
)

type Manager struct {
	qemuImg       string
	fetchAttempts int
	fetchBackoff  time.Duration
	client        *grab.Client
}

type Option func(*Manager)

func WithQemuImgBinary(name string) Option {
	return func(m *Manager) {
		m.qemuImg = name
	}
}

func WithFetchAttempts(n int) Option {
	return func(m *Manager) {
		m.fetchAttempts = n
	}
}

func WithFetchBackoff(d time.Duration) Option {
	return func(m *Manager) {
		m.fetchBackoff = d
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		qemuImg:       DefaultQemuImgBinary,
		fetchAttempts: DefaultFetchAttempts,
		fetchBackoff:  DefaultFetchBackoff,
		client:        grab.NewClient(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureDisk creates the primary disk image if it does not exist. An
// existing disk is left untouched regardless of the configured size.
func (m *Manager) EnsureDisk(ctx context.Context, spec config.DiskSpec) error {
	if _, err := os.Stat(spec.Path); err == nil {
		logrus.WithField("disk", spec.Path).Debug("disk image already present")
		return nil
	} else if !os.IsNotExist(err) {
		return errx.Wrap(ErrIO, err)
	}

	qemuImg, err := exec.LookPath(m.qemuImg)
	if err != nil {
		return errx.With(ErrMissingBinary, ": %s is required to create %s (install qemu-utils)", m.qemuImg, spec.Path)
	}

	if err := os.MkdirAll(filepath.Dir(spec.Path), 0755); err != nil {
		return errx.Wrap(ErrIO, err)
	}

	logrus.WithFields(logrus.Fields{
		"disk": spec.Path,
		"size": spec.SizeBytes,
	}).Info("creating disk image")

	cmd := exec.CommandContext(ctx, qemuImg, "create", "-f", spec.Format, spec.Path, strconv.FormatInt(spec.SizeBytes, 10))
	if out, err := cmd.CombinedOutput(); err != nil {
		return errx.With(ErrIO, ": %s create %s: %v: %s", m.qemuImg, spec.Path, err, out)
	}
	return nil
}

// EnsureInstallMedia makes sure the install ISO exists when booting in
// install mode. A missing ISO is fetched from the configured URL with a
// bounded retry; without a URL the launch fails with a configuration error
// naming both the path and the option that would resolve it. In boot mode
// the media is unused and nothing is checked.
func (m *Manager) EnsureInstallMedia(ctx context.Context, spec config.MediaSpec, mode config.BootMode) error {
	if mode != config.BootModeInstall {
		return nil
	}

	if _, err := os.Stat(spec.Path); err == nil {
		logrus.WithField("media", spec.Path).Debug("install media already present")
		validateISO(spec.Path)
		return nil
	} else if !os.IsNotExist(err) {
		return errx.Wrap(ErrIO, err)
	}

	if spec.URL == "" {
		return errx.With(ErrMediaNotConfigured, ": %s does not exist and ISO_URL is not set", spec.Path)
	}

	if err := os.MkdirAll(filepath.Dir(spec.Path), 0755); err != nil {
		return errx.Wrap(ErrIO, err)
	}

	if err := m.fetch(ctx, spec); err != nil {
		return err
	}
	validateISO(spec.Path)
	return nil
}

// fetch downloads to a temporary path next to the target and renames into
// place on success, so a concurrent reader never observes a partial file.
func (m *Manager) fetch(ctx context.Context, spec config.MediaSpec) error {
	partial := spec.Path + partialSuffix

	var lastErr error
	for attempt := 1; attempt <= m.fetchAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return errx.Wrap(ErrDownloadFailed, ctx.Err())
			case <-time.After(m.fetchBackoff):
			}
		}

		logrus.WithFields(logrus.Fields{
			"url":     spec.URL,
			"attempt": attempt,
		}).Info("downloading install media")

		if lastErr = m.download(ctx, spec.URL, partial); lastErr == nil {
			if err := os.Rename(partial, spec.Path); err != nil {
				return errx.Wrap(ErrIO, err)
			}
			return nil
		}
		logrus.WithField("url", spec.URL).Warnf("download attempt %d/%d failed: %v", attempt, m.fetchAttempts, lastErr)
	}

	os.Remove(partial)
	return errx.With(ErrDownloadFailed, ": %s after %d attempts: %v", spec.URL, m.fetchAttempts, lastErr)
}

func (m *Manager) download(ctx context.Context, url, dest string) error {
	req, err := grab.NewRequest(dest, url)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	resp := m.client.Do(req)
	return resp.Err()
}

// EnsureVarsFile prepares the writable UEFI variable store, copying the
// located firmware code file as a template the first time and reusing the
// store on later runs.
func (m *Manager) EnsureVarsFile(codePath, varsPath string) error {
	if _, err := os.Stat(varsPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errx.Wrap(ErrIO, err)
	}

	data, err := os.ReadFile(codePath)
	if err != nil {
		return errx.Wrap(ErrIO, err)
	}

	tmp := varsPath + partialSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errx.Wrap(ErrIO, err)
	}
	if err := os.Rename(tmp, varsPath); err != nil {
		os.Remove(tmp)
		return errx.Wrap(ErrIO, err)
	}

	logrus.WithField("vars", varsPath).Info("created UEFI variable store")
	return nil
}

// validateISO opens the media as an ISO9660 image as a sanity check. A
// failure is only worth a warning: QEMU is the final arbiter of what boots.
func validateISO(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := iso9660.OpenImage(f); err != nil {
		logrus.WithField("media", path).Warnf("install media is not a readable ISO9660 image: %v", err)
	}
}
