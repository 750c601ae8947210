// Package config resolves the launch configuration for a VM from the
// container environment. The configuration is built exactly once at process
// startup and treated as immutable afterwards; no other package reads the
// process environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/jingkaihe/vmbox/internal/errx"
)

type BootMode string

const (
	// BootModeInstall boots from the install ISO with the disk attached.
	BootModeInstall BootMode = "install"
	// BootModeBoot boots from the primary disk; install media is unused.
	BootModeBoot BootMode = "boot"
)

type FirmwareMode string

const (
	FirmwareLegacy FirmwareMode = "legacy"
	FirmwareUEFI   FirmwareMode = "uefi"
)

const (
	DefaultMemoryMB    = 2048
	DefaultCores       = 2
	DefaultDiskSize    = "20G"
	DefaultDiskName    = "disk.qcow2"
	DefaultISOName     = "install.iso"
	DefaultHostSSHPort = 2222
	DefaultVNCDisplay  = 1
	DefaultNoVNCPort   = 6080
	DefaultImagesDir   = "/images"

	// GuestSSHPort is the fixed SSH port inside the guest.
	GuestSSHPort = 22
	// VNCBasePort is the port of VNC display 0; display N listens on base+N.
	VNCBasePort = 5900

	// DiskFormat is the on-disk format for created disk images.
	DiskFormat = "qcow2"
)

// DiskSpec describes the primary disk image.
type DiskSpec struct {
	Path      string
	SizeBytes int64 // used only when the disk is created
	Format    string
}

// MediaSpec describes the install ISO and its optional fetch source.
type MediaSpec struct {
	Path string
	URL  string
}

type NetworkSpec struct {
	// HostSSHPort is forwarded to the guest's SSH port. Zero disables
	// forwarding.
	HostSSHPort int
}

// Forwarding reports whether an SSH port-forwarding rule is configured.
func (n NetworkSpec) Forwarding() bool {
	return n.HostSSHPort > 0
}

type DisplaySpec struct {
	Enabled bool
	// Index is the VNC display number; the console listens on VNCBasePort+Index.
	Index int
	// ProxyPort is the external port of the browser-facing noVNC proxy.
	ProxyPort int
	// SerialMonitor multiplexes the QEMU monitor onto the serial console in
	// headless mode. Set when stdin is an interactive terminal.
	SerialMonitor bool
}

// ConsolePort returns the loopback VNC port for this display index.
func (d DisplaySpec) ConsolePort() int {
	return VNCBasePort + d.Index
}

// LaunchConfig is the resolved, validated input for one VM launch.
type LaunchConfig struct {
	RunID     string
	BootMode  BootMode
	Firmware  FirmwareMode
	MemoryMB  int
	Cores     int
	ImagesDir string
	Disk      DiskSpec
	Media     MediaSpec
	Network   NetworkSpec
	Display   DisplaySpec
}

// UEFIVarsPath returns the path of the writable UEFI variable store. The
// store is scoped per disk so that NVRAM boot entries survive restarts and
// distinct disks never share firmware state.
func (c *LaunchConfig) UEFIVarsPath() string {
	stem := strings.TrimSuffix(filepath.Base(c.Disk.Path), filepath.Ext(c.Disk.Path))
	return filepath.Join(c.ImagesDir, stem+"-vars.fd")
}

// FromEnv builds a LaunchConfig from the process environment, applying
// defaults and validating every field. It is the only place the environment
// is consulted.
func FromEnv() (*LaunchConfig, error) {
	v := viper.New()
	v.AutomaticEnv()
	// HOST_SSH_PORT set to the empty string disables forwarding, which is
	// different from leaving it unset.
	v.AllowEmptyEnv(true)

	v.SetDefault("BOOT_MODE", string(BootModeInstall))
	v.SetDefault("FIRMWARE", string(FirmwareLegacy))
	v.SetDefault("GRAPHICAL", false)
	v.SetDefault("MEMORY", DefaultMemoryMB)
	v.SetDefault("CORES", DefaultCores)
	v.SetDefault("DISK_SIZE", DefaultDiskSize)
	v.SetDefault("DISK_NAME", DefaultDiskName)
	v.SetDefault("ISO_NAME", DefaultISOName)
	v.SetDefault("ISO_URL", "")
	v.SetDefault("HOST_SSH_PORT", strconv.Itoa(DefaultHostSSHPort))
	v.SetDefault("VNC_DISPLAY", DefaultVNCDisplay)
	v.SetDefault("NOVNC_PORT", DefaultNoVNCPort)
	v.SetDefault("IMAGES_DIR", DefaultImagesDir)

	bootMode := BootMode(strings.ToLower(v.GetString("BOOT_MODE")))
	switch bootMode {
	case BootModeInstall, BootModeBoot:
	default:
		return nil, errx.With(ErrUnsupportedBootMode, ": BOOT_MODE=%q (expected %q or %q)",
			v.GetString("BOOT_MODE"), BootModeInstall, BootModeBoot)
	}

	firmware := FirmwareMode(strings.ToLower(v.GetString("FIRMWARE")))
	switch firmware {
	case FirmwareLegacy, FirmwareUEFI:
	default:
		return nil, errx.With(ErrInvalidConfig, ": FIRMWARE=%q (expected %q or %q)",
			v.GetString("FIRMWARE"), FirmwareLegacy, FirmwareUEFI)
	}

	memory := v.GetInt("MEMORY")
	if memory <= 0 {
		return nil, errx.With(ErrInvalidConfig, ": MEMORY=%q must be a positive number of megabytes", v.GetString("MEMORY"))
	}
	cores := v.GetInt("CORES")
	if cores <= 0 {
		return nil, errx.With(ErrInvalidConfig, ": CORES=%q must be a positive core count", v.GetString("CORES"))
	}

	diskSize, err := units.RAMInBytes(v.GetString("DISK_SIZE"))
	if err != nil || diskSize <= 0 {
		return nil, errx.With(ErrInvalidConfig, ": DISK_SIZE=%q is not a valid size (try e.g. 20G)", v.GetString("DISK_SIZE"))
	}

	sshPort := 0
	if raw := strings.TrimSpace(v.GetString("HOST_SSH_PORT")); raw != "" {
		sshPort, err = strconv.Atoi(raw)
		if err != nil || sshPort < 1 || sshPort > 65535 {
			return nil, errx.With(ErrInvalidConfig, ": HOST_SSH_PORT=%q must be a port number (or empty to disable forwarding)", raw)
		}
	}

	display := v.GetInt("VNC_DISPLAY")
	if display < 0 {
		return nil, errx.With(ErrInvalidConfig, ": VNC_DISPLAY=%q must be >= 0", v.GetString("VNC_DISPLAY"))
	}
	proxyPort := v.GetInt("NOVNC_PORT")
	if proxyPort < 1 || proxyPort > 65535 {
		return nil, errx.With(ErrInvalidConfig, ": NOVNC_PORT=%q must be a port number", v.GetString("NOVNC_PORT"))
	}

	imagesDir := v.GetString("IMAGES_DIR")

	return &LaunchConfig{
		RunID:     "run-" + uuid.New().String()[:8],
		BootMode:  bootMode,
		Firmware:  firmware,
		MemoryMB:  memory,
		Cores:     cores,
		ImagesDir: imagesDir,
		Disk: DiskSpec{
			Path:      filepath.Join(imagesDir, v.GetString("DISK_NAME")),
			SizeBytes: diskSize,
			Format:    DiskFormat,
		},
		Media: MediaSpec{
			Path: filepath.Join(imagesDir, v.GetString("ISO_NAME")),
			URL:  v.GetString("ISO_URL"),
		},
		Network: NetworkSpec{HostSSHPort: sshPort},
		Display: DisplaySpec{
			Enabled:       v.GetBool("GRAPHICAL"),
			Index:         display,
			ProxyPort:     proxyPort,
			SerialMonitor: term.IsTerminal(int(os.Stdin.Fd())),
		},
	}, nil
}
