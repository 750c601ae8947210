// Package probe inspects the host for hardware virtualization support and
// UEFI firmware images. Probing never fails: a missing capability is a
// normal result, not an error.
package probe

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/vmbox/pkg/config"
)

const DefaultKVMDevice = "/dev/kvm"

// DefaultFirmwarePaths are the well-known OVMF locations, searched in order.
// Fedora/RHEL first, then the Debian/Ubuntu 4M variant and the generic
// fallbacks.
var DefaultFirmwarePaths = []string{
	"/usr/share/OVMF/OVMF_CODE.fd",
	"/usr/share/OVMF/OVMF_CODE_4M.fd",
	"/usr/share/edk2/ovmf/OVMF_CODE.fd",
	"/usr/share/qemu/OVMF_CODE.fd",
	"/usr/share/edk2-ovmf/x64/OVMF_CODE.fd",
}

// Report holds the host facts gathered for one launch.
type Report struct {
	// AccelAvailable is true when the KVM device exists and is accessible.
	AccelAvailable bool `json:"accel_available"`
	// AccelReason explains why acceleration is unavailable; empty otherwise.
	AccelReason string `json:"accel_reason,omitempty"`
	// FirmwareCode is the resolved OVMF code file, or empty when UEFI was
	// not requested or no firmware image was found.
	FirmwareCode string `json:"firmware_code,omitempty"`
}

type Prober struct {
	kvmDevice     string
	firmwarePaths []string
}

type Option func(*Prober)

func WithKVMDevice(path string) Option {
	return func(p *Prober) {
		p.kvmDevice = path
	}
}

func WithFirmwarePaths(paths []string) Option {
	return func(p *Prober) {
		p.firmwarePaths = paths
	}
}

func NewProber(opts ...Option) *Prober {
	p := &Prober{
		kvmDevice:     DefaultKVMDevice,
		firmwarePaths: DefaultFirmwarePaths,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe gathers the capability report. It performs read-only filesystem
// checks only and is deterministic given filesystem state.
func (p *Prober) Probe(requested config.FirmwareMode) Report {
	var r Report

	r.AccelAvailable, r.AccelReason = p.probeAccel()

	if requested == config.FirmwareUEFI {
		r.FirmwareCode = p.findFirmware()
	}

	return r
}

func (p *Prober) probeAccel() (bool, string) {
	if _, err := os.Stat(p.kvmDevice); err != nil {
		return false, fmt.Sprintf("%s not present; running without hardware acceleration", p.kvmDevice)
	}
	if err := unix.Access(p.kvmDevice, unix.R_OK|unix.W_OK); err != nil {
		return false, fmt.Sprintf("%s exists but is not accessible by this process (%v); running without hardware acceleration", p.kvmDevice, err)
	}
	return true, ""
}

func (p *Prober) findFirmware() string {
	for _, path := range p.firmwarePaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
