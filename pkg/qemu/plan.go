// Package qemu turns a launch configuration and a capability report into a
// concrete qemu-system invocation. Planning is pure: no filesystem access,
// no environment reads, deterministic output for the same inputs.
package qemu

import (
	"fmt"

	"github.com/jingkaihe/vmbox/pkg/config"
	"github.com/jingkaihe/vmbox/pkg/probe"
)

// Binary is the hypervisor for the target architecture.
const Binary = "qemu-system-x86_64"

// Plan builds the ordered hypervisor command line. The step order is fixed:
// later flags may reference devices declared earlier, and a stable order
// keeps repeated launches byte-identical.
func Plan(cfg *config.LaunchConfig, caps probe.Report) (CommandSpec, error) {
	switch cfg.BootMode {
	case config.BootModeInstall, config.BootModeBoot:
	default:
		return CommandSpec{}, errUnsupportedBootMode(cfg.BootMode)
	}

	spec := CommandSpec{Binary: Binary}
	spec = planAccel(spec, caps)
	spec = planResources(spec, cfg)
	spec = planStorage(spec, cfg)
	spec = planFirmware(spec, cfg, caps)
	spec = planBootSource(spec, cfg)
	spec = planNetwork(spec, cfg)
	spec = planDisplay(spec, cfg)
	return spec, nil
}

// planAccel enables KVM with host CPU passthrough when the capability
// report allows it. The caller surfaces AccelReason; planning stays silent.
func planAccel(spec CommandSpec, caps probe.Report) CommandSpec {
	if !caps.AccelAvailable {
		return spec
	}
	return spec.with("-enable-kvm", "-cpu", "host")
}

func planResources(spec CommandSpec, cfg *config.LaunchConfig) CommandSpec {
	return spec.with(
		"-m", fmt.Sprintf("%d", cfg.MemoryMB),
		"-smp", fmt.Sprintf("%d", cfg.Cores),
	)
}

func planStorage(spec CommandSpec, cfg *config.LaunchConfig) CommandSpec {
	return spec.with("-drive", fmt.Sprintf("file=%s,format=%s,if=virtio,cache=writeback",
		cfg.Disk.Path, cfg.Disk.Format))
}

// planFirmware attaches the OVMF code and variable-store pflash drives when
// UEFI was requested and firmware was found. When UEFI was requested but no
// firmware is present the launch downgrades to legacy BIOS; the caller warns
// about the fallback.
func planFirmware(spec CommandSpec, cfg *config.LaunchConfig, caps probe.Report) CommandSpec {
	if cfg.Firmware != config.FirmwareUEFI {
		return spec
	}
	if caps.FirmwareCode == "" {
		return spec
	}
	return spec.with(
		"-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", caps.FirmwareCode),
		"-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", cfg.UEFIVarsPath()),
	)
}

func planBootSource(spec CommandSpec, cfg *config.LaunchConfig) CommandSpec {
	if cfg.BootMode == config.BootModeInstall {
		return spec.with(
			"-drive", fmt.Sprintf("file=%s,media=cdrom,readonly=on", cfg.Media.Path),
			"-boot", "order=d",
		)
	}
	return spec.with("-boot", "order=c")
}

func planNetwork(spec CommandSpec, cfg *config.LaunchConfig) CommandSpec {
	netdev := "user,id=net0"
	if cfg.Network.Forwarding() {
		netdev += fmt.Sprintf(",hostfwd=tcp::%d-:%d", cfg.Network.HostSSHPort, config.GuestSSHPort)
	}
	return spec.with(
		"-netdev", netdev,
		"-device", "virtio-net-pci,netdev=net0",
	)
}

// planDisplay binds the VNC console to loopback only; the noVNC proxy is
// the sole external entry point. Headless launches redirect the serial
// console to the supervisor's own standard streams.
func planDisplay(spec CommandSpec, cfg *config.LaunchConfig) CommandSpec {
	if cfg.Display.Enabled {
		return spec.with("-vnc", fmt.Sprintf("127.0.0.1:%d", cfg.Display.Index))
	}
	serial := "stdio"
	if cfg.Display.SerialMonitor {
		serial = "mon:stdio"
	}
	return spec.with("-nographic", "-serial", serial)
}
