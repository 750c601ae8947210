package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/vmbox/pkg/artifact"
	"github.com/jingkaihe/vmbox/pkg/config"
	"github.com/jingkaihe/vmbox/pkg/probe"
	"github.com/jingkaihe/vmbox/pkg/qemu"
	"github.com/jingkaihe/vmbox/pkg/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision artifacts and launch the VM",
	Long: `Provision artifacts and launch the VM.

Reads its configuration from the environment (BOOT_MODE, MEMORY, CORES,
DISK_SIZE, ISO_URL, HOST_SSH_PORT, GRAPHICAL, ...), creates the disk image
and install media as needed, then runs QEMU in the foreground. The process
exit code mirrors the hypervisor's.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"run_id":    cfg.RunID,
		"boot_mode": cfg.BootMode,
		"firmware":  cfg.Firmware,
		"memory_mb": cfg.MemoryMB,
		"cores":     cfg.Cores,
	}).Info("launch configuration resolved")

	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	caps := probe.NewProber().Probe(cfg.Firmware)
	if !caps.AccelAvailable {
		logrus.WithField("reason", caps.AccelReason).Warn("KVM acceleration unavailable, falling back to emulation")
	}
	if cfg.Firmware == config.FirmwareUEFI && caps.FirmwareCode == "" {
		logrus.Warn("FIRMWARE=uefi requested but no OVMF firmware found; falling back to legacy BIOS")
	}

	mgr := artifact.NewManager()
	if err := mgr.EnsureDisk(ctx, cfg.Disk); err != nil {
		return err
	}
	if err := mgr.EnsureInstallMedia(ctx, cfg.Media, cfg.BootMode); err != nil {
		return err
	}
	if cfg.Firmware == config.FirmwareUEFI && caps.FirmwareCode != "" {
		if err := mgr.EnsureVarsFile(caps.FirmwareCode, cfg.UEFIVarsPath()); err != nil {
			return err
		}
	}

	spec, err := qemu.Plan(cfg, caps)
	if err != nil {
		return err
	}

	code, err := supervisor.NewSupervisor().Run(ctx, spec, cfg.Display)
	if err != nil {
		return err
	}
	return commandExit(code)
}
