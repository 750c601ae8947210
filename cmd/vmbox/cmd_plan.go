package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/vmbox/pkg/config"
	"github.com/jingkaihe/vmbox/pkg/probe"
	"github.com/jingkaihe/vmbox/pkg/qemu"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the QEMU command line without launching anything",
	Long: `Print the QEMU command line without launching anything.

Resolves the environment configuration and probes host capabilities exactly
as 'run' does, then prints the command that would be executed. No disk,
media, or firmware files are created.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}

		caps := probe.NewProber().Probe(cfg.Firmware)
		spec, err := qemu.Plan(cfg, caps)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# boot_mode=%s firmware=%s accel=%t", cfg.BootMode, cfg.Firmware, caps.AccelAvailable)
		if caps.FirmwareCode != "" {
			fmt.Fprintf(out, " ovmf=%s", caps.FirmwareCode)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, spec.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}
