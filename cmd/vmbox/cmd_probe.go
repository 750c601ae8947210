package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/vmbox/pkg/config"
	"github.com/jingkaihe/vmbox/pkg/probe"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report host virtualization capabilities as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}

		report := probe.NewProber().Probe(cfg.Firmware)
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
