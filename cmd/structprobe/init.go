package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/energizer-project/structprobe/internal/config"
	"github.com/energizer-project/structprobe/internal/util"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or edit the configuration interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		util.InitConsoleLogger("warn")
		cfg, err := config.Load(configDir)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return config.RunSetupWizard(cfg, os.Stdin, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
