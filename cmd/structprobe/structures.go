package main

import (
	"github.com/spf13/cobra"

	"github.com/energizer-project/structprobe/internal/cli"
	"github.com/energizer-project/structprobe/internal/util"
)

var showCmd = &cobra.Command{
	Use:   "show <opcode>",
	Short: "Print a stored structure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		util.InitConsoleLogger("warn")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		manager, err := buildManager(cfg, nil)
		if err != nil {
			return err
		}

		op, err := manager.Registry().Resolve(args[0])
		if err != nil {
			return err
		}
		st, err := manager.Store().Find(op.ID)
		if err != nil {
			return err
		}
		cli.RenderStructure(cmd.OutOrStdout(), st)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored structures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		util.InitConsoleLogger("warn")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		manager, err := buildManager(cfg, nil)
		if err != nil {
			return err
		}

		entries, err := manager.Store().List()
		if err != nil {
			return err
		}
		cli.RenderEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
}
