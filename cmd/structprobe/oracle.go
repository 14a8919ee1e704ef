package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/energizer-project/structprobe/internal/network"
	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/util"
)

var (
	oracleLayout string
	oracleListen string
)

var oracleCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Run a loopback peer that diagnoses packets against known layouts",
	Long: `Listen for probe connections and answer every packet with a decode
diagnostic computed from a YAML layout file:

  layouts:
    - opcode: "0x0081"
      name: ChatWhisper
      fields: [Short, String, Int]

Useful for dry runs and for checking a resolve end to end.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		util.InitConsoleLogger("info")

		layouts, err := network.LoadLayouts(oracleLayout)
		if err != nil {
			return err
		}
		oracle, err := network.NewOracle(layouts, protocol.DefaultHintTable())
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := oracle.Listen(ctx, oracleListen); err != nil {
			return err
		}
		return oracle.Serve(ctx)
	},
}

func init() {
	oracleCmd.Flags().StringVar(&oracleLayout, "layout", "layouts.yaml", "layout file")
	oracleCmd.Flags().StringVar(&oracleListen, "listen", "127.0.0.1:11032", "listen address")
	rootCmd.AddCommand(oracleCmd)
}
