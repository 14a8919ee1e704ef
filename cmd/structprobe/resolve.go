package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/structprobe/internal/cli"
	"github.com/energizer-project/structprobe/internal/events"
	"github.com/energizer-project/structprobe/internal/network"
	"github.com/energizer-project/structprobe/internal/resolver"
	"github.com/energizer-project/structprobe/internal/util"
)

var (
	resolvePeer    string
	resolveTimeout time.Duration
	resolveQuiet   time.Duration
	resolveStop    bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <opcode>",
	Short: "Resolve one opcode against the peer and exit",
	Long: `Dial the peer, resolve the opcode and print the resulting structure.
The opcode may be 0x-prefixed hex, a single hex byte, or four hex digits in
wire order ("8100" is 0x0081). Exits non-zero when the resolve aborts.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolvePeer, "peer", "", "peer address (overrides config)")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 0, "give up after this long (0 waits until done)")
	resolveCmd.Flags().DurationVar(&resolveQuiet, "quiet", 0, "silence that ends the resolve (overrides config)")
	resolveCmd.Flags().BoolVar(&resolveStop, "stop-on-no-error", false, "finish as soon as the peer reports no error")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	util.InitConsoleLogger("info")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	util.InitConsoleLogger(cfg.Logging.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if resolveTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, resolveTimeout)
		defer cancelTimeout()
	}

	eventBus := events.NewEventBus()
	manager, err := buildManager(cfg, eventBus)
	if err != nil {
		return err
	}
	manager.UpdateOptions(func(o *resolver.Options) {
		if resolveQuiet > 0 {
			o.QuietPeriod = resolveQuiet
		}
		if resolveStop {
			o.StopOnNoError = true
		}
	})

	history, err := openHistory(cfg, eventBus)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open history database, history disabled")
		history = nil
	}
	defer func() {
		eventBus.Stop()
		if history != nil {
			history.Close()
		}
	}()

	addr := cfg.Peer.Address
	if resolvePeer != "" {
		addr = resolvePeer
	}
	session, err := network.Dial(ctx, addr, cfg.Peer.DialTimeout())
	if err != nil {
		return err
	}
	defer session.Close()
	go session.Run(ctx)

	manager.SetSession(session)
	eng, err := manager.Resolve(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	waitErr := eng.Wait(context.Background())

	cli.RenderOutcome(cmd.OutOrStdout(), manager.Store(), eng.Snapshot())

	if waitErr != nil {
		return fmt.Errorf("resolve aborted: %w", waitErr)
	}
	return nil
}
