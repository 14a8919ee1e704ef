// structprobe discovers the field layout of binary protocol messages by
// sending progressively longer packets to a live peer and reading back its
// decode diagnostics.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/structprobe/internal/config"
	"github.com/energizer-project/structprobe/internal/db"
	"github.com/energizer-project/structprobe/internal/events"
	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/resolver"
	"github.com/energizer-project/structprobe/internal/structure"
	"github.com/energizer-project/structprobe/internal/util"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "structprobe",
	Short: "Discover binary packet layouts from a peer's decode errors",
	Long: `structprobe sends a packet for one opcode to a live peer, reads the
peer's decode diagnostic, appends the field type it asked for and resends,
until the peer stops complaining. Every discovered field is written to a
plain-text structure file that survives restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", util.AppName, util.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.DefaultConfigDir, "directory holding config.json")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration. Warnings are logged.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return nil, fmt.Errorf("configuration validation failed, fix %s or run 'structprobe init'", cfg.Path())
	}
	return cfg, nil
}

func logConfig(cfg *config.Config) util.LogConfig {
	return util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
	}
}

// buildManager wires the opcode registry, hint table and structure store
// from the resolver section. bus may be nil.
func buildManager(cfg *config.Config, bus *events.EventBus) (*resolver.Manager, error) {
	rc := cfg.GetResolver()

	registry := protocol.DefaultOpCodeRegistry()
	if rc.OpCodeNames != "" {
		r, err := protocol.LoadOpCodeRegistry(rc.OpCodeNames)
		if err != nil {
			return nil, err
		}
		registry = r
	}

	hints, err := rc.HintTable()
	if err != nil {
		return nil, err
	}

	opts := resolver.Options{
		HeaderLength:  rc.HeaderLength,
		QuietPeriod:   rc.QuietPeriod(),
		StopOnNoError: rc.StopOnNoError,
		Bus:           bus,
	}
	return resolver.NewManager(registry, structure.NewStore(rc.StructureDir), hints, opts), nil
}

// openHistory opens the history database when enabled and subscribes it to
// bus. It returns nil when history is disabled.
func openHistory(cfg *config.Config, bus *events.EventBus) (*db.HistoryDatabase, error) {
	if !cfg.Database.Enabled {
		return nil, nil
	}
	history, err := db.NewHistoryDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Database.RetentionDays > 0 {
		if n, err := history.Prune(cfg.Database.RetentionDays); err != nil {
			log.Warn().Err(err).Msg("failed to prune resolve history")
		} else if n > 0 {
			log.Info().Int64("sessions", n).Msg("pruned old resolve history")
		}
	}
	if bus != nil {
		history.Subscribe(bus)
	}
	return history, nil
}
