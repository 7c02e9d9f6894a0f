package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	// exitBenign reports a pass that had nothing to do: the log is already
	// merged, or not merged when unmerging.
	exitBenign = 2
)

var (
	configPath string
	debugLog   bool
	jsonLog    bool
)

var rootCmd = &cobra.Command{
	Use:           "logferry",
	Short:         "Merge per-device SQLite logs into a PostgreSQL or SQL Server warehouse",
	Version:       versionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(os.Stderr, debugLog, jsonLog)
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <bundle-or-db> [config.toml]",
	Short: "Merge one log into the warehouse",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd.Context(), ModeMerge, args)
	},
}

var unmergeCmd = &cobra.Command{
	Use:   "unmerge <bundle-or-db> [config.toml]",
	Short: "Remove one previously merged log from the warehouse",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd.Context(), ModeUnmerge, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to merge config file (TOML or YAML)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "log-json", false, "log JSON lines instead of console output")
	rootCmd.AddCommand(mergeCmd, unmergeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ErrAlreadyMerged), errors.Is(err, ErrNotMerged):
		log.Warn().Msg(err.Error())
		return exitBenign
	default:
		log.Error().Msg(err.Error())
		return exitFailure
	}
}

func runMode(ctx context.Context, mode Mode, args []string) error {
	// Resolve config path: positional arg takes precedence over --config flag
	cfgPath := configPath
	if len(args) > 1 {
		cfgPath = args[1]
	}
	if cfgPath == "" {
		return fmt.Errorf("config file required: logferry %s <bundle> <config.toml> or --config <config.toml>", mode)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	log.Info().Msgf("logferry %s (%s → %s schema=%s)", versionString(), mode, cfg.Target.Type, cfg.Schema)

	_, err = Run(ctx, cfg, mode, args[0])
	return err
}
