package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "upbit-trading-bot",
	Short:         "Multi-timeframe Upbit spot trading agent",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init-config" {
			return nil
		}

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded

		logger = logging.New(&logging.Config{
			Level:       cfg.LoggingConfig.Level,
			Output:      cfg.LoggingConfig.Output,
			JSONFormat:  cfg.LoggingConfig.JSONFormat,
			IncludeFile: cfg.LoggingConfig.IncludeFile,
			Component:   "main",
		})
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading loop on the cycle schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		runNow, _ := cmd.Flags().GetBool("now")
		return runLoop(runNow)
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single cycle for the current tick and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.Bootstrap(ctx); err != nil {
			return err
		}
		report, err := a.scheduler.RunOnce(ctx)
		if report != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume MARKET",
	Short: "Clear a manual-intervention halt on one market",
	Long: `Clear the halt latch of a market after the operator has checked the
exchange. Without --flat the pending order is reconciled again on the next
cycle; with --flat the position is reset to NONE.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flat, _ := cmd.Flags().GetBool("flat")
		ctx := context.Background()

		a, err := buildApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		state, err := a.engine.Resume(ctx, strings.ToUpper(args[0]), flat)
		if err != nil {
			return err
		}
		fmt.Printf("%s resumed: status=%s trading_enabled=%v\n", state.Market, state.PositionStatus, state.TradingEnabled)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the PostgreSQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		db, err := database.NewDB(ctx, database.ConfigFromSettings(cfg.DatabaseConfig), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info().Msg("Migrations complete")
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [FILE]",
	Short: "Write a sample configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.json"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.GenerateSampleConfig(path); err != nil {
			return err
		}
		fmt.Printf("Sample configuration written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "configuration file (optional, environment overrides apply)")
	runCmd.Flags().Bool("now", false, "run a cycle for the current tick before waiting for the next one")
	resumeCmd.Flags().Bool("flat", false, "also reset the position to NONE")

	rootCmd.AddCommand(runCmd, onceCmd, resumeCmd, migrateCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLoop(runNow bool) error {
	ctx := context.Background()

	a, err := buildApp(ctx, cfg, logger, appOptions{stream: true, server: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.Bootstrap(ctx); err != nil {
		return err
	}

	if a.stream != nil {
		a.stream.Start()
		defer a.stream.Stop()
	}

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				logger.Error().Err(err).Msg("Failed to start web server")
			}
		}()
	}

	logger.Info().
		Strs("markets", cfg.MarketNames()).
		Bool("dry_run", cfg.TradingConfig.DryRun).
		Int("cycle_minutes", cfg.TradingConfig.CycleIntervalMinutes).
		Str("timezone", cfg.Location().String()).
		Msg("Starting Upbit trading agent")
	a.eventBus.PublishCycle(events.EventBotStarted, time.Now(), map[string]interface{}{"dry_run": cfg.TradingConfig.DryRun})
	a.notifier.NotifyInfo(ctx, "🚀 Trading agent started", fmt.Sprintf("Markets: %s, dry run: %v", strings.Join(cfg.MarketNames(), ", "), cfg.TradingConfig.DryRun))

	if runNow {
		if _, err := a.scheduler.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("Initial cycle finished with error")
		}
	}

	if err := a.scheduler.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down...")

	if err := a.scheduler.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Error stopping scheduler")
	}

	if a.server != nil {
		timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error shutting down web server")
		}
	}

	a.notifier.NotifyInfo(context.Background(), "🛑 Trading agent stopped", "Shutdown complete")
	logger.Info().Msg("Shutdown complete")
	return nil
}
