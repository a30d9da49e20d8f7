// Package main provides the entry point for the ha-patterns server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zorak1103/ha-patterns/configs"
	"github.com/zorak1103/ha-patterns/internal/config"
	"github.com/zorak1103/ha-patterns/internal/handlers"
	"github.com/zorak1103/ha-patterns/internal/homeassistant"
	"github.com/zorak1103/ha-patterns/internal/logging"
	"github.com/zorak1103/ha-patterns/internal/mcp"
	"github.com/zorak1103/ha-patterns/internal/metrics"
	"github.com/zorak1103/ha-patterns/internal/source"
	"github.com/zorak1103/ha-patterns/internal/store"
)

const shutdownTimeout = 10 * time.Second

// App holds the CLI application state and dependencies.
type App struct {
	cfgFile   string
	haURL     string
	haToken   string
	port      int
	storePath string
	v         *viper.Viper
	rootCmd   *cobra.Command
}

// NewApp creates a new CLI application instance with all dependencies.
func NewApp() *App {
	app := &App{v: viper.New()}
	app.rootCmd = app.buildRootCmd()
	app.setupFlags()
	app.addCommands()
	return app
}

// buildRootCmd creates the root cobra command.
func (a *App) buildRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ha-patterns",
		Short: "Behavior pattern detection for Home Assistant",
		Long: `ha-patterns analyzes Home Assistant state history and finds recurring
behavior: time-of-day habits, entities that switch together, sequences,
context-dependent activity, usage durations, weekday/weekend and seasonal
differences, room activity, anomalies and regular rhythms.

Without a subcommand it runs a Model Context Protocol (MCP) server over
HTTP so AI agents can run and query pattern detection.`,
		SilenceUsage: true,
		RunE:         a.run,
	}
}

// setupFlags configures CLI flags and binds them to viper.
func (a *App) setupFlags() {
	flags := a.rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: ./config.yaml)")
	flags.StringVar(&a.haURL, "ha-url", "", "Home Assistant URL")
	flags.StringVar(&a.haToken, "ha-token", "", "Home Assistant long-lived access token")
	flags.IntVar(&a.port, "port", 0, "MCP server port")
	flags.StringVar(&a.storePath, "store", "", "SQLite database for detection runs")

	a.bindPFlag("homeassistant.url", flags.Lookup("ha-url"))
	a.bindPFlag("homeassistant.token", flags.Lookup("ha-token"))
	a.bindPFlag("server.port", flags.Lookup("port"))
	a.bindPFlag("store.path", flags.Lookup("store"))
}

// addCommands adds subcommands to the root command.
func (a *App) addCommands() {
	a.rootCmd.AddCommand(a.buildConfigCmd())
	a.rootCmd.AddCommand(a.buildInitCmd())
	a.rootCmd.AddCommand(a.buildDetectCmd())
	a.rootCmd.AddCommand(a.buildRunsCmd())
	a.rootCmd.AddCommand(a.buildExportCmd())
}

// buildConfigCmd creates the config subcommand that displays the effective configuration.
func (a *App) buildConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration with sensitive data masked.

This command shows the configuration that would be used if the server were started,
including values from the config file, environment variables, and CLI flags.
Sensitive data like tokens are masked for security.`,
		RunE: a.runConfig,
	}
}

// buildInitCmd creates the init subcommand that creates configuration files.
func (a *App) buildInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration files",
		Long: `Create configuration files in the current directory.

This command creates:
  - config.yaml: YAML configuration file
  - .env: Environment variables file

Existing files are never overwritten.`,
		RunE: a.runInit,
	}
}

// runInit creates configuration files from embedded templates.
func (a *App) runInit(cmd *cobra.Command, _ []string) error {
	out := outWriter(cmd)
	created := 0

	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"config.yaml", configs.ConfigYAML},
		{".env", configs.EnvExample},
	} {
		wasCreated, err := a.writeConfigFile(out, f.name, f.content)
		if err != nil {
			return err
		}
		if wasCreated {
			created++
		}
	}

	if created == 0 {
		fmt.Fprintln(out, "All configuration files already exist. Nothing to do.")
		return nil
	}

	fmt.Fprintf(out, "Created %d configuration file(s) in current directory.\n", created)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Edit config.yaml or .env with your Home Assistant settings")
	fmt.Fprintln(out, "  2. Run 'ha-patterns config' to verify your configuration")
	fmt.Fprintln(out, "  3. Run 'ha-patterns detect' for a one-off analysis or 'ha-patterns' to start the server")

	return nil
}

// writeConfigFile writes content to a file if it doesn't already exist.
// Returns true if the file was created, false if it was skipped.
func (a *App) writeConfigFile(out io.Writer, filename string, content []byte) (bool, error) {
	if _, err := os.Stat(filename); err == nil {
		fmt.Fprintf(out, "Skipping %s (already exists)\n", filename)
		return false, nil
	}

	if err := os.WriteFile(filename, content, 0600); err != nil {
		return false, fmt.Errorf("writing %s: %w", filename, err)
	}

	fmt.Fprintf(out, "Created %s\n", filename)
	return true, nil
}

// runConfig loads and displays the effective configuration with masked sensitive data.
func (a *App) runConfig(cmd *cobra.Command, _ []string) error {
	// Load configuration without validation (allow missing token for display)
	v := viper.New()
	config.BindFlags(v, a.haURL, a.haToken, a.port)
	if a.storePath != "" {
		v.Set("store.path", a.storePath)
	}
	cfg, err := config.LoadForDisplayWithViper(v, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	masked := cfg.MaskedConfig()
	d := masked.Detection
	out := outWriter(cmd)

	fmt.Fprintln(out, "Effective Configuration")
	fmt.Fprintln(out, "=======================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Home Assistant:")
	fmt.Fprintf(out, "  URL:   %s\n", masked.HomeAssistant.URL)
	fmt.Fprintf(out, "  Token: %s\n", masked.HomeAssistant.Token)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Server:")
	fmt.Fprintf(out, "  Port:  %d\n", masked.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Store:")
	fmt.Fprintf(out, "  Path:      %s\n", orNone(masked.Store.Path))
	fmt.Fprintf(out, "  Retention: %d days\n", masked.Store.RetentionDays)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Detection:")
	fmt.Fprintf(out, "  Min occurrences: %d\n", d.MinOccurrences)
	fmt.Fprintf(out, "  Min confidence:  %.2f\n", d.MinConfidence)
	fmt.Fprintf(out, "  Lookback:        %d days\n", d.LookbackDays)
	fmt.Fprintf(out, "  Timeout:         %s\n", d.Timeout)
	fmt.Fprintf(out, "  Detectors:       %s\n", orAll(d.Detectors))
	fmt.Fprintf(out, "  Entities:        %s\n", orAll(d.Entities))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Logging:")
	fmt.Fprintf(out, "  Level: %s\n", masked.Logging.Level)

	return nil
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// bindPFlag binds a flag to the app's viper instance and logs an error if binding fails.
func (a *App) bindPFlag(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		log.Printf("warning: failed to bind flag %s: %v", key, err)
	}
}

func main() {
	app := NewApp()
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger creates the process logger from the configured level.
func newLogger(cfg *config.Config, out io.Writer) *logging.Logger {
	logLevel, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Printf("Warning: invalid log level %q, using INFO", cfg.Logging.Level)
		logLevel = logging.LevelInfo
	}
	logger := logging.NewWithWriter(logLevel, out)
	logging.SetDefault(logger)
	return logger
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *logging.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, shutting down...", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// connectHomeAssistant opens the WebSocket client.
func connectHomeAssistant(ctx context.Context, cfg *config.Config, logger *logging.Logger) (homeassistant.Client, error) {
	logger.Info("Connecting to Home Assistant WebSocket API...", "url", cfg.HomeAssistant.URL)
	opts := homeassistant.DefaultClientOptions()
	opts.WSConfig.Logger = logger
	client, err := homeassistant.NewClientWithOptions(ctx, cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to Home Assistant: %w", err)
	}
	logger.Info("Connected to Home Assistant WebSocket API")
	return client, nil
}

// historySource reads recorder history for the configured entities.
func historySource(client homeassistant.Client, cfg *config.Config, logger *logging.Logger) *source.HistorySource {
	return source.NewHistorySource(client,
		source.WithEntities(cfg.Detection.Entities...),
		source.WithAttributes(cfg.Detection.ContextAttributes...),
		source.WithLogger(logger),
	)
}

// openStore opens the configured store and prunes expired runs. It returns
// nil when no store path is configured.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*store.Store, error) {
	if cfg.Store.Path == "" {
		return nil, nil
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if cfg.Store.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Store.RetentionDays)
		n, err := st.DeleteRunsBefore(ctx, cutoff)
		if err != nil {
			logger.Warn("Failed to prune old detection runs", "error", err)
		} else if n > 0 {
			logger.Info("Pruned old detection runs", "count", n, "before", cutoff.Format(time.DateOnly))
		}
	}
	return st, nil
}

// run executes the main server logic.
func (a *App) run(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithViper(a.v, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	settings, err := cfg.Detection.Settings()
	if err != nil {
		return err
	}

	logger := newLogger(cfg, os.Stdout)
	logger.Info("Starting ha-patterns server", "port", cfg.Server.Port, "version", mcp.ServerVersion)
	logger.Info("Log level", "level", logging.LevelString(logger.Level()))

	ctx, cancel := signalContext(logger)
	defer cancel()

	haClient, err := connectHomeAssistant(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("Closing Home Assistant WebSocket connection...")
		if closeErr := homeassistant.CloseClient(haClient); closeErr != nil {
			logger.Error("Error closing Home Assistant client", "error", closeErr)
		}
	}()

	recorder := metrics.NewRecorder()
	opts := handlers.Options{
		Source:       historySource(haClient, cfg, logger),
		Settings:     settings,
		LookbackDays: cfg.Detection.LookbackDays,
		Timeout:      cfg.Detection.Timeout,
		Recorder:     recorder,
		Logger:       logger,
	}
	serverOpts := []mcp.ServerOption{
		mcp.WithMetricsHandler(recorder.Handler()),
		mcp.WithHealthCheck("homeassistant", func(ctx context.Context) error {
			return homeassistant.CheckHealth(ctx, haClient)
		}),
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st != nil {
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("Error closing store", "error", closeErr)
			}
		}()
		opts.Store = st
		serverOpts = append(serverOpts, mcp.WithHealthCheck("store", st.Ping))
		logger.Info("Storing detection runs", "path", cfg.Store.Path)
	}

	registry := mcp.NewRegistry()
	handlers.RegisterAllTools(registry, opts)
	logger.Info("Registered MCP tools", "count", registry.ToolCount(), "resources", registry.ResourceCount())
	registry.LogRegisteredTools(logger)

	mcpServer := mcp.NewServer(registry, cfg.Server.Port, logger, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(mcpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return mcpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// outWriter returns the command's output stream, or stdout without a command.
func outWriter(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func orAll(items []string) string {
	if len(items) == 0 {
		return "(all)"
	}
	return fmt.Sprint(items)
}
