// ABOUTME: Entry point for the stromwissen AI routing server.
// ABOUTME: Wires config, logging and the application context behind cobra commands.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/2389/stromwissen/internal/app"
	"github.com/2389/stromwissen/internal/config"
	"github.com/2389/stromwissen/internal/keymanager"
	"github.com/2389/stromwissen/internal/logging"
	"github.com/2389/stromwissen/internal/provider"
	"github.com/2389/stromwissen/plugins/core"
	_ "github.com/2389/stromwissen/plugins/exportui"        // Register export-ui plugin
	_ "github.com/2389/stromwissen/plugins/metricsexporter" // Register metrics-exporter plugin
	_ "github.com/2389/stromwissen/plugins/uploadaudit"     // Register upload-audit plugin
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	configPath string
	dbPath     string
	port       int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "stromwissen",
		Short: "Quota-aware AI provider routing with a plugin host",
		Long: `stromwissen routes generative AI calls to a free provider tier while its
quota lasts and falls back to a paid tier when it does not.

Features:
  • Per-minute and per-day free-tier quota with backoff
  • Persistent usage metrics (JSON file or SQLite)
  • Plugin lifecycle with dependencies, hooks, routes and scheduled jobs
  • Admin endpoints and Prometheus metrics

Quick Start:
  stromwissen serve             # Start the server
  stromwissen usage             # Print usage metrics
  stromwissen plugins list      # List compiled-in plugins`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getEnv("STROMWISSEN_CONFIG", config.DefaultPath), "Config file")
	rootCmd.PersistentFlags().StringVarP(&opts.dbPath, "db", "d", "", "Database path (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the stromwissen HTTP server.

The server provides:
  • Plugin routes under /api/plugins
  • Admin endpoints under /admin (Bearer ADMIN_TOKEN)
  • Health check at /healthz
  • Prometheus metrics at /metrics

The config file is watched and reloaded on change or SIGHUP. Quota limits
apply immediately; listen address and database changes need a restart.

Environment Variables:
  STROMWISSEN_CONFIG   Config file (default: stromwissen.yaml)
  STROMWISSEN_PORT     Server port
  GEMINI_API_KEY       Free tier key
  MISTRAL_API_KEY      Paid tier key
  ADMIN_TOKEN          Admin bearer token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serveCmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (overrides config)")

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Print AI usage metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyManager(cmd.Context(), opts, func(km *keymanager.KeyManager) error {
				return writeJSON(cmd.OutOrStdout(), km.UsageMetrics())
			})
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset [free|paid|all]",
		Short: "Reset usage metrics for a tier",
		Long: `Zero the persisted usage of one tier, or of everything with "all".
Defaults to "all". The reset time is recorded as lastReset.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := string(keymanager.TierAll)
			if len(args) > 0 {
				raw = args[0]
			}
			tier, err := keymanager.ParseTier(raw)
			if err != nil {
				return err
			}
			return withKeyManager(cmd.Context(), opts, func(km *keymanager.KeyManager) error {
				if err := km.ResetMetrics(cmd.Context(), tier); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), km.UsageMetrics())
			})
		},
	}
	usageCmd.AddCommand(resetCmd)

	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect plugins",
	}
	pluginsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List compiled-in plugins in activation order",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ordered, err := core.SortByDependencies(core.Builtins())
				if err != nil {
					return err
				}
				metas := make([]core.Metadata, 0, len(ordered))
				for _, p := range ordered {
					metas = append(metas, p.Metadata())
				}
				return printPlugins(cmd.OutOrStdout(), metas)
			},
		},
		&cobra.Command{
			Use:   "scan DIR",
			Short: "Read plugin manifests from a directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				metas, err := core.ScanPlugins(args[0])
				if err != nil {
					return err
				}
				return printPlugins(cmd.OutOrStdout(), metas)
			},
		},
	)

	rootCmd.AddCommand(serveCmd, usageCmd, pluginsCmd)
	return rootCmd
}

// loadConfig reads .env, the config file and the command line overrides.
func loadConfig(opts *options) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.LoadWithFallback(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, opts); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, opts *options) error {
	if opts.dbPath != "" {
		clean, err := validateAndCleanDBPath(opts.dbPath)
		if err != nil {
			return err
		}
		cfg.Database.Path = clean
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	return nil
}

func runServe(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	a.Start(ctx)

	holder, err := config.NewHolder(opts.configPath, logger.With().Str("component", "config").Logger(),
		config.WithReloadObserver(a.Collector().ObserveConfigReload))
	if err != nil {
		return errors.Join(err, a.Shutdown(ctx))
	}
	holder.OnChange(a.ApplyConfig)
	if err := holder.WatchFile(); err != nil {
		logger.Info().Str("path", holder.Path()).Msg("config file not watched")
	}
	holder.WatchSignals()
	defer holder.Stop()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", srv.Addr).
			Str("database", cfg.Database.Path).
			Str("metrics_backend", cfg.Quota.Metrics.Backend).
			Msg("stromwissen listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), a.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// withKeyManager builds the application without plugins or provider
// clients and runs fn against its key manager. Usage is flushed on the way
// out.
func withKeyManager(ctx context.Context, opts *options, fn func(*keymanager.KeyManager) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg.Logging.Level = "warn"
	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, logger, app.Options{
		Plugins:     []core.Plugin{},
		FreeFactory: &provider.Static{ProviderName: cfg.Providers.Free.Kind},
		PaidFactory: &provider.Static{ProviderName: cfg.Providers.Paid.Kind},
	})
	if err != nil {
		return err
	}
	return errors.Join(fn(a.KeyManager()), a.Shutdown(ctx))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPlugins(w io.Writer, metas []core.Metadata) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tAPI\tDEPENDENCIES")
	for _, m := range metas {
		deps := strings.Join(m.Dependencies, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, m.Version, m.APIVersion, deps)
	}
	return tw.Flush()
}

// validateAndCleanDBPath validates and cleans a database path.
// Handles Unix/Linux, macOS, and Windows paths (including UNC and drive letters).
func validateAndCleanDBPath(path string) (string, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))

	if cleanPath == "" || cleanPath == "." || cleanPath == "/" {
		return "", fmt.Errorf("database path cannot be empty, '.', or '/'")
	}
	if cleanPath == ":memory:" {
		return cleanPath, nil
	}

	if runtime.GOOS == "windows" && len(cleanPath) == 2 && cleanPath[1] == ':' {
		return "", fmt.Errorf("database path cannot be a bare drive letter")
	}

	if strings.Contains(cleanPath, "..") {
		return "", fmt.Errorf("database path cannot contain '..'")
	}

	lowerPath := strings.ToLower(cleanPath)
	for _, pattern := range []string{".git", ".svn", "node_modules", ".env", "credentials", "secret"} {
		if strings.Contains(lowerPath, pattern) {
			return "", fmt.Errorf("database path cannot contain '%s' directory", pattern)
		}
	}

	return cleanPath, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
