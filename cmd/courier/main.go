package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/merchkit/courier/pkg/config"
	"github.com/merchkit/courier/pkg/events"
	"github.com/merchkit/courier/pkg/log"
	"github.com/merchkit/courier/pkg/manager"
	"github.com/merchkit/courier/pkg/marketplace"
	"github.com/merchkit/courier/pkg/metrics"
	"github.com/merchkit/courier/pkg/plugin"
	"github.com/merchkit/courier/pkg/runtime"
	"github.com/merchkit/courier/pkg/storage"
	"github.com/merchkit/courier/pkg/watcher"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath     string
	logLevel       string
	logJSON        bool
	dataDir        string
	metricsAddr    string
	maxConcurrency int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - Plugin-driven event dispatch for commerce backends",
	Long: `Courier routes asynchronous domain events (order status changes,
document lifecycle, customer mutations, stock decrements) to handlers
loaded from on-disk plugins, reconciled against a YAML configuration
and optionally installed from a remote marketplace.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Courier version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/courier/events.yaml", "Path to the event configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")

	serveCmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/courier", "Directory for the install ledger database")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9477", "Listen address for /metrics, /health, /ready")
	serveCmd.Flags().IntVar(&maxConcurrency, "max-concurrent-handlers", 0, "Bound on concurrently executing handlers (0 = unbounded)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pluginCmd)
	rootCmd.AddCommand(configCmd)

	pluginCmd.AddCommand(pluginListCmd)
	pluginCmd.AddCommand(pluginStatusCmd)
	pluginCmd.AddCommand(pluginEnableCmd)
	pluginCmd.AddCommand(pluginDisableCmd)
	pluginCmd.AddCommand(pluginInstallCmd)
	pluginCmd.AddCommand(pluginUninstallCmd)

	pluginInstallCmd.Flags().String("source-url", "", "Explicit archive URL (bypasses marketplace metadata)")
	pluginInstallCmd.Flags().String("checksum", "", "Expected SHA-256 of the archive")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// wire builds the component graph shared by the daemon and the
// administrative commands.
func wire(ctx context.Context) (*config.Store, *manager.Manager, *marketplace.Installer, error) {
	store := config.NewStore(configPath)

	cfg, err := store.Load(true)
	if err != nil {
		return nil, nil, nil, err
	}

	bus := events.NewBus(events.WithMaxConcurrentHandlers(maxConcurrency))
	loader := plugin.NewLoader(cfg.PluginDirectories...)
	mgr := manager.NewManager(bus, store, loader)
	client := marketplace.NewClient(cfg.Marketplace)

	runtime.SetBus(bus)
	runtime.SetManager(mgr)
	runtime.SetConfigStore(store)
	runtime.SetMarketplaceClient(client)

	installerOpts := []marketplace.InstallerOption{marketplace.WithClient(client)}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err == nil {
			if records, recErr := storage.NewBoltStore(dataDir); recErr == nil {
				installerOpts = append(installerOpts, marketplace.WithRecordStore(records))
			} else {
				log.Logger.Warn().Err(recErr).Str("data_dir", dataDir).Msg("Install ledger unavailable")
			}
		}
	}
	installer := marketplace.NewInstaller(store, mgr, installerOpts...)

	return store, mgr, installer, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event dispatch daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		metrics.SetVersion(Version)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		store, mgr, _, err := wire(ctx)
		if err != nil {
			metrics.RegisterComponent("config", false, err.Error())
			return err
		}
		metrics.RegisterComponent("config", true, "")
		metrics.RegisterComponent("event_bus", true, "")

		cfg, err := mgr.Init(ctx)
		if err != nil {
			metrics.RegisterComponent("plugin_manager", false, err.Error())
			return err
		}
		metrics.RegisterComponent("plugin_manager", true, "")

		w := watcher.New(mgr, store.Path(), 0)
		if err := w.Start(ctx, cfg.PluginDirectories); err != nil {
			log.Logger.Warn().Err(err).Msg("Filesystem watcher unavailable, relying on SIGHUP reloads")
		} else {
			defer w.Stop()
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()

		log.Logger.Info().
			Str("config", store.Path()).
			Str("metrics_addr", metricsAddr).
			Msg("Courier started")

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range signals {
			if sig == syscall.SIGHUP {
				log.Logger.Info().Msg("SIGHUP received, reloading")
				if _, err := mgr.Reload(ctx); err != nil {
					log.Logger.Error().Err(err).Msg("Reload failed")
					metrics.UpdateComponent("plugin_manager", false, err.Error())
				} else {
					metrics.UpdateComponent("plugin_manager", true, "")
				}
				continue
			}
			log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			break
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage event plugins",
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		_, mgr, _, err := wire(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := mgr.Init(cmd.Context()); err != nil {
			return err
		}

		status, err := mgr.Status()
		if err != nil {
			return err
		}
		for name, entry := range status {
			state := "disabled"
			if entry.Enabled {
				state = "enabled"
			}
			fmt.Printf("%-30s %-9s %s\n", name, state, entry.Source)
		}
		return nil
	},
}

var pluginStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show plugin status with handlers and settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		_, mgr, _, err := wire(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := mgr.Init(cmd.Context()); err != nil {
			return err
		}

		status, err := mgr.Status()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(status)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var pluginEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		_, mgr, _, err := wire(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := mgr.Init(cmd.Context()); err != nil {
			return err
		}
		if _, err := mgr.EnablePlugin(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Plugin %q enabled\n", args[0])
		return nil
	},
}

var pluginDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		_, mgr, _, err := wire(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := mgr.Init(cmd.Context()); err != nil {
			return err
		}
		if _, err := mgr.DisablePlugin(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Plugin %q disabled\n", args[0])
		return nil
	},
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install <name>",
	Short: "Install a plugin from the marketplace or an explicit URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		_, mgr, installer, err := wire(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := mgr.Init(cmd.Context()); err != nil {
			return err
		}

		sourceURL, _ := cmd.Flags().GetString("source-url")
		checksum, _ := cmd.Flags().GetString("checksum")

		if _, err := installer.Install(cmd.Context(), marketplace.Request{
			Name:           args[0],
			SourceURL:      sourceURL,
			ChecksumSHA256: checksum,
		}); err != nil {
			return err
		}
		fmt.Printf("Plugin %q installed\n", args[0])
		return nil
	},
}

var pluginUninstallCmd = &cobra.Command{
	Use:   "uninstall <name>",
	Short: "Remove an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		_, mgr, installer, err := wire(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := mgr.Init(cmd.Context()); err != nil {
			return err
		}
		if _, err := installer.Uninstall(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Plugin %q uninstalled\n", args[0])
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the event configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		store := config.NewStore(configPath)
		cfg, err := store.Load(false)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		store := config.NewStore(configPath)
		if _, err := store.Load(false); err != nil {
			return err
		}
		fmt.Printf("Configuration %s is valid\n", configPath)
		return nil
	},
}
