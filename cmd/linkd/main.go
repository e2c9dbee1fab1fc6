package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/api"
	"github.com/netplane-io/linkd/pkg/config"
	"github.com/netplane-io/linkd/pkg/dcb"
	"github.com/netplane-io/linkd/pkg/device"
	"github.com/netplane-io/linkd/pkg/link"
	"github.com/netplane-io/linkd/pkg/manager"
	"github.com/netplane-io/linkd/pkg/metrics"
	"github.com/netplane-io/linkd/pkg/pppoe"
	"github.com/netplane-io/linkd/pkg/secrets"
	"github.com/netplane-io/linkd/pkg/supplicant"
	"github.com/netplane-io/linkd/pkg/timing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "linkd",
	Short: "Per-interface network activation daemon",
	Long: `linkd activates network interfaces from connection profiles:
link preparation, 802.1X authentication, DCB/FCoE synchronization,
PPPoE sessions and IP configuration, one state machine per interface.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the activation daemon",
	RunE:  runDaemon,
}

var (
	configFile string
	logLevel   string
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/linkd/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "",
		"Log level (debug, info, warn, error), overrides the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("linkd version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d profile(s), ok\n", configFile, len(cfg.Profiles))
		return nil
	},
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg = config.DefaultConfig()
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting linkd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", configFile),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	platform, err := link.NewNetlinkPlatform()
	if err != nil {
		return fmt.Errorf("failed to open netlink: %w", err)
	}

	agent := secrets.NewStaticAgent(cfg.SecretEntries(), logger)
	broker := secrets.NewBroker(agent, logger)
	agent.Bind(broker)

	metricsCollector := metrics.New(logger)
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}

	deps := device.Deps{
		Platform:    platform,
		Supplicants: supplicant.NewCLIManager(supplicant.DefaultCLIManagerConfig(), logger),
		Secrets:     broker,
		DCBTool:     dcb.NewExecTool(dcb.DefaultExecToolConfig(), logger),
		PPP:         pppoe.NewPppdManager(logger),
		Clock:       timing.System(),
		Logger:      logger,
		Metrics:     metricsCollector,
	}

	monitor := link.NewCarrierMonitor(logger)
	mgr := manager.New(manager.Config{Defaults: cfg.Defaults.Options()}, deps, monitor, logger)
	mgr.OnEvent(func(e device.Event) {
		metricsCollector.SetDeviceState(e.Interface, int(e.State))
	})

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}
	defer mgr.Stop()

	// Profile lookups go through the store so config reloads take effect
	// without restarting the daemon.
	store := newProfileStore(cfg)
	watcher := config.NewWatcher(configFile, logger, func(next *config.Config) {
		agent.Update(next.SecretEntries())
		store.replace(next)
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("Config watching unavailable", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	startMetricsServer(cfg.MetricsAddr, metricsCollector, logger)

	apiServer := api.NewServer(cfg.APIAddr, mgr, store.lookup, logger)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Warn("API server shutdown", zap.Error(err))
		}
	}()

	activateConfigured(mgr, store, logger)

	logger.Info("linkd started successfully",
		zap.Int("profiles", len(cfg.Profiles)),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("api", cfg.APIAddr),
	)

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

// activateConfigured starts every autoconnect profile. Failures are logged
// rather than fatal so one bad interface cannot hold the daemon down.
func activateConfigured(mgr *manager.Manager, store *profileStore, logger *zap.Logger) {
	cfg := store.current()
	for _, name := range cfg.Autoconnect {
		p, ok := cfg.Profile(name)
		if !ok {
			continue
		}
		if err := mgr.Activate(p.Interface, p); err != nil {
			logger.Warn("Autoconnect failed",
				zap.String("profile", name),
				zap.String("interface", p.Interface),
				zap.Error(err),
			)
		}
	}
}

func startMetricsServer(addr string, collector *metrics.Metrics, logger *zap.Logger) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		logger.Info("Starting metrics server", zap.String("addr", addr))
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "", "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zapLevel
	zcfg.Encoding = "json"
	return zcfg.Build()
}
