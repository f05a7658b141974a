package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"mira/internal/agentrun"
	"mira/internal/config"
	"mira/internal/logging"
	"mira/internal/observability"
	serverApp "mira/internal/server/app"
	serverHTTP "mira/internal/server/http"
)

const version = "0.1.0"

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

type serverFlags struct {
	configPath string
	listenAddr string
	verbose    bool
	metrics    bool
}

func newRootCommand() *cobra.Command {
	flags := &serverFlags{}

	rootCmd := &cobra.Command{
		Use:   "mira-server",
		Short: "Run admission and state server for background agent tasks",
		Long: fmt.Sprintf(`%s coordinates background AI runs per subject and task kind:
bounded concurrency, FIFO waiting queues, and a live event feed over SSE.

%s
  mira-server                          # Defaults, listen on %s
  mira-server --listen :9000           # Custom listen address
  mira-server --metrics                # Expose Prometheus metrics
  MIRA_SUMMARY_CONCURRENCY=2 mira-server`,
			bold("mira-server "+version),
			bold("EXAMPLES:"),
			config.DefaultListenAddr),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, flags)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&flags.listenAddr, "listen", "l", "", "Listen address")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&flags.metrics, "metrics", false, "Enable Prometheus metrics")

	// Configure viper
	viper.SetConfigName("mira-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mira-server %s\n", version)
		},
	}
}

func loadConfig(flags *serverFlags) (config.RuntimeConfig, config.Metadata, error) {
	opts := []config.Option{}

	configPath := flags.configPath
	if configPath == "" {
		// Let viper locate the config file on its search path.
		if err := viper.ReadInConfig(); err == nil {
			configPath = viper.ConfigFileUsed()
		}
	}
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}

	overrides := config.Overrides{}
	if flags.listenAddr != "" {
		overrides.ListenAddr = &flags.listenAddr
	}
	if flags.verbose {
		overrides.Verbose = &flags.verbose
	}
	if flags.metrics {
		overrides.MetricsEnabled = &flags.metrics
	}
	opts = append(opts, config.WithOverrides(overrides))

	return config.Load(opts...)
}

func runServer(cmd *cobra.Command, flags *serverFlags) error {
	logger := logging.NewComponentLogger("Main")

	cfg, meta, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Verbose {
		logging.GetLogger().SetLevel(logging.INFO)
	}

	fmt.Printf("%s %s\n", bold("mira-server"), version)
	fmt.Printf("  %s %s\n", gray("listen:"), cfg.ListenAddr)
	fmt.Printf("  %s %s\n", gray("environment:"), cfg.Environment)
	fmt.Printf("  %s %s\n", gray("overflow policy:"), cfg.OverflowPolicy)
	if path := meta.Path(); path != "" {
		fmt.Printf("  %s %s\n", gray("config:"), path)
	}
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("  %s :%d/metrics\n", gray("prometheus:"), cfg.Observability.Metrics.PrometheusPort)
	}

	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	engine := agentrun.NewEngine(
		cfg.EnginePolicy(),
		logging.NewComponentLogger("Engine"),
		agentrun.WithHistorySize(cfg.HistorySize),
	)

	recorder := observability.NewEventRecorder(obs.Metrics, logging.NewComponentLogger("EventRecorder"))
	stopRecorder := recorder.Start(engine)

	// TODO: replace SimulatedExecutor with the model-backed executor once the
	// generation service lands; the admission surface is unchanged.
	coordinator := serverApp.NewCoordinator(
		engine,
		serverApp.SimulatedExecutor{StepDelay: 250 * time.Millisecond},
		obs,
		logging.NewComponentLogger("Coordinator"),
	)

	router := serverHTTP.NewRouter(coordinator, cfg.Environment, nil, obs)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for SSE
		IdleTimeout:  120 * time.Second,
	}

	baseCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(baseCtx)

	g.Go(func() error {
		logger.Info("Server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	coordinator.Close()
	stopRecorder()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if obsErr := obs.Shutdown(shutdownCtx); obsErr != nil {
		logger.Warn("Observability shutdown: %v", obsErr)
	}

	if err != nil {
		return err
	}
	fmt.Printf("%s\n", green("Server stopped"))
	return nil
}
