package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/auth"
	"chatrelay/config"
	"chatrelay/control"
	"chatrelay/db"
	"chatrelay/server"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configFile  string
	hostFlag    string
	portFlag    int
	modeFlag    string
	dbPathFlag  string
	maxSessions int
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Multi-client chat relay",
	Long: `chatrelay accepts stream connections, lets clients register or log in,
fans text messages out to every connected client and keeps the 20 most
recent messages.

Configuration is read from defaults, then --config (YAML), then CHAT_*
environment variables, then the flags below.`,
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "Configuration file (YAML)")
	flags.StringVar(&hostFlag, "host", "", "Listening host")
	flags.IntVar(&portFlag, "port", 0, "Listening port")
	flags.StringVar(&modeFlag, "mode", "", "Concurrency strategy: threaded or eventloop")
	flags.StringVar(&dbPathFlag, "db", "", "SQLite database path")
	flags.IntVar(&maxSessions, "max-sessions", 0, "Maximum concurrent sessions in threaded mode (0 = unbounded)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	verifier, err := auth.New(cfg.Verifier)
	if err != nil {
		return err
	}
	if cfg.Verifier == auth.VerifierFingerprint {
		logger.Warn("secrets are checked by a 32-bit string fingerprint; this is not a password hash")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	srv, err := server.New(database, &server.ServerConfig{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Mode:         cfg.Mode,
		MaxSessions:  cfg.MaxSessions,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		Verifier:     verifier,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Start(ctx)
		// The relay is the process; once it stops, so does everything else.
		stop()
		return err
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, logger)
		})
	}

	if cfg.ControlSocket != "" {
		g.Go(func() error {
			return control.New(cfg.ControlSocket, srv, logger).Serve(ctx)
		})
	}

	return g.Wait()
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = hostFlag
	}
	if flags.Changed("port") {
		cfg.Port = portFlag
	}
	if flags.Changed("mode") {
		cfg.Mode = config.NormalizeMode(modeFlag)
	}
	if flags.Changed("db") {
		cfg.DBPath = dbPathFlag
	}
	if flags.Changed("max-sessions") {
		cfg.MaxSessions = maxSessions
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
