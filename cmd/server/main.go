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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/netpulse-io/netpulse/internal/allocator"
	"github.com/netpulse-io/netpulse/internal/api"
	"github.com/netpulse-io/netpulse/internal/config"
	"github.com/netpulse-io/netpulse/internal/connection"
	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/dispatch"
	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
	"github.com/netpulse-io/netpulse/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type serverFlags struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	logLevel      string
	maxConcurrent int
	checkInterval time.Duration
	taskTimeout   time.Duration
	queueSize     int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &serverFlags{}

	root := &cobra.Command{
		Use:   "netpulse-server",
		Short: "Netpulse server — distributed network probing orchestrator",
		Long: `Netpulse server is the central component of the Netpulse probing
platform. It maintains persistent control channels to remote probe
agents, schedules recurring measurement tasks, selects the best agent
for each execution, dispatches work, and collects results.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&flags.httpAddr, "http-addr", envOrDefault("NETPULSE_HTTP_ADDR", ":8080"), "HTTP listen address (agent channel, status, metrics)")
	root.PersistentFlags().StringVar(&flags.dbDriver, "db-driver", envOrDefault("NETPULSE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&flags.dbDSN, "db-dsn", envOrDefault("NETPULSE_DB_DSN", "./netpulse.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", envOrDefault("NETPULSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&flags.maxConcurrent, "max-concurrent-tasks", 100, "Global cap on concurrently executing tasks")
	root.PersistentFlags().DurationVar(&flags.checkInterval, "check-interval", 10*time.Second, "Scheduler sweep interval")
	root.PersistentFlags().DurationVar(&flags.taskTimeout, "task-timeout", 300*time.Second, "Server-side task execution timeout")
	root.PersistentFlags().IntVar(&flags.queueSize, "queue-size", 10000, "Total message queue capacity")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netpulse-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, flags *serverFlags) error {
	logger, err := buildLogger(flags.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting netpulse server",
		zap.String("version", version),
		zap.String("http_addr", flags.httpAddr),
		zap.String("db_driver", flags.dbDriver),
		zap.String("log_level", flags.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Configuration ---
	cfg := config.Default()
	cfg.Scheduler.MaxConcurrentTasks = flags.maxConcurrent
	cfg.Scheduler.CheckInterval = flags.checkInterval
	cfg.Scheduler.TaskTimeout = flags.taskTimeout
	cfg.Queue.MaxSize = flags.queueSize

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   flags.dbDriver,
		DSN:      flags.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(flags.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	agentRepo := repositories.NewAgentRepository(gormDB)
	taskRepo := repositories.NewTaskRepository(gormDB)
	resultRepo := repositories.NewTaskResultRepository(gormDB)

	// --- 4. Connection manager ---
	connMgr := connection.NewManager(cfg, agentRepo, logger)
	connMgr.Start()
	defer connMgr.Stop()

	// --- 5. Message dispatcher ---
	dispatcher := dispatch.NewDispatcher(connMgr, resultRepo, taskRepo, cfg.Queue.MaxSize, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Inbound task results flow from the connection manager into the
	// collector.
	connMgr.RegisterHandler(protocol.TypeTaskResult, dispatcher.Collector().HandleTaskResult)

	// --- 6. Allocator ---
	alloc := allocator.New(agentRepo, resultRepo, cfg.Allocator, logger)
	reassign := allocator.NewReassignmentManager(alloc, taskRepo, logger)
	balancer := allocator.NewLoadBalancer(agentRepo, resultRepo, logger)

	// --- 7. Scheduler ---
	sched, err := scheduler.New(cfg.Scheduler, cfg.Queue.MaxSize, alloc, reassign, dispatcher, taskRepo, resultRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	// The scheduler clears its executing-set through the collector's
	// result fan-out.
	dispatcher.Collector().RegisterHandler("scheduler", sched.HandleTaskResult)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 8. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		ConnManager:  connMgr,
		Scheduler:    sched,
		Dispatcher:   dispatcher,
		Reassignment: reassign,
		Balancer:     balancer,
		Logger:       logger,
	})

	httpSrv := &http.Server{
		Addr:        flags.httpAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: agent WebSocket channels are long-lived and a
		// server-wide write deadline would sever them.
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", flags.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down netpulse server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("netpulse server stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
