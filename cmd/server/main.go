/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the bereavement-fund ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), apply flag overrides
  2. Build logger and SQLite store
  3. Wire optional Redis (sequencer + events), Kafka, SMTP sinks
  4. Start notification dispatcher and reconciliation scheduler
  5. Configure HTTP router and serve with graceful shutdown

COMMAND-LINE FLAGS:
  -port        HTTP server port (overrides PORT)
  -db          SQLite database path (overrides DB_PATH)
               Use ":memory:" for in-memory database
  -seed-funds  JSON fund list to create at startup (overrides SEED_FUNDS)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop scheduler, drain notification queue
  4. Close database and broker connections

EXAMPLES:
  ./server -db="./data/bf.db"
  REDIS_ADDR=localhost:6379 KAFKA_BROKERS=localhost:9092 ./server
  ./server -db=":memory:" -seed-funds=./funds.json

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/twezimbe/bf-ledger/api"
	"github.com/twezimbe/bf-ledger/bf"
	"github.com/twezimbe/bf-ledger/config"
	"github.com/twezimbe/bf-ledger/factory"
	"github.com/twezimbe/bf-ledger/logging"
	"github.com/twezimbe/bf-ledger/notify"
	"github.com/twezimbe/bf-ledger/store/redis"
	"github.com/twezimbe/bf-ledger/store/sqlite"
	"github.com/twezimbe/bf-ledger/wallet"
)

func main() {
	cfg := config.Load()

	// Flags
	port := flag.Int("port", cfg.App.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DB.Path, "SQLite database path")
	seedFunds := flag.String("seed-funds", cfg.App.SeedFunds, "JSON fund list to create at startup")
	flag.Parse()

	logger, err := logging.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *port, *dbPath, *seedFunds, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, port int, dbPath, seedFunds string, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Counters never trail the addresses already issued
	floors, err := store.SyncSequences(ctx, wallet.DefaultCodeWidth)
	if err != nil {
		return fmt.Errorf("failed to sync address sequences: %w", err)
	}

	// Notification sinks
	hub := notify.NewHub(logger.Named("ws"))
	sinks := []notify.Sink{hub}

	var sequencer wallet.Sequencer
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		seq := redis.NewSequencer(rdb, "")
		if err := seq.SeedFloors(ctx, floors); err != nil {
			return err
		}
		sequencer = seq
		sinks = append(sinks, notify.NewRedisSink(rdb, cfg.Redis.Channel))
		logger.Info("redis enabled", zap.String("addr", cfg.Redis.Addr))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kw := notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kw.Close()
		sinks = append(sinks, notify.NewKafkaSink(kw))
		logger.Info("kafka enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	if cfg.SMTP.Host != "" {
		sinks = append(sinks, notify.NewMailSink(notify.MailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
		logger.Info("email notifications enabled", zap.String("host", cfg.SMTP.Host))
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherOptions{
		QueueSize:   cfg.Notify.QueueSize,
		Workers:     cfg.Notify.Workers,
		SendTimeout: cfg.Notify.Timeout,
		Logger:      logger.Named("notify"),
	}, sinks...)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Domain
	ledger := wallet.NewLedger(store, wallet.Options{
		AllowOverdraft:     cfg.Ledger.AllowOverdraft,
		GenerationAttempts: cfg.Ledger.GenerationAttempts,
		MaxRetries:         cfg.Ledger.MaxRetries,
		Sequencer:          sequencer,
		Notifier:           dispatcher,
		Logger:             logger.Named("ledger"),
	})
	workflow := bf.NewWorkflow(store, ledger, bf.Options{
		Notifier:   dispatcher,
		Logger:     logger.Named("bf"),
		MaxRetries: cfg.Ledger.MaxRetries,
	})

	if seedFunds != "" {
		if err := seed(ctx, workflow, seedFunds, logger); err != nil {
			return err
		}
	}

	scheduler := api.NewReconciliationScheduler(workflow, logger.Named("scheduler"))
	scheduler.CheckInterval = cfg.Ledger.ReconcileInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	handler := api.NewHandler(workflow, hub, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.App.CORSOrigins,
		JWTSecret:      cfg.Auth.JWTSecret,
	})
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", port), zap.String("db", dbPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// seed creates the funds listed in path. Funds whose group already has
// one are skipped, so the file can be applied on every start.
func seed(ctx context.Context, workflow *bf.Workflow, path string, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	inputs, err := factory.NewFundFactory().ParseFunds(data)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		f, err := workflow.CreateFund(ctx, in)
		switch {
		case errors.Is(err, bf.ErrAlreadyExists):
			logger.Info("seed fund exists", zap.String("name", in.Name), zap.String("group", in.GroupID))
		case err != nil:
			return fmt.Errorf("failed to seed fund %q: %w", in.Name, err)
		default:
			logger.Info("seed fund created", zap.String("id", f.ID), zap.String("wallet", string(f.WalletAddress)))
		}
	}
	return nil
}
