// Command sendqueued runs the outgoing message delivery daemon.
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

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/config"
	dbmigrations "github.com/element-hq/element-android-sub012/db/migrations"
	"github.com/element-hq/element-android-sub012/internal/cancelreg"
	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/infra/persistence/migrations"
	pgstore "github.com/element-hq/element-android-sub012/internal/infra/persistence/postgres"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/orchestrator"
	"github.com/element-hq/element-android-sub012/internal/outbox"
	"github.com/element-hq/element-android-sub012/internal/pipeline"
	"github.com/element-hq/element-android-sub012/internal/server/httpapi"
	"github.com/element-hq/element-android-sub012/internal/transport"
	"github.com/element-hq/element-android-sub012/internal/workqueue"
	"github.com/element-hq/element-android-sub012/lib/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	queueShutdownTimeout     = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendqueued: %v\n", err)
		os.Exit(1)
	}
	logger := newDaemonLogger(cfg.Environment)
	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("user_id", cfg.UserID))

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: os.Getenv("SENDQUEUE_OTLP_ENDPOINT"),
	})
	if err != nil {
		logger.Error("initialise telemetry", observability.F("error", err.Error()))
		os.Exit(1)
	}

	store, journal, pool, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialise stores", observability.F("error", err.Error()))
		os.Exit(1)
	}

	queue := buildQueue(cfg, journal, logger)

	sender, err := buildSender(cfg, logger)
	if err != nil {
		logger.Error("initialise homeserver transport", observability.F("error", err.Error()))
		os.Exit(1)
	}

	cancels := cancelreg.NewTracker()
	cryptor := plaintextCryptor{}
	stages := pipeline.NewStages(store, cancels, cryptor, sender, logger)
	orch := orchestrator.New(queue, store, cancels, cryptor, logger)
	stages.SetDispatcher(orch)
	if err := stages.Register(queue); err != nil {
		logger.Error("register pipeline stages", observability.F("error", err.Error()))
		os.Exit(1)
	}

	recovered, err := queue.Recover(ctx)
	if err != nil {
		logger.Error("recover journalled chains", observability.F("error", err.Error()))
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered journalled chains", observability.F("count", recovered))
	}

	ob := outbox.New(orch, store, id.UserID(cfg.UserID), logger)

	confirmer := startSyncConfirmer(ctx, cfg, store, logger)

	var lifecycle conc.WaitGroup
	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewHandler(ob, logger),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", observability.F("error", err.Error()))
		}
	})
	logger.Info("send queue api listening", observability.F("addr", cfg.ListenAddr))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            apiServer,
		mainCancel:        cancel,
		lifecycle:         &lifecycle,
		queue:             queue,
		confirmer:         confirmer,
		pool:              pool,
		telemetryShutdown: telemetryShutdown,
	})
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to YAML configuration file (environment variables used when unset)")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig(path string) (config.Settings, error) {
	var (
		cfg config.Settings
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return config.Settings{}, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.FromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newDaemonLogger(env config.Environment) observability.Logger {
	level := zerolog.InfoLevel
	if env == config.EnvDev {
		level = zerolog.DebugLevel
	}
	return observability.NewZerolog(os.Stdout, level)
}

func buildStores(ctx context.Context, cfg config.Settings, logger observability.Logger) (echostore.Store, workqueue.Journal, *pgxpool.Pool, error) {
	if cfg.Postgres.DSN == "" {
		logger.Info("using in-memory stores")
		return echostore.NewMemoryStore(), workqueue.NewMemoryJournal(), nil, nil
	}
	if err := migrations.Apply(ctx, cfg.Postgres.DSN, dbmigrations.Files, logger); err != nil {
		return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create pgx pool: %w", err)
	}
	logger.Info("using postgres stores")
	return pgstore.NewEchoStore(pool), pgstore.NewJournalStore(pool), pool, nil
}

func buildQueue(cfg config.Settings, journal workqueue.Journal, logger observability.Logger) *workqueue.MemoryQueue {
	return workqueue.NewMemoryQueue(workqueue.Config{
		LaneDepth:      cfg.Queue.LaneDepth,
		IdleLaneTTL:    cfg.Queue.IdleLaneTTL,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
	}, workqueue.WithJournal(journal), workqueue.WithLogger(logger))
}

func buildSender(cfg config.Settings, logger observability.Logger) (*transport.HTTPSender, error) {
	opts := []transport.SenderOption{
		transport.WithRateLimit(rate.Limit(cfg.Homeserver.RateLimit), cfg.Homeserver.RateBurst),
		transport.WithSenderLogger(logger),
	}
	if cfg.Homeserver.RequestTimeout > 0 {
		opts = append(opts, transport.WithHTTPClient(&http.Client{Timeout: cfg.Homeserver.RequestTimeout}))
	}
	return transport.NewHTTPSender(cfg.Homeserver.BaseURL, cfg.Homeserver.AccessToken, opts...)
}

func startSyncConfirmer(ctx context.Context, cfg config.Settings, store echostore.Store, logger observability.Logger) *transport.SyncConfirmer {
	if cfg.SyncStream.URL == "" {
		logger.Info("sync acknowledgement stream disabled")
		return nil
	}
	confirmer := transport.NewSyncConfirmer(ctx, cfg.SyncStream.URL, store, logger)
	if err := confirmer.Start(); err != nil {
		// The confirmer keeps reconnecting in the background; a slow first
		// connection is not fatal.
		logger.Error("sync stream not yet connected", observability.F("error", err.Error()))
	}
	return confirmer
}

// plaintextCryptor serves unencrypted rooms. Deployments with end-to-end
// encryption plug a real engine into the pipeline instead.
type plaintextCryptor struct{}

func (plaintextCryptor) Encrypt(_ context.Context, _ id.RoomID, _ string, content json.RawMessage) (json.RawMessage, error) {
	return content, nil
}

func (plaintextCryptor) IsRoomEncrypted(context.Context, id.RoomID) (bool, error) {
	return false, nil
}

type gracefulShutdownConfig struct {
	server            *http.Server
	mainCancel        context.CancelFunc
	lifecycle         *conc.WaitGroup
	queue             *workqueue.MemoryQueue
	confirmer         *transport.SyncConfirmer
	pool              *pgxpool.Pool
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed",
				observability.F("step", name),
				observability.F("error", err.Error()))
		}
	}

	if cfg.server != nil {
		shutdownStep("stop api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.confirmer != nil {
		shutdownStep("stop sync confirmer", apiServerShutdownTimeout, func(context.Context) error {
			cfg.confirmer.Stop()
			return nil
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.queue != nil {
		shutdownStep("close work queue", queueShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.queue.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("wait for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.pool != nil {
		cfg.pool.Close()
	}

	if cfg.telemetryShutdown != nil {
		shutdownStep("shut down telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}
}
