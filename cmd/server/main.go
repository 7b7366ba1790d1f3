package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/custody/internal/api"
	"github.com/xtrntr/custody/internal/auth"
	"github.com/xtrntr/custody/internal/config"
	"github.com/xtrntr/custody/internal/db"
	"github.com/xtrntr/custody/internal/events"
	"github.com/xtrntr/custody/internal/exchange"
	"github.com/xtrntr/custody/internal/ledger"
	"github.com/xtrntr/custody/internal/orders"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Main entry point: loads config, opens the ledger, and serves the API
func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	boot := zap.Must(zap.NewProduction())
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal("failed to load config", zap.Error(err))
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		boot.Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func openLedger(ctx context.Context, cfg *config.Config, log *zap.Logger) (ledger.Ledger, func(), error) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn("using in-memory ledger, state is lost on exit")
		return ledger.NewMemoryStore(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Pool.Ping(ctx); err != nil {
		database.Close(ctx)
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := database.Migrate(ctx); err != nil {
			database.Close(ctx)
			return nil, nil, err
		}
		log.Info("database schema applied")
	}
	return database, func() { database.Close(context.Background()) }, nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, closeStore, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	signupBalance, err := cfg.SignupBalance()
	if err != nil {
		return err
	}
	authService := auth.NewAuthService(store, auth.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		TokenTTL:          cfg.Auth.TokenTTL,
		SignupBalance:     signupBalance,
		InternalJobSecret: cfg.Auth.InternalJobSecret,
	})
	if cfg.Auth.InternalJobSecret == "" {
		log.Warn("auth.internal_job_secret is empty, /internal/job will refuse every call")
	}

	// Event fan-out: websocket clients always, redis and kafka when configured
	hub := events.NewHub(log.Named("ws"), authService.GetUserFromToken)
	publishers := []events.Publisher{hub}
	if cfg.Redis.Addr != "" {
		rp := events.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.ChannelPrefix)
		defer rp.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rp.Ping(pingCtx); err != nil {
			log.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		publishers = append(publishers, rp)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		publishers = append(publishers, kp)
	}
	dispatcher := events.NewDispatcher(log.Named("events"), cfg.Events.Buffer, publishers...)

	// The dispatcher outlives the group below so events committed during
	// shutdown are still delivered.
	var delivery errgroup.Group
	eventsCtx, stopEvents := context.WithCancel(context.Background())
	delivery.Go(func() error { return dispatcher.Run(eventsCtx) })
	defer func() {
		stopEvents()
		delivery.Wait()
	}()

	orderService := orders.NewService(store, dispatcher, log.Named("orders"))
	ex := exchange.NewExchange(store, dispatcher, log.Named("matching"))

	eg, ctx := errgroup.WithContext(ctx)

	var matcher api.Matcher
	if cfg.Matching.MatchOnPlace {
		worker := exchange.NewWorker(ex, cfg.Matching.Workers, cfg.Matching.QueueSize, log.Named("worker"))
		eg.Go(func() error { return worker.Run(ctx) })
		matcher = worker
	}
	if cfg.Matching.SweepInterval > 0 {
		eg.Go(func() error { return ex.RunSweeper(ctx, cfg.Matching.SweepInterval) })
	}

	handler := api.NewHandler(store, orderService, ex, authService, matcher, log.Named("api"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(handler, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		log.Info("starting server", zap.String("addr", cfg.HTTP.Addr), zap.String("driver", cfg.Database.Driver))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})

	// closeStore and the publishers are deferred above, so they only run
	// once every task in the group has returned
	return eg.Wait()
}
