package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/libraryops/internal/api"
	"github.com/punchamoorthee/libraryops/internal/config"
	"github.com/punchamoorthee/libraryops/internal/domain"
	"github.com/punchamoorthee/libraryops/internal/events"
	"github.com/punchamoorthee/libraryops/internal/logger"
	"github.com/punchamoorthee/libraryops/internal/notify"
	"github.com/punchamoorthee/libraryops/internal/service"
	"github.com/punchamoorthee/libraryops/internal/store"
	"github.com/punchamoorthee/libraryops/internal/sweeper"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	lg := logger.NewWithServiceContext("libraryops", version, cfg.Env)
	slog.SetDefault(lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	lateFee, err := decimal.NewFromString(cfg.Loan.DailyLateFee)
	if err != nil {
		return errors.New("loan.daily_late_fee must be a decimal")
	}
	policy := domain.FeePolicy{LoanPeriod: cfg.Loan.Period, DailyLateFee: lateFee}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus, err := openEvents(ctx, cfg, lg)
	if err != nil {
		return err
	}

	opts := []service.Option{
		service.WithFeePolicy(policy),
		service.WithPublisher(bus.publisher),
		service.WithLogger(lg),
		service.WithRetryOptions(
			service.WithMaxAttempts(cfg.Retry.MaxAttempts),
			service.WithBaseDelay(cfg.Retry.BaseDelay),
		),
	}
	borrow := service.NewBorrowService(st, opts...)
	catalog := service.NewCatalogService(st, opts...)
	registry := service.NewRegistryService(st, opts...)

	sw := sweeper.New(borrow, sweeper.Config{
		Interval: cfg.Sweeper.Interval,
		Timeout:  cfg.Sweeper.Timeout,
		OnStart:  cfg.Sweeper.OnStart,
	}, lg)
	var sweeping sync.WaitGroup
	sweeping.Add(1)
	go func() {
		defer sweeping.Done()
		sw.Start(ctx)
	}()

	// Stop producers of events before the publishers and consumers go away.
	defer func() {
		cancel()
		sweeping.Wait()
		bus.shutdown()
	}()

	handler := api.NewHandler(borrow, catalog, registry, sw, lg)
	if pg, ok := st.(*store.Postgres); ok {
		handler.AddHealthCheck("database", pg.Db.Ping)
	}
	for name, check := range bus.checks {
		handler.AddHealthCheck(name, check)
	}
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.Auth.JWTSecret, lg))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("server starting", "port", cfg.Server.Port, "database", cfg.Database.Driver, "events", cfg.Events.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		return store.NewMemory(), nil
	}

	pg, err := store.NewPostgres(ctx, cfg.Database.Source, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}
	return pg, nil
}

// eventBus is the publisher the engine writes to plus whatever consumes it.
type eventBus struct {
	publisher service.Publisher
	checks    map[string]api.HealthCheck

	// shutdown waits for the consumers to see ctx canceled, then closes the
	// publisher and consumers and waits for the inline dispatcher to drain.
	shutdown func()
}

// openEvents builds the publisher the engine writes to and, when a gateway is
// configured, the consumer that feeds the notification worker. Consumers stop
// when ctx is canceled.
func openEvents(ctx context.Context, cfg *config.Config, lg *slog.Logger) (*eventBus, error) {
	var handle events.Handler = func(ctx context.Context, e domain.Event) {
		lg.DebugContext(ctx, "borrow event", "event_type", e.Type, "request_id", e.RequestID)
	}
	if cfg.Notify.GatewayURL != "" {
		worker := notify.NewWorker(notify.NewClient(cfg.Notify.GatewayURL, cfg.Notify.Timeout), cfg.Notify.Timeout, lg)
		handle = worker.Handle
	}

	var (
		consumers sync.WaitGroup
		draining  sync.WaitGroup
		closers   []io.Closer
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}
	bus := &eventBus{
		checks: map[string]api.HealthCheck{},
		shutdown: func() {
			consumers.Wait()
			closeAll()
			draining.Wait()
		},
	}
	consume := func(start func(context.Context) error, name string) {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("event consumer stopped", "driver", name, "error", err)
			}
		}()
	}

	switch cfg.Events.Driver {
	case "nats":
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject, lg)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pub)

		consumer, err := events.NewNATSConsumer(cfg.Events.NATSURL, cfg.Events.Subject, handle, lg)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, consumer)
		consume(consumer.Start, "nats")
		bus.publisher = pub
		bus.checks["nats"] = func(context.Context) error { return consumer.HealthCheck() }
		return bus, nil

	case "kafka":
		pub, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Subject, lg)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pub)

		consumer, err := events.NewKafkaConsumer(cfg.Events.KafkaBrokers, cfg.Events.KafkaGroup, cfg.Events.Subject, handle, lg)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, consumer)
		consume(consumer.Start, "kafka")
		bus.publisher = pub
		return bus, nil
	}

	inline := events.NewInline(256, lg, handle)
	draining.Add(1)
	go func() {
		defer draining.Done()
		inline.Run(context.WithoutCancel(ctx))
	}()
	closers = append(closers, inline)
	bus.publisher = inline
	return bus, nil
}
