package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"storefront/cmd/server/config"
	httpadapter "storefront/internal/adapters/http"
	grpcadapter "storefront/internal/adapters/grpc"
	"storefront/internal/bus"
	"storefront/internal/consumer"
	eventsdb "storefront/internal/db/events"
	"storefront/internal/events"
	"storefront/internal/eventstore"
	"storefront/internal/notify"
	"storefront/internal/observability"
	"storefront/internal/orders"
	"storefront/internal/orders/saga"
	"storefront/internal/readmodel"
	"storefront/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const appName = "storefront"

// options is everything the process reads from the environment.
type options struct {
	env       string
	roles     map[string]bool
	redis     config.RedisConfig
	consumers map[string]config.ConsumerConfig
	store     config.StoreConfig
	saga      orders.BuildConfig
	notify    config.NotifyConfig
	http      config.HTTPConfig
	grpc      config.GRPCConfig
	obs       config.ObservabilityConfig
}

// defaultStreams are consumed by each role unless <ROLE>_STREAMS is set.
var defaultStreams = map[string][]string{
	config.RoleEventStore:   {events.StreamCarts, events.StreamOrders, events.StreamPayments, events.StreamStock, events.StreamSagas},
	config.RoleSaga:         {events.StreamOrders, events.StreamPayments},
	config.RoleNotification: {events.StreamOrders, events.StreamPayments, events.StreamSagas},
}

func loadOptions() (options, error) {
	opts := options{
		env:       config.AppEnv(),
		consumers: make(map[string]config.ConsumerConfig),
		store:     config.LoadStore(),
		obs:       config.LoadObservability(),
	}
	var err error
	if opts.roles, err = config.LoadRoles(); err != nil {
		return opts, err
	}
	if opts.redis, err = config.LoadRedis(); err != nil {
		return opts, err
	}
	for role := range opts.roles {
		cfg, err := config.LoadConsumer(role, defaultStreams[role])
		if err != nil {
			return opts, err
		}
		opts.consumers[role] = cfg
	}
	if opts.saga, err = config.LoadSaga(); err != nil {
		return opts, err
	}
	if opts.notify, err = config.LoadNotify(); err != nil {
		return opts, err
	}
	if opts.http, err = config.LoadHTTP(); err != nil {
		return opts, err
	}
	if opts.grpc, err = config.LoadGRPC(); err != nil {
		return opts, err
	}
	return opts, nil
}

// app owns every long-running component of one process.
type app struct {
	log        *slog.Logger
	opts       options
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	bus        *bus.RedisBus
	publisher  *bus.Publisher
	hub        *realtime.Hub
	router     http.Handler
	supervisor *consumer.Supervisor
	cleanups   []func()
}

func newApp(ctx context.Context, log *slog.Logger, rdb *redis.Client, opts options) (*app, error) {
	a := &app{
		log:        log,
		opts:       opts,
		registry:   prometheus.NewRegistry(),
		metrics:    observability.NewMetrics(),
		bus:        bus.NewRedisBus(rdb, opts.redis.StreamMaxLen),
		hub:        realtime.NewHub(log),
		supervisor: consumer.NewSupervisor(log),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.publisher = bus.NewPublisher(a.bus, opts.redis.Stream, bus.ProducerInstance(appName), log)
	consumerMetrics := consumer.NewMetrics(a.registry)

	store, deadLetters, err := a.buildEventStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	routes := httpadapter.Config{
		Log:      log,
		Metrics:  a.metrics,
		Replayer: readmodel.NewReplayer(store),
		Realtime: a.hub,
	}

	runnerOpts := []consumer.Option{consumer.WithLogger(log), consumer.WithMetrics(consumerMetrics)}
	if deadLetters != nil {
		runnerOpts = append(runnerOpts, consumer.WithDeadLetters(deadLetters))
	}

	if a.opts.roles[config.RoleEventStore] {
		a.addRunner(config.RoleEventStore, eventstore.NewWriter(store, log), runnerOpts)
	}

	if a.opts.roles[config.RoleSaga] {
		orch, cleanup, err := orders.BuildOrchestrator(ctx, opts.saga, orders.Dependencies{
			Log:        log,
			Publisher:  a.publisher,
			Registerer: a.registry,
			Metrics:    a.metrics,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.cleanups = append(a.cleanups, cleanup)
		routes.Sagas = orch.Store()
		a.addRunner(config.RoleSaga, saga.NewListener(orch, log), runnerOpts)
	}

	if a.opts.roles[config.RoleNotification] {
		group := a.opts.consumers[config.RoleNotification].Group
		handler := notify.NewHandler(group,
			notify.NewRedisDeduper(rdb, opts.notify.DedupTTL),
			a.hub,
			notify.WithLogger(log),
			notify.WithMetrics(notify.NewMetrics(a.registry)),
			notify.WithEventTypes(opts.notify.EventTypes...),
		)
		a.addRunner(config.RoleNotification, handler, runnerOpts)
	}

	a.router = httpadapter.NewRouter(routes)
	a.supervisor.Add(a.hub)
	if opts.http.Addr != "" {
		a.supervisor.Add(httpService("http", opts.http.Addr, a.router, opts.http.ShutdownTimeout, log))
	}
	if opts.obs.Addr != "" {
		a.supervisor.Add(httpService("observability", opts.obs.Addr, a.observabilityHandler(), opts.http.ShutdownTimeout, log))
	}
	if opts.grpc.Addr != "" {
		a.supervisor.Add(grpcadapter.NewServer(grpcadapter.Config{
			Addr:       opts.grpc.Addr,
			Services:   []string{"storefront.Events", "storefront.Sagas"},
			Reflection: opts.env != "production",
			Limiter:    orders.NewRateLimiter(opts.grpc.RateLimitInterval, opts.grpc.RateLimitBurst),
			Metrics:    a.metrics,
			Log:        log,
		}))
	}
	return a, nil
}

// buildEventStore returns the Postgres store and dead-letter sink when a
// database is configured, otherwise an in-memory store and no sink.
func (a *app) buildEventStore(ctx context.Context) (eventstore.Store, consumer.DeadLetterSink, error) {
	if a.opts.store.DatabaseURL == "" {
		a.log.Warn("event_store_in_memory")
		return eventstore.NewMemoryStore(), nil, nil
	}
	db, err := sql.Open("pgx", a.opts.store.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open event store database: %w", err)
	}
	a.cleanups = append(a.cleanups, func() {
		if err := db.Close(); err != nil {
			a.log.Warn("event_store_close_failed", slog.String("err", err.Error()))
		}
	})

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := eventsdb.NewEventStoreWithSchema(setupCtx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("init event store schema: %w", err)
	}
	deadLetters, err := eventsdb.NewDeadLetterStoreWithSchema(setupCtx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("init dead letter schema: %w", err)
	}
	a.log.Info("event_store_postgres")
	return store, deadLetters, nil
}

func (a *app) addRunner(role string, handler consumer.Handler, opts []consumer.Option) {
	cfg := a.opts.consumers[role]
	a.supervisor.Add(consumer.NewRunner(a.bus, consumer.Config{
		Streams:    cfg.Streams,
		Group:      cfg.Group,
		Consumer:   cfg.Consumer,
		BatchSize:  cfg.BatchSize,
		Block:      cfg.Block,
		ClaimIdle:  cfg.ClaimIdle,
		MaxBackoff: cfg.MaxBackoff,
	}, handler, opts...))
}

func (a *app) observabilityHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/stats", observability.Handler(a.metrics))
	return mux
}

// Run blocks until ctx ends, then waits up to the shutdown timeout for the
// services to drain.
func (a *app) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- a.supervisor.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	a.metrics.MarkShutdown(a.metrics.InFlight())
	a.log.Info("shutdown_start", slog.Int64("in_flight", a.metrics.InFlight()))
	timeout := a.opts.http.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case err := <-done:
		a.log.Info("shutdown_done")
		return err
	case <-time.After(timeout):
		return errors.New("shutdown timed out")
	}
}

func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

func httpService(name, addr string, handler http.Handler, shutdownTimeout time.Duration, log *slog.Logger) consumer.Service {
	return consumer.ServiceFunc{ServiceName: name, Fn: func(ctx context.Context) error {
		srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info("http_listen", slog.String("server", name), slog.String("addr", addr))

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("http_shutdown_failed", slog.String("server", name), slog.String("err", err.Error()))
			}
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}}
}
