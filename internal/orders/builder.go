package orders

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	ordersdb "storefront/internal/db/orders"
	"storefront/internal/observability"
	"storefront/internal/orders/saga"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildConfig selects the saga store and collaborator endpoints.
type BuildConfig struct {
	// DatabaseURL enables the Postgres saga store; empty keeps sagas in memory.
	DatabaseURL string
	StockURL    string
	OrderURL    string
	PaymentURL  string
	HTTPTimeout time.Duration
	Saga        saga.Config
	Reliability ReliabilityConfig
}

// Dependencies are shared process components handed to the orchestrator.
type Dependencies struct {
	Log        *slog.Logger
	Publisher  saga.Publisher
	Registerer prometheus.Registerer
	Metrics    *observability.Metrics
}

// BuildOrchestrator wires an Orchestrator from config. A collaborator without
// a URL is served in memory. The returned cleanup closes the database.
func BuildOrchestrator(ctx context.Context, cfg BuildConfig, deps Dependencies) (*saga.Orchestrator, func(), error) {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	cleanup := func() {}
	var store saga.Store = saga.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open saga database: %w", err)
		}
		setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		pgStore, err := ordersdb.NewSagaStoreWithSchema(setupCtx, sqlDB)
		if err != nil {
			_ = sqlDB.Close()
			return nil, cleanup, fmt.Errorf("init saga schema: %w", err)
		}
		log.Info("saga_store_postgres")
		store = pgStore
		cleanup = func() {
			if err := sqlDB.Close(); err != nil {
				log.Warn("saga_store_close_failed", slog.String("err", err.Error()))
			}
		}
	} else {
		log.Warn("saga_store_in_memory")
	}

	httpCfg := func(base string) HTTPConfig {
		return HTTPConfig{BaseURL: base, Timeout: cfg.HTTPTimeout, Metrics: deps.Metrics}
	}

	var stock saga.StockService
	if cfg.StockURL != "" {
		stock = NewReliableStock(NewStockClient(httpCfg(cfg.StockURL)), NewGuardFromConfig(cfg.Reliability, deps.Metrics))
	} else {
		log.Warn("collaborator_in_memory", slog.String("collaborator", "stock"))
		stock = NewInMemoryStock(nil)
	}

	var orderSvc saga.OrderService
	if cfg.OrderURL != "" {
		orderSvc = NewReliableOrders(NewOrderClient(httpCfg(cfg.OrderURL)), NewGuardFromConfig(cfg.Reliability, deps.Metrics))
	} else {
		log.Warn("collaborator_in_memory", slog.String("collaborator", "orders"))
		orderSvc = NewInMemoryOrders()
	}

	var payments saga.PaymentService
	if cfg.PaymentURL != "" {
		payments = NewReliablePayments(NewPaymentClient(httpCfg(cfg.PaymentURL)), NewGuardFromConfig(cfg.Reliability, deps.Metrics))
	} else {
		log.Warn("collaborator_in_memory", slog.String("collaborator", "payments"))
		payments = NewInMemoryPayments()
	}

	opts := []saga.Option{saga.WithLogger(log)}
	if deps.Publisher != nil {
		opts = append(opts, saga.WithPublisher(deps.Publisher))
	}
	if deps.Registerer != nil {
		opts = append(opts, saga.WithMetrics(saga.NewMetrics(deps.Registerer)))
	}

	return saga.NewOrchestrator(store, stock, orderSvc, payments, cfg.Saga, opts...), cleanup, nil
}
