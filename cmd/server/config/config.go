package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"storefront/internal/events"
	"storefront/internal/orders"
	"storefront/internal/orders/saga"

	"github.com/joho/godotenv"
)

// Service roles a process can host.
const (
	RoleEventStore   = "event-store"
	RoleSaga         = "saga"
	RoleNotification = "notification"
)

// AllRoles is the default SERVICE_ROLES.
var AllRoles = []string{RoleEventStore, RoleSaga, RoleNotification}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// ConsumerConfig describes one consumer group.
type ConsumerConfig struct {
	Role       string
	Streams    []string
	Group      string
	Consumer   string
	Block      time.Duration
	BatchSize  int64
	ClaimIdle  time.Duration
	MaxBackoff time.Duration
}

// StoreConfig selects the event store backend. An empty DatabaseURL keeps
// events in memory.
type StoreConfig struct {
	DatabaseURL string
}

// NotifyConfig tunes the notification consumer.
type NotifyConfig struct {
	DedupTTL   time.Duration
	EventTypes []string
}

// HTTPConfig holds the query surface address.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// GRPCConfig holds the health endpoint address and ingress rate limiting.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for /metrics and /stats.
type ObservabilityConfig struct {
	Addr string
}

// LoadDotenv preloads path into the environment. Variables already set win
// and a missing file is not an error.
func LoadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// AppEnv returns APP_ENV, defaulting to development.
func AppEnv() string {
	return stringOr("APP_ENV", "development")
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		Stream: stringOr("REDIS_STREAM", "events"),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = int64Or("REDIS_STREAM_MAXLEN", 0); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadConsumer reads the <ROLE>_* keys for one consumer group.
func LoadConsumer(role string, defaultStreams []string) (ConsumerConfig, error) {
	prefix := strings.ToUpper(strings.ReplaceAll(role, "-", "_")) + "_"
	cfg := ConsumerConfig{
		Role:     role,
		Streams:  csvOr(prefix+"STREAMS", defaultStreams),
		Group:    stringOr(prefix+"CONSUMER_GROUP", role+"-consumers"),
		Consumer: stringOr(prefix+"CONSUMER_NAME", fmt.Sprintf("%s-%d", role, os.Getpid())),
	}
	if len(cfg.Streams) == 0 {
		return cfg, fmt.Errorf("%sSTREAMS is required", prefix)
	}

	var err error
	if cfg.Block, err = durationOr(prefix+"BLOCK", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = int64Or(prefix+"BATCH_SIZE", 10); err != nil {
		return cfg, err
	}
	if cfg.ClaimIdle, err = durationOr(prefix+"CLAIM_IDLE", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.MaxBackoff, err = durationOr(prefix+"MAX_BACKOFF", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadStore reads EVENT_STORE_DATABASE_URL, falling back to DATABASE_URL.
func LoadStore() StoreConfig {
	return StoreConfig{DatabaseURL: stringOr("EVENT_STORE_DATABASE_URL", strings.TrimSpace(os.Getenv("DATABASE_URL")))}
}

// LoadSaga reads the orchestrator settings. SAGA_DATABASE_URL falls back to
// DATABASE_URL; collaborators without a URL run in memory.
func LoadSaga() (orders.BuildConfig, error) {
	cfg := orders.BuildConfig{
		DatabaseURL: stringOr("SAGA_DATABASE_URL", strings.TrimSpace(os.Getenv("DATABASE_URL"))),
		StockURL:    strings.TrimSpace(os.Getenv("STOCK_SERVICE_URL")),
		OrderURL:    strings.TrimSpace(os.Getenv("ORDER_SERVICE_URL")),
		PaymentURL:  strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_URL")),
	}

	stepTimeout, err := durationOr("SAGA_STEP_TIMEOUT", 10*time.Second)
	if err != nil {
		return cfg, err
	}
	stallAfter, err := durationOr("SAGA_STALL_AFTER", 0)
	if err != nil {
		return cfg, err
	}
	if stallAfter > 0 && stallAfter < stepTimeout {
		return cfg, errors.New("SAGA_STALL_AFTER must be >= SAGA_STEP_TIMEOUT")
	}
	cfg.Saga = saga.Config{
		StepTimeout: stepTimeout,
		StallAfter:  stallAfter,
		Stream:      stringOr("SAGA_STREAM", events.StreamSagas),
	}
	if cfg.HTTPTimeout, err = durationOr("SAGA_HTTP_TIMEOUT", stepTimeout); err != nil {
		return cfg, err
	}
	if cfg.Reliability, err = orders.LoadReliabilityConfig(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadNotify reads NOTIFY_DEDUP_TTL and NOTIFY_EVENT_TYPES.
func LoadNotify() (NotifyConfig, error) {
	ttl, err := durationOr("NOTIFY_DEDUP_TTL", 24*time.Hour)
	if err != nil {
		return NotifyConfig{}, err
	}
	if ttl == 0 {
		return NotifyConfig{}, errors.New("NOTIFY_DEDUP_TTL must be > 0")
	}
	types := csvOr("NOTIFY_EVENT_TYPES", nil)
	for _, t := range types {
		if !events.Known(t) {
			return NotifyConfig{}, fmt.Errorf("NOTIFY_EVENT_TYPES: unknown event type %q", t)
		}
	}
	return NotifyConfig{DedupTTL: ttl, EventTypes: types}, nil
}

// LoadHTTP reads the query surface settings.
func LoadHTTP() (HTTPConfig, error) {
	timeout, err := durationOr("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return HTTPConfig{}, err
	}
	return HTTPConfig{Addr: stringOr("HTTP_ADDR", ":8080"), ShutdownTimeout: timeout}, nil
}

// LoadGRPC reads the gRPC address and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := durationOr("GRPC_RATE_LIMIT_INTERVAL", 10*time.Millisecond)
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := intOr("GRPC_RATE_LIMIT_BURST", 100)
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		Addr:              stringOr("GRPC_ADDR", ":50051"),
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadObservability reads the metrics HTTP server address from env.
func LoadObservability() ObservabilityConfig {
	return ObservabilityConfig{Addr: stringOr("OBS_ADDR", ":9090")}
}

// LoadRoles reads SERVICE_ROLES, a csv subset of AllRoles.
func LoadRoles() (map[string]bool, error) {
	roles := csvOr("SERVICE_ROLES", AllRoles)
	out := make(map[string]bool, len(roles))
	for _, role := range roles {
		switch role {
		case RoleEventStore, RoleSaga, RoleNotification:
			out[role] = true
		default:
			return nil, fmt.Errorf("SERVICE_ROLES: unknown role %q", role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("SERVICE_ROLES must name at least one role")
	}
	return out, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func csvOr(name string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func int64Or(name string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
