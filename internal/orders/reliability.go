package orders

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"storefront/internal/observability"
	"storefront/internal/orders/saga"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Retryable is the default retry predicate: transport errors and 5xx/429
// responses are retried, other collaborator answers are final.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return true
}

// tripsBreaker reports whether err says the collaborator is unhealthy. A 4xx
// answer is a healthy service refusing the request.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return true
}

// Do executes fn with retries according to the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Retryable
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay = delay << (attempt - 1)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		delay = jitter(delay)
		if delay > 0 {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return err
			}
		}
	}
	return err
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls to a collaborator after repeated failures.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		state:      circuitClosed,
	}
}

// Execute runs fn while enforcing breaker state. Only errors for which
// counts returns true trip the breaker.
func (c *CircuitBreaker) Execute(fn func() error, counts func(error) bool) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
		c.halfOpenFlight = true
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()
	failed := err != nil && (counts == nil || counts(err))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
		if failed {
			c.state = circuitOpen
			c.openedAt = now
			c.failures = 0
			return err
		}
	}

	if !failed {
		c.state = circuitClosed
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		rate:  rate,
		burst: burst,
		now:   time.Now,
		sleep: sleepWithContext,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// Guard applies rate limiting, circuit breaking and retries to collaborator
// calls. Each attempt passes the limiter and the breaker.
type Guard struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   RetryPolicy
	metrics *observability.Metrics
}

func NewGuard(limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy, metrics *observability.Metrics) *Guard {
	return &Guard{limiter: limiter, breaker: breaker, retry: retry, metrics: metrics}
}

// NewGuardFromConfig builds a Guard with its own breaker and limiter.
func NewGuardFromConfig(cfg ReliabilityConfig, metrics *observability.Metrics) *Guard {
	return NewGuard(
		NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst),
		NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: cfg.BreakerMaxFailures, ResetTimeout: cfg.BreakerResetTimeout}),
		RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay},
		metrics,
	)
}

func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	attempt := func() error {
		if g.limiter != nil {
			waitStart := time.Now()
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
			g.metrics.AddRateLimitWait(time.Since(waitStart))
		}
		return g.breaker.Execute(func() error { return fn(ctx) }, tripsBreaker)
	}
	return g.retry.Do(ctx, attempt)
}

// ReliableStock guards a stock service.
type ReliableStock struct {
	base  saga.StockService
	guard *Guard
}

func NewReliableStock(base saga.StockService, guard *Guard) *ReliableStock {
	return &ReliableStock{base: base, guard: guard}
}

func (s *ReliableStock) Available(ctx context.Context, productID int64) (int, error) {
	var qty int
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		qty, err = s.base.Available(ctx, productID)
		return err
	})
	return qty, err
}

func (s *ReliableStock) Reduce(ctx context.Context, productID int64, quantity int, reason, reference string) error {
	return s.guard.Do(ctx, func(ctx context.Context) error {
		return s.base.Reduce(ctx, productID, quantity, reason, reference)
	})
}

func (s *ReliableStock) Increase(ctx context.Context, productID int64, quantity int, reason, reference string) error {
	return s.guard.Do(ctx, func(ctx context.Context) error {
		return s.base.Increase(ctx, productID, quantity, reason, reference)
	})
}

// ReliableOrders guards an orders service.
type ReliableOrders struct {
	base  saga.OrderService
	guard *Guard
}

func NewReliableOrders(base saga.OrderService, guard *Guard) *ReliableOrders {
	return &ReliableOrders{base: base, guard: guard}
}

func (o *ReliableOrders) Create(ctx context.Context, req saga.OrderRequest) (int64, error) {
	var id int64
	err := o.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		id, err = o.base.Create(ctx, req)
		return err
	})
	return id, err
}

func (o *ReliableOrders) Cancel(ctx context.Context, orderID int64, reason string) error {
	return o.guard.Do(ctx, func(ctx context.Context) error {
		return o.base.Cancel(ctx, orderID, reason)
	})
}

func (o *ReliableOrders) Confirm(ctx context.Context, orderID int64) error {
	return o.guard.Do(ctx, func(ctx context.Context) error {
		return o.base.Confirm(ctx, orderID)
	})
}

// ReliablePayments guards a payments service.
type ReliablePayments struct {
	base  saga.PaymentService
	guard *Guard
}

func NewReliablePayments(base saga.PaymentService, guard *Guard) *ReliablePayments {
	return &ReliablePayments{base: base, guard: guard}
}

func (p *ReliablePayments) Charge(ctx context.Context, req saga.PaymentRequest) (string, error) {
	var id string
	err := p.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		id, err = p.base.Charge(ctx, req)
		return err
	})
	return id, err
}

func (p *ReliablePayments) Refund(ctx context.Context, paymentID, reason string) error {
	return p.guard.Do(ctx, func(ctx context.Context) error {
		return p.base.Refund(ctx, paymentID, reason)
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
