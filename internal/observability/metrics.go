package observability

import (
	"sync"
	"time"
)

// OperationSnapshot is the running tally for one named operation, such as a
// collaborator call ("stock.Reduce") or an HTTP route.
type OperationSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the JSON document served at /stats.
type Snapshot struct {
	UptimeSec       int64                        `json:"uptime_sec"`
	TotalRequests   int64                        `json:"total_requests"`
	TotalErrors     int64                        `json:"total_errors"`
	InFlight        int64                        `json:"in_flight"`
	RateLimitWaits  int64                        `json:"rate_limit_waits"`
	RateLimitWaitMs int64                        `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot           `json:"lifecycle,omitempty"`
	Operations      map[string]OperationSnapshot `json:"operations"`
}

type opStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics keeps in-process call statistics. A nil *Metrics records nothing.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	now            func() time.Time
	ops            map[string]*opStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

// CallSpan measures one operation from Start to End.
type CallSpan struct {
	metrics *Metrics
	op      string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start: time.Now(),
		now:   time.Now,
		ops:   make(map[string]*opStats),
	}
}

func (m *Metrics) Start(op string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureOp(op)
	stats.inFlight++
	start := m.now()
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		op:      op,
		start:   start,
	}
}

// End closes the span; a non-nil err counts as a failure.
func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.op, s.start, err != nil)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// InFlight is the number of spans started but not yet ended.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, stats := range m.ops {
		n += stats.inFlight
	}
	return n
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{Operations: map[string]OperationSnapshot{}}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(m.now().Sub(m.start).Seconds()),
		Operations:      make(map[string]OperationSnapshot, len(m.ops)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for op, stats := range m.ops {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Operations[op] = OperationSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureOp(op string) *opStats {
	stats, ok := m.ops[op]
	if !ok {
		stats = &opStats{}
		m.ops[op] = stats
	}
	return stats
}

func (m *Metrics) finish(op string, start time.Time, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dur := m.now().Sub(start)
	stats := m.ensureOp(op)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
}

// MarkShutdown records when draining began and how much work was in flight.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = m.now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
