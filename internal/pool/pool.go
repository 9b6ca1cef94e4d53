package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

const (
	maxHealthFailures = 3
	maxErrorsInWindow = 5
	errorWindow       = 60 * time.Second
	minHealthyRatio   = 0.7
)

// Connection is the pooled resource. Broker clients satisfy it.
type Connection interface {
	Healthy() bool
	Close() error
}

// Factory creates a connection for a pool key.
type Factory func(ctx context.Context, key string) (Connection, error)

type entry struct {
	conn           Connection
	key            string
	createdAt      time.Time
	lastUsed       time.Time
	useCount       int64
	leases         int
	errorTimes     []time.Time
	healthFailures int
}

// errorsInWindow counts errors recorded inside the sliding window and prunes
// older timestamps.
func (e *entry) errorsInWindow(now time.Time) int {
	cutoff := now.Add(-errorWindow)
	kept := e.errorTimes[:0]
	for _, ts := range e.errorTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.errorTimes = kept
	return len(kept)
}

// Stats is a pool snapshot for health endpoints.
type Stats struct {
	Size         int     `json:"size"`
	MaxSize      int     `json:"max_size"`
	Healthy      int     `json:"healthy"`
	HealthyRatio float64 `json:"healthy_ratio"`
	Evictions    int64   `json:"evictions"`
	Resets       int64   `json:"resets"`
	Exhaustions  int64   `json:"exhaustions"`
}

// Pool shares broker connections across consumers. Connections are keyed
// (typically by credential and environment), bounded in total, reused by the
// least-loaded-first rule and evicted when idle, old, underused or unhealthy.
type Pool struct {
	mu      sync.Mutex
	entries map[string][]*entry
	size    int

	factory Factory
	cfg     config.PoolConfig
	logger  *logrus.Logger

	evictions   int64
	resets      int64
	exhaustions int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. Call Start to run the cleanup and health loops.
func New(factory Factory, cfg config.PoolConfig, logger *logrus.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		entries: make(map[string][]*entry),
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background cleanup and health check loops.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.cleanupLoop()
	go p.healthLoop()
}

// Acquire returns a healthy connection for key, preferring the least-loaded
// existing one and creating a new connection when the pool has room. Returns
// errors.ErrPoolExhausted when the pool is full and nothing for key is
// available.
func (p *Pool) Acquire(ctx context.Context, key string) (Connection, error) {
	p.mu.Lock()

	if e := p.selectLocked(key); e != nil {
		e.leases++
		e.useCount++
		e.lastUsed = time.Now()
		conn := e.conn
		p.mu.Unlock()
		return conn, nil
	}

	if p.size >= p.cfg.MaxSize {
		p.sweepLocked(time.Now())
		if p.size >= p.cfg.MaxSize {
			p.exhaustions++
			p.mu.Unlock()
			return nil, errors.ErrPoolExhausted
		}
	}
	// The slot is reserved before the factory runs outside the lock, so
	// concurrent acquires cannot push the pool past max size.
	p.size++
	p.mu.Unlock()

	conn, err := p.factory(ctx, key)
	if err != nil {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	e := &entry{
		conn:      conn,
		key:       key,
		createdAt: now,
		lastUsed:  now,
		useCount:  1,
		leases:    1,
	}

	p.mu.Lock()
	p.entries[key] = append(p.entries[key], e)
	p.mu.Unlock()
	metricPoolSize.Set(float64(p.Size()))

	p.logger.WithFields(logrus.Fields{
		"component": "connection_pool",
		"key":       key,
		"size":      p.Size(),
	}).Debug("Pooled connection created")

	return conn, nil
}

// selectLocked picks the available entry for key with the fewest uses,
// breaking ties on error count. Caller holds the lock.
func (p *Pool) selectLocked(key string) *entry {
	var best *entry
	now := time.Now()
	for _, e := range p.entries[key] {
		if !p.availableLocked(e, now) {
			continue
		}
		if best == nil ||
			e.useCount < best.useCount ||
			(e.useCount == best.useCount && len(e.errorTimes) < len(best.errorTimes)) {
			best = e
		}
	}
	return best
}

func (p *Pool) availableLocked(e *entry, now time.Time) bool {
	if !e.conn.Healthy() {
		return false
	}
	if ttl := p.cfg.Idle(); ttl > 0 && now.Sub(e.lastUsed) >= ttl {
		return false
	}
	if e.healthFailures > maxHealthFailures {
		return false
	}
	if e.errorsInWindow(now) > maxErrorsInWindow {
		return false
	}
	return true
}

// Release returns a leased connection to the pool.
func (p *Pool) Release(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.entries {
		for _, e := range list {
			if e.conn == conn {
				if e.leases > 0 {
					e.leases--
				}
				e.lastUsed = time.Now()
				return
			}
		}
	}
}

// ReportError records a connection error. Connections exceeding the error
// budget inside the sliding window are evicted.
func (p *Pool) ReportError(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, list := range p.entries {
		for _, e := range list {
			if e.conn != conn {
				continue
			}
			e.errorTimes = append(e.errorTimes, now)
			if e.errorsInWindow(now) > maxErrorsInWindow {
				p.evictLocked(e, "error budget exceeded")
			}
			return
		}
	}
}

// evictLocked removes an entry and closes its connection. Caller holds the lock.
func (p *Pool) evictLocked(e *entry, reason string) {
	list := p.entries[e.key]
	for i, candidate := range list {
		if candidate == e {
			p.entries[e.key] = append(list[:i], list[i+1:]...)
			if len(p.entries[e.key]) == 0 {
				delete(p.entries, e.key)
			}
			p.size--
			p.evictions++
			metricPoolEvictions.Inc()
			go e.conn.Close()

			p.logger.WithFields(logrus.Fields{
				"component": "connection_pool",
				"key":       e.key,
				"reason":    reason,
			}).Info("Pooled connection evicted")
			return
		}
	}
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Cleanup())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			p.sweepLocked(time.Now())
			p.mu.Unlock()
			metricPoolSize.Set(float64(p.Size()))
		}
	}
}

// sweepLocked evicts idle, aged-out and underused connections. Caller holds
// the lock.
func (p *Pool) sweepLocked(now time.Time) {
	var victims []*entry
	for _, list := range p.entries {
		for _, e := range list {
			if e.leases > 0 {
				continue
			}
			idle := now.Sub(e.lastUsed)
			switch {
			case idle > p.cfg.Hard():
				victims = append(victims, e)
			case idle > p.cfg.Idle() && e.useCount < int64(p.cfg.MinUseCount):
				victims = append(victims, e)
			}
		}
	}
	for _, e := range victims {
		p.evictLocked(e, "expired")
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Monitor())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

// checkHealth probes every pooled connection. Repeated failures evict single
// connections; a pool-wide healthy ratio below the floor resets everything.
func (p *Pool) checkHealth() {
	p.mu.Lock()

	total, healthy := 0, 0
	var failed []*entry
	for _, list := range p.entries {
		for _, e := range list {
			total++
			if e.conn.Healthy() {
				e.healthFailures = 0
				healthy++
				continue
			}
			e.healthFailures++
			if e.healthFailures > maxHealthFailures {
				failed = append(failed, e)
			}
		}
	}
	for _, e := range failed {
		p.evictLocked(e, "health check failures")
	}

	ratio := 1.0
	if total > 0 {
		ratio = float64(healthy) / float64(total)
	}
	metricPoolHealthyRatio.Set(ratio)

	if total > 0 && ratio < minHealthyRatio {
		p.logger.WithFields(logrus.Fields{
			"component":     "connection_pool",
			"healthy_ratio": ratio,
		}).Warn("Pool health degraded below threshold, resetting all connections")
		p.resetLocked()
	}
	p.mu.Unlock()
}

// resetLocked drops every pooled connection. Caller holds the lock.
func (p *Pool) resetLocked() {
	for _, list := range p.entries {
		for _, e := range list {
			go e.conn.Close()
		}
	}
	p.entries = make(map[string][]*entry)
	p.size = 0
	p.resets++
	metricPoolResets.Inc()
}

// Reset drops every pooled connection.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// GetStats returns a pool snapshot.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := 0
	for _, list := range p.entries {
		for _, e := range list {
			if e.conn.Healthy() {
				healthy++
			}
		}
	}
	ratio := 1.0
	if p.size > 0 {
		ratio = float64(healthy) / float64(p.size)
	}
	return Stats{
		Size:         p.size,
		MaxSize:      p.cfg.MaxSize,
		Healthy:      healthy,
		HealthyRatio: ratio,
		Evictions:    p.evictions,
		Resets:       p.resets,
		Exhaustions:  p.exhaustions,
	}
}

// Close stops the background loops and drops all connections.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
	p.Reset()
}
