package health

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Config controls the heartbeat.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Backoff  BackoffConfig `yaml:"backoff"`
}

// DefaultConfig probes every 30s with a 5s deadline.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Backoff:  DefaultBackoff(),
	}
}

// Observer is notified after every probe.
type Observer func(ok bool, st Status, err error)

// Prober runs the periodic health heartbeat and answers whether the backend
// was recently reachable.
type Prober struct {
	backend *Backend
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	rng     *rand.Rand

	mu        sync.Mutex
	ok        bool
	checkedAt time.Time
	status    Status
	lastErr   error
	failures  int
	observers []Observer
}

// NewProber creates a Prober over backend.
func NewProber(backend *Backend, cfg Config, logger *zap.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff.MaxDelay <= 0 || cfg.Backoff.MaxDelay > cfg.Interval {
		cfg.Backoff.MaxDelay = cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnProbe registers an observer.
func (p *Prober) OnProbe(fn Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Probe performs one health check and records its outcome.
func (p *Prober) Probe(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	st, err := p.backend.Health(ctx)
	if errors.Is(err, ErrUnreadableStatus) {
		// Any 2xx counts as healthy.
		p.logger.Debug("Health body not understood", zap.Error(err))
		err = nil
	}

	p.mu.Lock()
	p.ok = err == nil
	p.checkedAt = p.now()
	p.lastErr = err
	if err == nil {
		p.status = st
		p.failures = 0
	} else {
		p.failures++
	}
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("Health check failed", zap.Error(err))
	} else {
		p.logger.Debug("Health check ok",
			zap.String("version", st.Version),
			zap.Int("active_sessions", st.ActiveSessions))
	}

	for _, fn := range observers {
		fn(err == nil, st, err)
	}
	return st, err
}

// Healthy reports whether the last probe succeeded and is no older than two
// intervals. A backend that was never probed is not healthy.
func (p *Prober) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ok {
		return false
	}
	return p.now().Sub(p.checkedAt) <= 2*p.cfg.Interval
}

// Last returns the most recent status, probe time and error.
func (p *Prober) Last() (Status, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.checkedAt, p.lastErr
}

// nextDelay is the interval after success and a backoff after failures.
func (p *Prober) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures == 0 {
		return p.cfg.Interval
	}
	return NextDelay(p.cfg.Backoff, p.failures, p.rng)
}

// Run probes immediately and then keeps probing until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.logger.Info("Starting health heartbeat",
		zap.String("url", p.backend.BaseURL()+"/health"),
		zap.Duration("interval", p.cfg.Interval))

	for {
		p.Probe(ctx)

		timer := time.NewTimer(p.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("Health heartbeat stopped")
			return
		case <-timer.C:
		}
	}
}
