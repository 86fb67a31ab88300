package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/shell"
)

// Health checker errors.
var (
	ErrCheckerAlreadyRunning = errors.New("health checker already running")
	ErrCheckerNotRunning     = errors.New("health checker not running")
)

const maxPingTimeout = 10 * time.Second

// HealthConfig contains configuration for the health checker.
type HealthConfig struct {
	// Interval is how often idle sessions are pinged.
	// Default: 30s
	Interval time.Duration

	// MaxConcurrent limits simultaneous pings.
	// Default: 4
	MaxConcurrent int
}

// DefaultHealthConfig returns sensible defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:      30 * time.Second,
		MaxConcurrent: 4,
	}
}

// HealthChecker periodically pings idle sessions so a dead transport is
// noticed between commands. A failed ping marks the session dead; the
// registry still evicts it lazily on the next call for that host.
type HealthChecker struct {
	config   HealthConfig
	registry *Registry
	logger   zerolog.Logger

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
}

// NewHealthChecker creates a HealthChecker for the sessions in registry.
func NewHealthChecker(config HealthConfig, registry *Registry) *HealthChecker {
	if config.Interval <= 0 {
		config.Interval = DefaultHealthConfig().Interval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultHealthConfig().MaxConcurrent
	}

	return &HealthChecker{
		config:   config,
		registry: registry,
		logger:   logging.Component("health"),
		sem:      make(chan struct{}, config.MaxConcurrent),
	}
}

// Start begins the check loop.
func (h *HealthChecker) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrCheckerAlreadyRunning
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true

	h.logger.Debug().
		Dur("interval", h.config.Interval).
		Int("max_concurrent", h.config.MaxConcurrent).
		Msg("health checker starting")

	h.wg.Add(1)
	go h.runLoop()

	return nil
}

// Stop halts the check loop and waits for in-flight pings.
func (h *HealthChecker) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrCheckerNotRunning
	}

	h.cancel()
	h.running = false
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Debug().Msg("health checker stopped")
	return nil
}

// IsRunning returns true if the checker is running.
func (h *HealthChecker) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *HealthChecker) runLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick pings idle sessions without blocking the loop. Sessions that cannot
// get a ping slot are skipped until the next tick.
func (h *HealthChecker) tick() {
	for _, s := range h.registry.Sessions() {
		if s.State() != shell.StateAlive {
			continue
		}

		select {
		case h.sem <- struct{}{}:
		default:
			return
		}

		h.wg.Add(1)
		go func(s *shell.Session) {
			defer h.wg.Done()
			defer func() { <-h.sem }()
			h.ping(h.ctx, s)
		}(s)
	}
}

// CheckNow pings every idle session and waits for the results. It returns
// the host identifiers whose ping failed.
func (h *HealthChecker) CheckNow(ctx context.Context) []string {
	var (
		mu     sync.Mutex
		failed []string
		wg     sync.WaitGroup
	)

	for _, s := range h.registry.Sessions() {
		if s.State() != shell.StateAlive {
			continue
		}

		select {
		case h.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return failed
		}

		wg.Add(1)
		go func(s *shell.Session) {
			defer wg.Done()
			defer func() { <-h.sem }()
			if !h.ping(ctx, s) {
				mu.Lock()
				failed = append(failed, s.HostID())
				mu.Unlock()
			}
		}(s)
	}

	wg.Wait()
	return failed
}

func (h *HealthChecker) ping(ctx context.Context, s *shell.Session) bool {
	timeout := h.config.Interval
	if timeout > maxPingTimeout {
		timeout = maxPingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return true
		}
		logger := logging.WithHost(h.logger, s.HostID())
		logger.Warn().Err(err).Msg("session failed health check")
		return false
	}
	return true
}
