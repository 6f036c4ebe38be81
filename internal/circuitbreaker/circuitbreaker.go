// Package circuitbreaker keeps one named breaker per downstream dependency so
// a failing service is short-circuited instead of hammered.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/sony/gobreaker"
)

var (
	// ErrBreakerNotFound is returned by Execute for an unregistered name.
	ErrBreakerNotFound = errors.New("circuit breaker not registered")
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = errors.New("circuit breaker open")
)

// Config holds breaker thresholds.
type Config struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the closed-state sampling window after which counts reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultHTTPConfig suits a synchronous request/response dependency.
func DefaultHTTPConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts mirrors the breaker statistics for the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified asynchronously on every transition.
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// Manager owns the named breakers.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	logger    log.Logger
}

// NewManager creates an empty manager. A nil logger disables logging.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

// GetOrCreate registers name with cfg unless it already exists.
func (m *Manager) GetOrCreate(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.breakers[name]; ok {
		return
	}

	m.breakers[name] = m.build(name, cfg)
	m.configs[name] = cfg

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created", log.String("breaker", name))
}

func (m *Manager) build(name string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && c.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if c.Requests == 0 || c.Requests < cfg.MinRequests || cfg.FailureRatio <= 0 {
				return false
			}

			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.notify(name, toState(from), toState(to))
		},
	})
}

func (m *Manager) get(name string) (*gobreaker.CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cb, ok := m.breakers[name]

	return cb, ok
}

// Execute runs fn through the named breaker. Rejections wrap ErrOpen.
func (m *Manager) Execute(name string, fn func() (any, error)) (any, error) {
	cb, ok := m.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBreakerNotFound, name)
	}

	result, err := cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker rejected call",
			log.String("breaker", name), log.String("state", string(toState(cb.State()))))

		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, name, err)
	}

	return result, err
}

// GetState returns StateUnknown for unregistered names.
func (m *Manager) GetState(name string) State {
	cb, ok := m.get(name)
	if !ok {
		return StateUnknown
	}

	return toState(cb.State())
}

func (m *Manager) GetCounts(name string) Counts {
	cb, ok := m.get(name)
	if !ok {
		return Counts{}
	}

	c := cb.Counts()

	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// IsHealthy is true only while closed.
func (m *Manager) IsHealthy(name string) bool {
	return m.GetState(name) == StateClosed
}

// Reset replaces the named breaker with a fresh closed one.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[name]
	if !ok {
		return
	}

	m.breakers[name] = m.build(name, cfg)
	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("breaker", name))
}

func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) notify(name string, from, to State) {
	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("breaker", name), log.String("from", string(from)), log.String("to", string(to)))

	m.mu.RLock()
	listeners := append([]StateChangeListener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, l := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Log(context.Background(), log.LevelError, "state change listener panicked",
						log.String("breaker", name), log.Any("panic", r))
				}
			}()

			l.OnStateChange(name, from, to)
		}(l)
	}
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
