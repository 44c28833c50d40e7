// Package proxy owns the interception session: it starts and stops the
// engine, and turns captured events into flow records.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/flow"
)

var (
	// ErrNotRunning is returned by operations that need an active session.
	ErrNotRunning = errors.New("proxy is not running")
	// ErrRunning is returned by operations that need the proxy stopped.
	ErrRunning = errors.New("proxy is running")
	// ErrShutdownTimeout is returned when the engine does not exit within the
	// stop timeout. The session is dropped regardless.
	ErrShutdownTimeout = errors.New("proxy shutdown timed out")
)

// Status reports the outcome of Start and Stop. Lifecycle misuse is a
// status, not an error.
type Status string

const (
	StatusStarted        Status = "started"
	StatusAlreadyRunning Status = "already running"
	StatusStopped        Status = "stopped"
	StatusNotRunning     Status = "not running"
)

// Engine intercepts traffic for one session.
type Engine interface {
	// Serve accepts connections on ln until Shutdown is called. It returns
	// nil after a clean shutdown.
	Serve(ln net.Listener) error
	// Shutdown stops accepting traffic and waits for Serve to wind down
	// until ctx ends.
	Shutdown(ctx context.Context) error
}

// EngineFactory builds the engine for a session. h receives every captured
// event.
type EngineFactory func(cfg Config, h Handler) (Engine, error)

// Metrics receives lifecycle observations.
type Metrics interface {
	SessionRunning(running bool)
}

type noopMetrics struct{}

func (noopMetrics) SessionRunning(bool) {}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEngine replaces the built-in HTTP engine.
func WithEngine(f EngineFactory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

// WithStopTimeout bounds how long Stop waits for the engine to exit.
func WithStopTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

// WithMetrics routes lifecycle observations to mt.
func WithMetrics(mt Metrics) ManagerOption {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// SessionInfo describes the active session.
type SessionInfo struct {
	Running bool      `json:"running"`
	Addr    string    `json:"addr,omitempty"`
	Started time.Time `json:"started,omitempty"`
}

type session struct {
	engine  Engine
	ln      net.Listener
	started time.Time
	done    chan struct{}
	err     error // set by the worker before done is closed
}

// Manager runs at most one interception session at a time. Construct one per
// process and pass it to whatever needs it.
type Manager struct {
	// mu is held for the whole of Start and Stop so they never interleave.
	mu   sync.Mutex
	sess *session

	store       *flow.Store
	factory     EngineFactory
	stopTimeout time.Duration
	metrics     Metrics
	log         *logrus.Entry
}

// NewManager creates a stopped manager that records into store.
func NewManager(store *flow.Store, log *logrus.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = logrus.New()
	}
	m := &Manager{
		store:       store,
		stopTimeout: DefaultStopTimeout,
		metrics:     noopMetrics{},
		log:         log.WithField("component", "proxy"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = HTTPEngineFactory(log)
	}
	return m
}

// Store returns the flow store the manager records into.
func (m *Manager) Store() *flow.Store { return m.store }

// Start binds cfg's address and runs the engine on a background goroutine.
// Starting while running reports StatusAlreadyRunning. A listen failure is
// returned as an error.
func (m *Manager) Start(cfg Config) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		return StatusAlreadyRunning, nil
	}
	cfg.setDefaults()

	engine, err := m.factory(cfg, m)
	if err != nil {
		return StatusNotRunning, fmt.Errorf("create engine: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return StatusNotRunning, fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	s := &session{
		engine:  engine,
		ln:      ln,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.err = fmt.Errorf("engine panic: %v", r)
			}
		}()
		s.err = engine.Serve(ln)
	}()
	m.sess = s
	m.metrics.SessionRunning(true)
	m.log.WithField("addr", ln.Addr().String()).Info("Proxy started")
	return StatusStarted, nil
}

// Stop shuts the session down and waits up to the stop timeout for the
// engine to exit. Stopping while idle reports StatusNotRunning. On timeout
// the session is still dropped so Start can be called again.
func (m *Manager) Stop(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sess
	if s == nil {
		return StatusNotRunning, nil
	}
	m.sess = nil
	m.metrics.SessionRunning(false)

	ctx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- s.engine.Shutdown(ctx) }()

	select {
	case <-s.done:
	case <-ctx.Done():
		// The engine ignored shutdown; release the port so a new session
		// can bind it.
		_ = s.ln.Close()
		m.log.Warnf("Proxy did not stop within %s", m.stopTimeout)
		return StatusStopped, fmt.Errorf("%w after %s", ErrShutdownTimeout, m.stopTimeout)
	}

	if s.err != nil {
		m.log.Warnf("Proxy engine exited with error: %v", s.err)
		return StatusStopped, fmt.Errorf("engine: %w", s.err)
	}
	select {
	case err := <-shutdownErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warnf("Proxy shutdown: %v", err)
		}
	default:
	}
	m.log.Info("Proxy stopped")
	return StatusStopped, nil
}

// Running reports whether a session is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// Session describes the active session, or returns ErrNotRunning.
func (m *Manager) Session() (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return SessionInfo{}, ErrNotRunning
	}
	return SessionInfo{
		Running: true,
		Addr:    m.sess.ln.Addr().String(),
		Started: m.sess.started,
	}, nil
}

// Addr returns the bound address of the active session.
func (m *Manager) Addr() (string, error) {
	info, err := m.Session()
	return info.Addr, err
}

// Done returns a channel closed when the active session's engine exits on
// its own or is stopped. It is nil when idle.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.done
}

// Reset clears the flow store for a brand-new session. It is refused while a
// session is running.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return ErrRunning
	}
	m.store.Reset()
	m.log.Info("Flow history cleared")
	return nil
}

// OnRequestObserved implements Handler. It normalises the event and records it.
func (m *Manager) OnRequestObserved(id flow.Identity, host, method, rawURL string, raw *flow.RawRequest) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if host == "" {
		host = hostOf(rawURL)
	}
	if raw == nil {
		raw = &flow.RawRequest{Method: method, URL: rawURL, Host: host}
	}
	m.store.RecordRequest(id, host, method, rawURL, raw)
}

// OnResponseObserved implements Handler.
func (m *Manager) OnResponseObserved(id flow.Identity, statusCode int, raw *flow.RawResponse) {
	if raw == nil {
		raw = &flow.RawResponse{StatusCode: statusCode}
	}
	m.store.RecordResponse(id, statusCode, raw)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
