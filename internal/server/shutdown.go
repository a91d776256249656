// Package server runs the metrics endpoint next to a batch job and tears it
// down gracefully when the job ends or a signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownManager coordinates signal handling, in-flight scrape tracking and
// resource cleanup.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	logger          logrus.FieldLogger

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	shutdownErr    error
	inFlight       atomic.Int64
	isShuttingDown atomic.Bool

	closers   []io.Closer
	closersMu sync.Mutex
}

// NewShutdownManager returns a manager that waits at most timeout for
// in-flight requests. Zero selects 5s.
func NewShutdownManager(timeout time.Duration, logger logrus.FieldLogger) *ShutdownManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ShutdownManager{
		shutdownTimeout: timeout,
		logger:          logger,
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a closer to be called during shutdown.
// Closers are called in reverse order of registration.
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// NotifyOnSignal returns a context cancelled on SIGTERM or SIGINT so a
// running job can stop early. stop releases the signal handler.
func (sm *ShutdownManager) NotifyOnSignal(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
}

// Shutdown drains in-flight requests and closes every registered closer.
// Only the first call does any work; later calls return its result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		sm.isShuttingDown.Store(true)
		close(sm.shutdownCh)
		sm.logger.WithFields(logrus.Fields{
			"action":    "shutdown",
			"reason":    reason,
			"in_flight": sm.inFlight.Load(),
		}).Debug("shutting down")

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		if err := sm.drainInFlight(shutdownCtx); err != nil {
			sm.shutdownErr = fmt.Errorf("drain failed: %w", err)
		}

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && sm.shutdownErr == nil {
				sm.shutdownErr = fmt.Errorf("close failed: %w", err)
			}
		}
	})
	return sm.shutdownErr
}

func (sm *ShutdownManager) drainInFlight(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sm.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if remaining := sm.inFlight.Load(); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// TrackRequest increments the in-flight counter. It returns false once
// shutdown has begun.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.isShuttingDown.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest decrements the in-flight counter.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown reports whether Shutdown has been called.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.isShuttingDown.Load()
}

// InFlightCount returns the current number of in-flight requests.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// MetricsServer serves a handler in the background until the manager shuts
// down.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
}

// StartMetricsServer listens on addr and serves handler behind
// ShutdownMiddleware. The server is registered with sm.
func StartMetricsServer(addr string, handler http.Handler, sm *ShutdownManager) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	ms := &MetricsServer{
		server: &http.Server{
			Handler:           ShutdownMiddleware(sm)(handler),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		errCh:    make(chan error, 1),
	}
	sm.RegisterCloser(ms)

	go func() {
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.errCh <- err
		}
		close(ms.errCh)
	}()
	return ms, nil
}

// Addr returns the bound address.
func (ms *MetricsServer) Addr() string { return ms.listener.Addr().String() }

// Err delivers a serve failure, and is closed once the server stops.
func (ms *MetricsServer) Err() <-chan error { return ms.errCh }

// Close shuts the HTTP server down.
func (ms *MetricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ms.server.Shutdown(ctx)
}

// ShutdownMiddleware tracks in-flight requests and rejects new ones during
// shutdown.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				http.Error(w, "Service Unavailable - Shutting Down", http.StatusServiceUnavailable)
				return
			}
			defer sm.UntrackRequest()

			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
