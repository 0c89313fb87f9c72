// Package lifecycle implements the Signal/Lifecycle component (spec
// component C8): a dedicated goroutine translating OS signals into the
// two actions spec.md §4.8 names — reload (clear the forwarding
// resolver's cache) and shutdown (cooperative drain) — logging and
// ignoring everything else.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dnsblrsd/dnsblrsd/pkg/logging"
)

// cacheClearer is the one operation the reload signal triggers. pkg/resolver's
// Resolver satisfies this directly.
type cacheClearer interface {
	ClearCache()
}

// Manager owns the signal-handling goroutine and a root context whose
// cancellation is the shutdown signal every other subsystem watches.
type Manager struct {
	logger   *logging.Logger
	resolver cacheClearer

	ctx    context.Context
	cancel context.CancelFunc
	sigCh  chan os.Signal
	wg     sync.WaitGroup
}

// New builds a Manager wrapping a root context derived from parent.
// resolver receives reload notifications; it may be nil in tests that
// don't exercise the reload path.
func New(parent context.Context, resolver cacheClearer, logger *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		logger:   logger,
		resolver: resolver,
		ctx:      ctx,
		cancel:   cancel,
		sigCh:    make(chan os.Signal, 1),
	}
}

// Context returns the root context, cancelled on shutdown. The feed
// ingester selects on it; bootstrap waits on it and then shuts the bind
// manager down.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Start begins watching for signals in a background goroutine. SIGHUP
// triggers reload; SIGINT and SIGTERM trigger shutdown (cancelling
// Context()); everything else is logged and ignored.
func (m *Manager) Start() {
	signal.Notify(m.sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case sig, ok := <-m.sigCh:
				if !ok {
					return
				}
				m.handle(sig)
			}
		}
	}()
}

func (m *Manager) handle(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		m.logger.Info("captured reload signal", "signal", sig.String())
		if m.resolver != nil {
			m.resolver.ClearCache()
		}
		m.logger.Info("resolver cache cleared")
	case syscall.SIGINT, syscall.SIGTERM:
		m.logger.Info("captured shutdown signal", "signal", sig.String())
		m.cancel()
	default:
		m.logger.Warn("unhandled signal received", "signal", sig.String())
	}
}

// Stop unregisters the signal channel, cancels the root context and waits
// for the watcher goroutine to exit, so calling it triggers the same
// shutdown an OS signal would.
func (m *Manager) Stop() {
	signal.Stop(m.sigCh)
	m.cancel()
	m.wg.Wait()
}
