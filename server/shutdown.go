package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/harmonymwirigi/patabasefiti-payments/events"
	"github.com/harmonymwirigi/patabasefiti-payments/log"
)

// ErrNoServerConfigured indicates the manager was started without an HTTP
// server.
var ErrNoServerConfigured = errors.New("no server configured: use WithHTTPServer()")

// Manager runs the HTTP server and the reconciliation worker, and shuts
// both down gracefully on SIGINT/SIGTERM.
type Manager struct {
	httpServer      *fiber.App
	httpAddress     string
	worker          interface{ Run(context.Context) error }
	publisher       events.Publisher
	logger          log.Logger
	shutdownChan    <-chan struct{}
	shutdownOnce    sync.Once
	shutdownTimeout time.Duration
	startupErrors   chan error
	workerCancel    context.CancelFunc
	workerDone      chan struct{}
}

// NewManager creates a lifecycle manager. A nil logger falls back to the
// no-op logger.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}

	return &Manager{
		logger:          logger,
		shutdownTimeout: 30 * time.Second,
		startupErrors:   make(chan error, 1),
		workerDone:      make(chan struct{}),
	}
}

// WithHTTPServer configures the HTTP server.
func (m *Manager) WithHTTPServer(app *fiber.App, address string) *Manager {
	m.httpServer = app
	m.httpAddress = address

	return m
}

// WithWorker configures the background worker whose Run method blocks
// until its context is cancelled.
func (m *Manager) WithWorker(worker interface{ Run(context.Context) error }) *Manager {
	m.worker = worker

	return m
}

// WithPublisher configures the event publisher to close during shutdown.
func (m *Manager) WithPublisher(publisher events.Publisher) *Manager {
	m.publisher = publisher

	return m
}

// WithShutdownChannel configures a custom shutdown trigger. Tests use this
// instead of OS signals.
func (m *Manager) WithShutdownChannel(ch <-chan struct{}) *Manager {
	m.shutdownChan = ch

	return m
}

// WithShutdownTimeout bounds how long shutdown waits for the worker to
// finish. Defaults to 30 seconds.
func (m *Manager) WithShutdownTimeout(d time.Duration) *Manager {
	m.shutdownTimeout = d

	return m
}

// Run starts everything and blocks until a termination signal arrives, the
// shutdown channel closes, or the HTTP server fails to start. It always
// executes the shutdown sequence before returning.
func (m *Manager) Run() error {
	if m.httpServer == nil {
		return ErrNoServerConfigured
	}

	if m.worker != nil {
		workerCtx, cancel := context.WithCancel(context.Background())
		m.workerCancel = cancel

		go func() {
			defer close(m.workerDone)

			if err := m.worker.Run(workerCtx); err != nil {
				m.logger.Log(workerCtx, log.LevelError, "background worker exited with error", log.Err(err))
			}
		}()
	} else {
		close(m.workerDone)
	}

	go func() {
		m.logger.Log(context.Background(), log.LevelInfo, "http server starting",
			log.String("address", m.httpAddress))

		if err := m.httpServer.Listen(m.httpAddress); err != nil {
			select {
			case m.startupErrors <- fmt.Errorf("http server: %w", err):
			default:
			}
		}
	}()

	m.awaitShutdownTrigger()
	m.executeShutdown()

	return nil
}

func (m *Manager) awaitShutdownTrigger() {
	if m.shutdownChan != nil {
		select {
		case <-m.shutdownChan:
		case err := <-m.startupErrors:
			m.logger.Log(context.Background(), log.LevelError, "server startup failed", log.Err(err))
		}

		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
		signal.Stop(c)
	case err := <-m.startupErrors:
		m.logger.Log(context.Background(), log.LevelError, "server startup failed", log.Err(err))
	}
}

// executeShutdown runs the shutdown sequence exactly once: stop accepting
// HTTP traffic, stop the worker and wait for its in-flight sweep, close
// the publisher, sync the logger.
func (m *Manager) executeShutdown() {
	m.shutdownOnce.Do(func() {
		ctx := context.Background()

		m.logger.Log(ctx, log.LevelInfo, "graceful shutdown started")

		if err := m.httpServer.Shutdown(); err != nil {
			m.logger.Log(ctx, log.LevelError, "http server shutdown failed", log.Err(err))
		}

		if m.workerCancel != nil {
			m.workerCancel()
		}

		select {
		case <-m.workerDone:
		case <-time.After(m.shutdownTimeout):
			m.logger.Log(ctx, log.LevelWarn, "worker did not stop within shutdown timeout")
		}

		if m.publisher != nil {
			if err := m.publisher.Close(); err != nil {
				m.logger.Log(ctx, log.LevelError, "publisher close failed", log.Err(err))
			}
		}

		if err := m.logger.Sync(ctx); err != nil {
			m.logger.Log(ctx, log.LevelError, "logger sync failed", log.Err(err))
		}

		m.logger.Log(ctx, log.LevelInfo, "graceful shutdown completed")
	})
}
