package server

import (
	"context"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingWorker runs until its context is cancelled and records that it
// stopped cleanly.
type blockingWorker struct {
	started chan struct{}
	stopped chan struct{}
}

func newBlockingWorker() *blockingWorker {
	return &blockingWorker{
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (w *blockingWorker) Run(ctx context.Context) error {
	close(w.started)
	<-ctx.Done()
	close(w.stopped)

	return nil
}

func TestManagerRequiresServer(t *testing.T) {
	t.Parallel()

	err := NewManager(nil).Run()
	require.ErrorIs(t, err, ErrNoServerConfigured)
}

func TestManagerShutdownChannel(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	worker := newBlockingWorker()
	shutdown := make(chan struct{})

	manager := NewManager(nil).
		WithHTTPServer(app, "127.0.0.1:0").
		WithWorker(worker).
		WithShutdownChannel(shutdown).
		WithShutdownTimeout(time.Second)

	done := make(chan error, 1)

	go func() { done <- manager.Run() }()

	select {
	case <-worker.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not start")
	}

	close(shutdown)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not shut down")
	}

	select {
	case <-worker.stopped:
	case <-time.After(time.Second):
		t.Fatal("worker was not stopped")
	}
}

func TestManagerStartupFailureTriggersShutdown(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	manager := NewManager(nil).
		WithHTTPServer(app, "256.0.0.1:99999").
		WithShutdownTimeout(time.Second)

	done := make(chan error, 1)

	go func() { done <- manager.Run() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not return after startup failure")
	}
}
