package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"guestkey/internal/log"
)

// Loop is a long-running component that stops when its context is cancelled.
type Loop interface {
	Run(ctx context.Context)
}

// Cron is a component with an explicit start/stop lifecycle.
type Cron interface {
	Start(ctx context.Context)
	Stop()
}

// Pipeline starts and stops the reconciler and scheduler as one unit. Start
// and Stop are idempotent.
type Pipeline struct {
	reconciler Loop
	scheduler  Cron
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPipeline creates a stopped pipeline.
func NewPipeline(reconciler Loop, scheduler Cron) *Pipeline {
	return &Pipeline{
		reconciler: reconciler,
		scheduler:  scheduler,
		logger:     log.WithComponent("service"),
	}
}

// Start launches the pipeline under ctx. It is a no-op when already running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reconciler.Run(runCtx)
	}()
	p.scheduler.Start(runCtx)

	p.logger.Info().Msg("pipeline started")
	return nil
}

// Stop cancels the pipeline and waits for in-flight work to finish. It is a
// no-op when not running.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}

	p.cancel()
	p.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("pipeline stop timed out waiting for reconciler")
	}

	p.running = false
	p.logger.Info().Msg("pipeline stopped")
	return nil
}

// Running reports whether the pipeline is started.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
