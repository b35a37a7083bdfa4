// Package worker runs attribution tasks on a bounded pool of goroutines.
//
// The pool keeps MinWorkers goroutines alive, queues up to QueueCapacity
// jobs, and grows to MaxWorkers only when the queue is full. Workers above
// the minimum exit after KeepAlive without work. A submission that finds
// the queue full and the pool at its ceiling is rejected.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrPoolFull is returned when the backlog is full and no worker can be added.
	ErrPoolFull = eris.New("worker: pool saturated")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = eris.New("worker: pool closed")
)

// Job is a unit of work. It receives the pool's context, which outlives the
// caller that submitted it.
type Job func(ctx context.Context)

// Config sizes a Pool.
type Config struct {
	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int
	KeepAlive     time.Duration
}

// DefaultConfig mirrors the production executor settings.
func DefaultConfig() Config {
	return Config{MinWorkers: 4, MaxWorkers: 8, QueueCapacity: 200, KeepAlive: 60 * time.Second}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int
	Queued  int
}

// Pool is a bounded executor.
type Pool struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job

	mu      sync.Mutex
	workers int
	closed  bool
	wg      sync.WaitGroup
}

// New starts a pool whose jobs run under ctx.
func New(ctx context.Context, cfg Config) *Pool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = 0
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultConfig().KeepAlive
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan Job, cfg.QueueCapacity),
	}

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawn(nil)
	}
	p.mu.Unlock()

	return p
}

// Submit schedules job. It never blocks.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	default:
	}

	if p.workers < p.cfg.MaxWorkers {
		p.spawn(job)
		return nil
	}
	return eris.Wrapf(ErrPoolFull, "worker: %d workers busy, %d queued", p.workers, len(p.jobs))
}

// Stats reports the current worker count and backlog.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Workers: p.workers, Queued: len(p.jobs)}
}

// Shutdown stops accepting jobs, lets queued and running jobs finish, and
// waits for the workers to exit. If ctx expires first the pool context is
// canceled and the context error returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return eris.Wrap(ctx.Err(), "worker: shutdown")
	}
}

// spawn starts a worker. Callers hold p.mu.
func (p *Pool) spawn(first Job) {
	p.workers++
	p.wg.Add(1)
	go p.loop(first)
}

func (p *Pool) loop(first Job) {
	defer p.wg.Done()

	if first != nil {
		p.exec(first)
	}

	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()

	for {
		idle.Reset(p.cfg.KeepAlive)
		select {
		case job, ok := <-p.jobs:
			if !ok {
				p.retire(true)
				return
			}
			p.exec(job)
		case <-idle.C:
			if p.retire(false) {
				return
			}
		}
	}
}

// retire removes the calling worker. Unless forced, a worker at or below
// the minimum stays.
func (p *Pool) retire(force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !force && p.workers <= p.cfg.MinWorkers {
		return false
	}
	p.workers--
	return true
}

func (p *Pool) exec(job Job) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("worker: job panicked", zap.Any("panic", r))
		}
	}()
	job(p.ctx)
}
