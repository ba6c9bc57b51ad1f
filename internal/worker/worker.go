// Package worker runs N consumers over the task queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bartek5186/partsync/internal/db"
)

// Handler executes one task. A returned error nacks the task for redelivery;
// domain failures should be persisted by the handler and return nil.
type Handler func(ctx context.Context, t *db.Task) error

// Source is the queue side the pool consumes.
type Source interface {
	Claim(ctx context.Context) (*db.Task, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string, cause error, delay time.Duration) error
}

type Options struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int           // 0 = unlimited
	RetryDelay   time.Duration // visibility delay after a nack
}

type Stats struct {
	Handled   uint64
	Failed    uint64
	Discarded uint64
}

type Pool struct {
	log  zerolog.Logger
	src  Source
	opts Options

	hmu      sync.RWMutex
	handlers map[string]Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	handled, failed, discarded atomic.Uint64
}

func New(log zerolog.Logger, src Source, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	return &Pool{
		log:      log.With().Str("component", "worker").Logger(),
		src:      src,
		opts:     opts,
		handlers: map[string]Handler{},
	}
}

// Handle registers the handler for a task kind.
func (p *Pool) Handle(kind string, h Handler) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handlers[kind] = h
}

func (p *Pool) handler(kind string) (Handler, bool) {
	p.hmu.RLock()
	defer p.hmu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Start launches the consumers. Calling it on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.log.Info().Int("workers", p.opts.Workers).Dur("poll", p.opts.PollInterval).Msg("worker pool: start")
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i+1)
	}
	return nil
}

// Stop cancels the consumers and waits for in-flight tasks to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("worker pool: stop")
}

func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) Stats() Stats {
	return Stats{Handled: p.handled.Load(), Failed: p.failed.Load(), Discarded: p.discarded.Load()}
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		if ctx.Err() != nil {
			log.Debug().Msg("worker loop stopped")
			return
		}
		busy := p.RunOnce(ctx, log)
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker loop stopped")
			return
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// RunOnce claims and executes at most one task. It reports whether a task was claimed.
func (p *Pool) RunOnce(ctx context.Context, log zerolog.Logger) bool {
	t, err := p.src.Claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("claim failed")
		}
		return false
	}
	if t == nil {
		return false
	}
	tlog := log.With().Str("task_id", t.ID).Str("kind", t.Kind).Int("attempt", t.Attempts).Logger()

	if p.opts.MaxAttempts > 0 && t.Attempts > p.opts.MaxAttempts {
		tlog.Error().Str("last_error", t.LastError).Msg("task exceeded max attempts, discarding")
		p.discarded.Add(1)
		_ = p.src.Ack(ctx, t.ID)
		return true
	}

	h, ok := p.handler(t.Kind)
	if !ok {
		tlog.Error().Msg("no handler registered, discarding")
		p.discarded.Add(1)
		_ = p.src.Ack(ctx, t.ID)
		return true
	}

	if err := p.run(ctx, h, t); err != nil {
		p.failed.Add(1)
		tlog.Warn().Err(err).Msg("task failed, nacking")
		// ctx may already be cancelled on shutdown; the nack must still land
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = p.src.Nack(nctx, t.ID, err, p.opts.RetryDelay)
		cancel()
		return true
	}
	p.handled.Add(1)
	if err := p.src.Ack(context.WithoutCancel(ctx), t.ID); err != nil {
		tlog.Warn().Err(err).Msg("ack failed")
	}
	return true
}

func (p *Pool) run(ctx context.Context, h Handler, t *db.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", t.Kind, r)
		}
	}()
	return h(ctx, t)
}
