package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the publisher queue length.
const DefaultBuffer = 256

// Publisher writes entries to a store from a background goroutine so the
// request path never waits on storage. When the queue is full the entry is
// dropped and counted.
type Publisher struct {
	store  Store
	queue  chan *Entry
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewPublisher starts a publisher for store.
func NewPublisher(store Store, buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{
		store:  store,
		queue:  make(chan *Entry, buffer),
		logger: logger,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for e := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.Append(ctx, e); err != nil {
			p.logger.Warn("journal append failed",
				slog.String("request_id", e.RequestID),
				slog.String("error", err.Error()))
		} else {
			p.written.Add(1)
		}
		cancel()
	}
}

// Publish enqueues e without blocking. It returns false if the entry was
// dropped, and ErrClosed after Close.
func (p *Publisher) Publish(e *Entry) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false, ErrClosed
	}

	select {
	case p.queue <- e:
		return true, nil
	default:
		p.dropped.Add(1)
		return false, nil
	}
}

// Dropped returns how many entries were discarded because the queue was
// full.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Written returns how many entries reached the store.
func (p *Publisher) Written() uint64 {
	return p.written.Load()
}

// Store returns the underlying store.
func (p *Publisher) Store() Store {
	return p.store
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end. The store is not closed.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
