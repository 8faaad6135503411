// Package status broadcasts scheduler snapshots to observers and sinks.
package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forumvine/linkresolver/internal/resolver"
)

// Sink receives the latest snapshot. Implementations must tolerate being
// called with coalesced updates; intermediate snapshots may be skipped.
type Sink interface {
	Publish(ctx context.Context, snap resolver.Snapshot) error
	Close(ctx context.Context) error
}

// Config controls the Publisher.
//   - SinkTimeout: per-sink timeout while delivering (default 5s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

const defaultSinkTimeout = 5 * time.Second

// Publisher fans the latest snapshot out to sinks and subscribers. Publish
// never blocks and never fails the caller; a slow or absent consumer only
// loses intermediate snapshots, never the latest one.
type Publisher struct {
	cfg     Config
	sinks   []Sink
	logger  *zap.Logger
	latest  atomic.Pointer[resolver.Snapshot]
	updates chan resolver.Snapshot
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  atomic.Bool

	mu   sync.Mutex
	subs map[chan resolver.Snapshot]struct{}

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewPublisher initializes a Publisher and starts the background delivery
// goroutine for the supplied sinks.
func NewPublisher(cfg Config, sinks ...Sink) *Publisher {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger,
		updates: make(chan resolver.Snapshot, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		subs:    map[chan resolver.Snapshot]struct{}{},
	}
	go p.run()
	return p
}

// Publish records snap as the latest snapshot and schedules delivery. When a
// previous update is still pending it is replaced; sinks always converge on
// the newest state.
func (p *Publisher) Publish(snap resolver.Snapshot) {
	if p == nil || p.closed.Load() {
		return
	}
	cp := snap
	p.latest.Store(&cp)

	for {
		select {
		case p.updates <- cp:
		default:
			select {
			case <-p.updates:
			default:
			}
			continue
		}
		break
	}

	p.mu.Lock()
	for ch := range p.subs {
		select {
		case ch <- cp:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cp:
			default:
			}
		}
	}
	p.mu.Unlock()
}

// Latest returns the most recently published snapshot, or a zero idle
// snapshot when nothing has been published yet.
func (p *Publisher) Latest() resolver.Snapshot {
	if p == nil {
		return resolver.Snapshot{Phase: resolver.PhaseIdle}
	}
	if snap := p.latest.Load(); snap != nil {
		return *snap
	}
	return resolver.Snapshot{Phase: resolver.PhaseIdle, Message: "ready"}
}

// Subscribe registers a 1-buffered observer channel. The returned cancel
// function unregisters it; failing to drain only loses stale snapshots.
func (p *Publisher) Subscribe() (<-chan resolver.Snapshot, func()) {
	ch := make(chan resolver.Snapshot, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	cancel := func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
	return ch, cancel
}

// Close delivers any pending snapshot, closes sinks and blocks until the
// background goroutine exits. Safe to call multiple times.
func (p *Publisher) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeCtx = ctx
		close(p.stopCh)
	})
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("status publisher close wait: %w", ctx.Err())
	}
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	for {
		select {
		case snap := <-p.updates:
			p.deliver(snap)
		case <-p.stopCh:
			select {
			case snap := <-p.updates:
				p.deliver(snap)
			default:
			}
			p.closeSinks()
			return
		}
	}
}

func (p *Publisher) deliver(snap resolver.Snapshot) {
	for _, sink := range p.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(p.cfg.BaseContext, p.cfg.SinkTimeout)
		if err := sink.Publish(ctx, snap); err != nil {
			p.logger.Warn("status sink publish failed", zap.Error(err))
		}
		cancel()
	}
}

func (p *Publisher) closeSinks() {
	ctx := p.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range p.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			p.logger.Warn("status sink close failed", zap.Error(err))
		}
	}
}
