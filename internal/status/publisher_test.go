package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forumvine/linkresolver/internal/resolver"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []resolver.Snapshot
}

func (s *recordingSink) Publish(_ context.Context, snap resolver.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func (s *recordingSink) last() (resolver.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return resolver.Snapshot{}, false
	}
	return s.snaps[len(s.snaps)-1], true
}

func TestPublishDeliversToSinks(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := NewPublisher(Config{}, sink)
	defer func() { require.NoError(t, p.Close(context.Background())) }()

	p.Publish(resolver.Snapshot{RunID: "r1", Phase: resolver.PhasePolling, Total: 5})

	require.Eventually(t, func() bool {
		snap, ok := sink.last()
		return ok && snap.RunID == "r1" && snap.Total == 5
	}, time.Second, 10*time.Millisecond)
}

func TestLatestReturnsMostRecent(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{})
	defer func() { require.NoError(t, p.Close(context.Background())) }()

	require.Equal(t, resolver.PhaseIdle, p.Latest().Phase)

	for i := 1; i <= 10; i++ {
		p.Publish(resolver.Snapshot{Phase: resolver.PhasePolling, Completed: i})
	}
	require.Equal(t, 10, p.Latest().Completed)
}

func TestPublishNeverBlocksWithoutConsumers(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{})
	defer func() { require.NoError(t, p.Close(context.Background())) }()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			p.Publish(resolver.Snapshot{Completed: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestSubscriberSeesNewestSnapshot(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{})
	defer func() { require.NoError(t, p.Close(context.Background())) }()

	ch, cancel := p.Subscribe()
	defer cancel()

	// Without draining, intermediate snapshots are replaced, not queued.
	p.Publish(resolver.Snapshot{Completed: 1})
	p.Publish(resolver.Snapshot{Completed: 2})
	p.Publish(resolver.Snapshot{Completed: 3})

	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return snap.Completed == 3
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestCloseDeliversPendingSnapshot(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := NewPublisher(Config{}, sink)

	p.Publish(resolver.Snapshot{RunID: "final", Phase: resolver.PhaseDone})
	require.NoError(t, p.Close(context.Background()))

	snap, ok := sink.last()
	require.True(t, ok)
	require.Equal(t, "final", snap.RunID)

	// Publishing after close is a no-op.
	p.Publish(resolver.Snapshot{RunID: "late"})
	require.Equal(t, "final", p.Latest().RunID)
}
