package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forumvine/linkresolver/internal/metrics"
	"github.com/forumvine/linkresolver/internal/resolver"
	memorysurface "github.com/forumvine/linkresolver/internal/surface/memory"
	memorystorage "github.com/forumvine/linkresolver/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubSource struct {
	mu        sync.Mutex
	links     []string
	err       error
	blockOnce bool
}

func (s *stubSource) FetchLinks(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	block := s.blockOnce
	s.blockOnce = false
	links := append([]string(nil), s.links...)
	err := s.err
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, &resolver.SourceError{Msg: fmt.Sprintf("fetch link list: %v", ctx.Err())}
	}
	if err != nil {
		return nil, err
	}
	return links, nil
}

type recPublisher struct {
	mu    sync.Mutex
	snaps []resolver.Snapshot
}

func (p *recPublisher) Publish(snap resolver.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
}

func (p *recPublisher) latest() resolver.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return resolver.Snapshot{}
	}
	return p.snaps[len(p.snaps)-1]
}

func (p *recPublisher) all() []resolver.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]resolver.Snapshot(nil), p.snaps...)
}

type recReporter struct {
	mu       sync.Mutex
	err      error
	onSubmit func()
	runIDs   []string
	resolved [][]string
}

func (r *recReporter) Submit(_ context.Context, runID string, resolved []string) error {
	r.mu.Lock()
	hook := r.onSubmit
	err := r.err
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runIDs = append(r.runIDs, runID)
	r.resolved = append(r.resolved, append([]string(nil), resolved...))
	return nil
}

func (r *recReporter) submissions() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.resolved))
	for i, set := range r.resolved {
		out[i] = append([]string(nil), set...)
	}
	return out
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%d", g.n), nil
}

type harness struct {
	sched  *Scheduler
	source *stubSource
	surf   *memorysurface.Surface
	pub    *recPublisher
	rep    *recReporter
	clock  *fakeClock
	runs   *memorystorage.RunStore
}

func links(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://forums.spacebattles.com/posts/%d/", 100000+i)
	}
	return out
}

func newHarness(t *testing.T, source *stubSource, concurrency int) *harness {
	t.Helper()
	metrics.Init()

	h := &harness{
		source: source,
		surf:   memorysurface.New(),
		pub:    &recPublisher{},
		rep:    &recReporter{},
		clock:  newFakeClock(),
		runs:   memorystorage.NewRunStore(),
	}
	sched, err := New(Config{
		Concurrency:        concurrency,
		PollInterval:       10 * time.Millisecond,
		StabilityThreshold: 2,
		MaxRunTime:         30 * time.Minute,
		ResetDelay:         20 * time.Millisecond,
		SurfaceMode:        "noop",
	}, Deps{
		Source:   source,
		Surface:  h.surf,
		Reporter: h.rep,
		Status:   h.pub,
		Runs:     h.runs,
		Clock:    h.clock,
		IDs:      &seqIDs{},
	})
	require.NoError(t, err)
	h.sched = sched

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sched.Run(ctx) }()
	return h
}

// driveTabs keeps marking every tab loaded so each slot resolves after the
// stability threshold is met.
func (h *harness) driveTabs(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, surfID := range h.surf.SurfaceIDs() {
					for _, tabID := range h.surf.TabIDs(surfID) {
						h.surf.CompleteTab(tabID, "")
					}
				}
			}
		}
	}()
}

func (h *harness) waitPhase(t *testing.T, phase resolver.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.pub.latest().Phase == phase
	}, 5*time.Second, 5*time.Millisecond, "never reached phase %s", phase)
}

func (h *harness) sawPhase(phase resolver.Phase) bool {
	for _, snap := range h.pub.all() {
		if snap.Phase == phase {
			return true
		}
	}
	return false
}

func TestRunResolvesAllLinks(t *testing.T) {
	t.Parallel()

	all := links(5)
	h := newHarness(t, &stubSource{links: all}, 2)
	h.driveTabs(t)

	runID, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)

	h.waitPhase(t, resolver.PhaseDone)

	subs := h.rep.submissions()
	require.Len(t, subs, 1)
	require.ElementsMatch(t, all, subs[0])

	final := h.pub.latest()
	require.Equal(t, 5, final.Total)
	require.Equal(t, 5, final.Completed)
	require.Zero(t, final.Active)
	require.Zero(t, final.Queued)

	rec, err := h.runs.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, resolver.PhaseDone, rec.Phase)
	require.Equal(t, 5, rec.Completed)
}

func TestCountsConserveThroughoutRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSource{links: links(7)}, 3)
	h.driveTabs(t)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhaseDone)

	for _, snap := range h.pub.all() {
		switch snap.Phase {
		case resolver.PhaseOpened, resolver.PhaseWaiting, resolver.PhasePolling, resolver.PhaseWarning:
			require.Equal(t, snap.Total, snap.Completed+snap.Active+snap.Queued,
				"conservation violated in phase %s: %+v", snap.Phase, snap)
		}
	}
}

func TestRecoveryAfterSurfaceLossPreservesWork(t *testing.T) {
	t.Parallel()

	all := links(4)
	h := newHarness(t, &stubSource{links: all}, 2)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	// Let the first surface come up, then kill it before any tab loads.
	require.Eventually(t, func() bool {
		return len(h.surf.SurfaceIDs()) == 1
	}, time.Second, 2*time.Millisecond)
	firstSurface := h.surf.SurfaceIDs()[0]
	h.surf.CloseSurface(firstSurface)

	// A replacement surface appears and the run finishes with nothing lost.
	require.Eventually(t, func() bool {
		ids := h.surf.SurfaceIDs()
		return len(ids) == 1 && ids[0] != firstSurface
	}, 2*time.Second, 2*time.Millisecond)

	h.driveTabs(t)
	h.waitPhase(t, resolver.PhaseDone)

	subs := h.rep.submissions()
	require.Len(t, subs, 1)
	require.ElementsMatch(t, all, subs[0])
}

func TestVanishedTabWorkIsRequeued(t *testing.T) {
	t.Parallel()

	all := links(3)
	h := newHarness(t, &stubSource{links: all}, 3)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids := h.surf.SurfaceIDs()
		return len(ids) == 1 && len(h.surf.TabIDs(ids[0])) == 3
	}, time.Second, 2*time.Millisecond)

	h.surf.CrashTab(h.surf.TabIDs(h.surf.SurfaceIDs()[0])[0])

	h.driveTabs(t)
	h.waitPhase(t, resolver.PhaseDone)

	subs := h.rep.submissions()
	require.Len(t, subs, 1)
	require.ElementsMatch(t, all, subs[0])
}

func TestRepointFailureRequeuesWork(t *testing.T) {
	t.Parallel()

	all := links(3)
	h := newHarness(t, &stubSource{links: all}, 1)
	// Every tab repoint fails, so each resolved slot abandons its tab and the
	// next item must come back through a fresh surface allocation.
	h.surf.FailUpdates(true)
	h.driveTabs(t)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhaseDone)

	subs := h.rep.submissions()
	require.Len(t, subs, 1)
	require.ElementsMatch(t, all, subs[0])
}

func TestRecoveryStaysInPollingPhase(t *testing.T) {
	t.Parallel()

	all := links(4)
	h := newHarness(t, &stubSource{links: all}, 2)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhasePolling)

	firstSurface := h.surf.SurfaceIDs()[0]
	h.surf.CloseSurface(firstSurface)
	require.Eventually(t, func() bool {
		ids := h.surf.SurfaceIDs()
		return len(ids) == 1 && ids[0] != firstSurface
	}, 2*time.Second, 2*time.Millisecond)

	h.driveTabs(t)
	h.waitPhase(t, resolver.PhaseDone)

	// Once polling begins, reallocation must not republish the opened phase.
	snaps := h.pub.all()
	firstPolling := -1
	for i, snap := range snaps {
		if snap.Phase == resolver.PhasePolling {
			firstPolling = i
			break
		}
	}
	require.GreaterOrEqual(t, firstPolling, 0)
	for _, snap := range snaps[firstPolling:] {
		require.NotEqual(t, resolver.PhaseOpened, snap.Phase)
	}
}

func TestAbortDuringFetchEndsRunAborted(t *testing.T) {
	t.Parallel()

	src := &stubSource{links: links(2), blockOnce: true}
	h := newHarness(t, src, 2)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhaseFetching)

	h.sched.Abort()
	h.sched.Abort() // idempotent

	h.waitPhase(t, resolver.PhaseAborted)
	require.Empty(t, h.rep.submissions())

	// After the reset delay the scheduler accepts a fresh run.
	h.waitPhase(t, resolver.PhaseIdle)
	h.driveTabs(t)
	runID, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-2", runID)
	h.waitPhase(t, resolver.PhaseDone)
}

func TestAbortWithNoRunIsHarmless(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSource{links: links(1)}, 1)
	h.sched.Abort()
	h.sched.Abort()

	// The latched flag must not poison the next run.
	h.driveTabs(t)
	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhaseDone)
}

func TestStartWhileActiveReturnsErrRunActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSource{links: links(3)}, 1)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhasePolling)

	_, err = h.sched.Start(context.Background())
	require.ErrorIs(t, err, resolver.ErrRunActive)
}

func TestDeadlineFinalizesWithLoadedTabs(t *testing.T) {
	t.Parallel()

	all := links(3)
	h := newHarness(t, &stubSource{links: all}, 2)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids := h.surf.SurfaceIDs()
		return len(ids) == 1 && len(h.surf.TabIDs(ids[0])) == 2
	}, time.Second, 2*time.Millisecond)

	// Only the first tab ever finishes loading.
	firstTab := h.surf.TabIDs(h.surf.SurfaceIDs()[0])[0]
	h.surf.CompleteTab(firstTab, all[0]+"#post-1")

	h.clock.Advance(31 * time.Minute)
	h.waitPhase(t, resolver.PhaseDone)

	subs := h.rep.submissions()
	require.Len(t, subs, 1)
	require.Contains(t, subs[0], all[0]+"#post-1")
	require.Less(t, len(subs[0]), 3)
}

func TestSourceFailureEndsRunInError(t *testing.T) {
	t.Parallel()

	src := &stubSource{err: &resolver.SourceError{
		Msg:    "no permalinks found in source",
		Sample: "just some text",
	}}
	h := newHarness(t, src, 2)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhaseError)

	final := h.pub.latest()
	require.Contains(t, final.Message, "no permalinks")
	require.Equal(t, "just some text", final.LastErrorSample)
	require.Empty(t, h.surf.SurfaceIDs())
	require.Empty(t, h.rep.submissions())
}

func TestReportFailureSurfacesAsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSource{links: links(1)}, 1)
	h.rep.err = &resolver.ReportError{Kind: resolver.ReportRateLimited, Status: 429}
	h.driveTabs(t)

	runID, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhaseError)

	// The resolved work is still recorded even though submission failed.
	rec, err := h.runs.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Completed)
	require.Len(t, rec.Resolved, 1)
}

func TestAbortDuringSubmitEndsRunAborted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSource{links: links(1)}, 1)
	h.rep.err = &resolver.ReportError{Kind: resolver.ReportHTTPStatus, Status: 502}
	h.rep.onSubmit = h.sched.Abort
	h.driveTabs(t)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	// An abort that lands while the submission is in flight wins over the
	// submission failure.
	h.waitPhase(t, resolver.PhaseAborted)
	require.False(t, h.sawPhase(resolver.PhaseError))
}

func TestTerminalRunAutoResetsToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSource{links: links(1)}, 1)
	h.driveTabs(t)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhaseDone)
	h.waitPhase(t, resolver.PhaseIdle)

	// Totals from the finished run stay visible on the idle snapshot.
	final := h.pub.latest()
	require.Equal(t, 1, final.Total)
	require.Equal(t, 1, final.Completed)
}

func TestObserveStabilityCountdown(t *testing.T) {
	t.Parallel()

	s := &Scheduler{cfg: Config{StabilityThreshold: 2}}
	sl := &slot{tab: "t1", intendedURL: "https://x/posts/1/"}

	// Not loaded yet: no credit.
	s.observe(sl, resolver.TabInfo{ID: "t1", URL: "https://x/posts/1/", Loaded: false})
	require.Zero(t, sl.stableHits)

	// First loaded observation arms the countdown.
	s.observe(sl, resolver.TabInfo{ID: "t1", URL: "https://x/threads/a#post-1", Loaded: true})
	require.Equal(t, 1, sl.stableHits)

	// A URL change while loaded restarts it.
	s.observe(sl, resolver.TabInfo{ID: "t1", URL: "https://x/threads/b#post-1", Loaded: true})
	require.Equal(t, 1, sl.stableHits)

	// Losing loaded state resets to zero.
	s.observe(sl, resolver.TabInfo{ID: "t1", URL: "https://x/threads/b#post-1", Loaded: false})
	require.Zero(t, sl.stableHits)

	// Two consecutive stable loaded observations reach the threshold.
	s.observe(sl, resolver.TabInfo{ID: "t1", URL: "https://x/threads/b#post-1", Loaded: true})
	s.observe(sl, resolver.TabInfo{ID: "t1", URL: "https://x/threads/b#post-1", Loaded: true})
	require.Equal(t, 2, sl.stableHits)

	// Extra observations never exceed the threshold.
	s.observe(sl, resolver.TabInfo{ID: "t1", URL: "https://x/threads/b#post-1", Loaded: true})
	require.Equal(t, 2, sl.stableHits)
	require.Equal(t, "https://x/threads/b#post-1", sl.lastURL)
}

func TestWarningPhasePrecedesDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubSource{links: links(2)}, 1)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	h.waitPhase(t, resolver.PhasePolling)

	h.clock.Advance(29*time.Minute + 30*time.Second)
	h.waitPhase(t, resolver.PhaseWarning)

	h.clock.Advance(time.Minute)
	h.waitPhase(t, resolver.PhaseDone)
	require.True(t, h.sawPhase(resolver.PhaseWarning))
}
