// Package scheduler drives permalink resolution runs. A single goroutine
// owns all run state; control enters through a command channel plus an
// abort flag, and progress leaves through the status publisher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/forumvine/linkresolver/internal/metrics"
	"github.com/forumvine/linkresolver/internal/resolver"
)

// Config fixes the run parameters. The concurrency window is read once at
// start and never recomputed mid-run.
type Config struct {
	Concurrency        int
	PollInterval       time.Duration
	StabilityThreshold int
	MaxRunTime         time.Duration
	ResetDelay         time.Duration
	SurfaceMode        string
}

// Deps are the scheduler's collaborators. Runs may be nil when run history
// is not persisted.
type Deps struct {
	Source   resolver.LinkSource
	Surface  resolver.Surface
	Reporter resolver.Reporter
	Status   resolver.StatusPublisher
	Runs     resolver.RunStore
	Clock    resolver.Clock
	IDs      resolver.IDGenerator
	Logger   *zap.Logger
}

// slot tracks one active tab. A slot resolves once the tab has reported the
// same URL in loaded state for StabilityThreshold consecutive polls.
type slot struct {
	tab         resolver.TabID
	intendedURL string
	lastURL     string
	stableHits  int
}

type startCmd struct {
	reply chan startReply
}

type startReply struct {
	runID string
	err   error
}

type resetCmd struct {
	runID string
}

// Scheduler is the resolution run actor. Construct with New, drive with Run,
// control with Start and Abort.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	cmds chan any

	// aborted latches once per run; Abort also cancels the run context so a
	// blocked fetch or navigation unwinds promptly.
	aborted  atomic.Bool
	cancelMu sync.Mutex
	cancelFn context.CancelFunc

	// Everything below is owned by the Run goroutine.
	phase      resolver.Phase
	runID      string
	runCtx     context.Context
	surfaceID  resolver.SurfaceID
	queue      *resolver.Queue
	slots      map[resolver.TabID]*slot
	slotOrder  []resolver.TabID
	resolved   []string
	discovered int
	startedAt  time.Time
	deadline   time.Time
	message    string
	lastSample string
}

// New creates a Scheduler. Run must be called before Start has any effect.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 8 * time.Second
	}
	if cfg.MaxRunTime <= 0 {
		cfg.MaxRunTime = 30 * time.Minute
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = 2 * time.Second
	}
	if deps.Source == nil || deps.Surface == nil || deps.Reporter == nil ||
		deps.Status == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("source, surface, reporter, status, clock and ids are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		cmds:   make(chan any),
		phase:  resolver.PhaseIdle,
		queue:  resolver.NewQueue(),
		slots:  map[resolver.TabID]*slot{},
	}, nil
}

// Start admits a new run and returns its ID. ErrRunActive when a run is
// already in flight.
func (s *Scheduler) Start(ctx context.Context) (string, error) {
	cmd := startCmd{reply: make(chan startReply, 1)}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return "", fmt.Errorf("start wait: %w", ctx.Err())
	}
	select {
	case rep := <-cmd.reply:
		return rep.runID, rep.err
	case <-ctx.Done():
		return "", fmt.Errorf("start reply wait: %w", ctx.Err())
	}
}

// Abort requests that the current run stop. Idempotent; a no-op when no run
// is active. It never reopens a surface and never errors.
func (s *Scheduler) Abort() {
	s.aborted.Store(true)
	s.cancelMu.Lock()
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.cancelMu.Unlock()
}

// Run executes the actor loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.publish()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if !s.phase.Terminal() && s.phase != resolver.PhaseIdle {
				s.finishRun(resolver.PhaseAborted, "service shutting down")
			}
			return ctx.Err()
		case cmd := <-s.cmds:
			switch c := cmd.(type) {
			case startCmd:
				s.handleStart(ctx, c)
			case resetCmd:
				s.handleReset(c)
			}
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) handleStart(base context.Context, cmd startCmd) {
	if s.phase != resolver.PhaseIdle && !s.phase.Terminal() {
		cmd.reply <- startReply{err: resolver.ErrRunActive}
		return
	}
	runID, err := s.deps.IDs.NewID()
	if err != nil {
		cmd.reply <- startReply{err: fmt.Errorf("mint run id: %w", err)}
		return
	}

	s.resetState()
	s.runID = runID
	s.startedAt = s.deps.Clock.Now()
	s.deadline = s.startedAt.Add(s.cfg.MaxRunTime)
	s.aborted.Store(false)

	runCtx, cancel := context.WithCancel(base)
	s.runCtx = runCtx
	s.cancelMu.Lock()
	s.cancelFn = cancel
	s.cancelMu.Unlock()

	cmd.reply <- startReply{runID: runID}

	s.logger.Info("run admitted", zap.String("run_id", runID))
	s.setPhase(resolver.PhaseFetching, "fetching link list")

	links, err := s.deps.Source.FetchLinks(runCtx)
	if err != nil {
		s.failRun(err)
		return
	}
	s.discovered = len(links)
	metrics.AddDiscovered(len(links))
	s.queue.PushBack(links...)
	s.logger.Info("link list fetched", zap.String("run_id", runID), zap.Int("links", len(links)))

	if err := s.openSurface(); err != nil {
		s.failRun(err)
		return
	}
	s.setPhase(resolver.PhaseWaiting, "waiting for first poll")
}

func (s *Scheduler) handleReset(cmd resetCmd) {
	// Only reset the run that scheduled it; a newer run may already be live.
	if cmd.runID != s.runID || !s.phase.Terminal() {
		return
	}
	s.setPhase(resolver.PhaseIdle, "ready")
}

// openSurface allocates the render surface with the first batch of queued
// items and assigns slots positionally to whichever tabs materialized. Items
// without a tab go back to the queue front.
func (s *Scheduler) openSurface() error {
	batch := make([]string, 0, s.cfg.Concurrency)
	for len(batch) < s.cfg.Concurrency {
		item, ok := s.queue.PopFront()
		if !ok {
			break
		}
		batch = append(batch, item)
	}
	if len(batch) == 0 {
		return &resolver.SurfaceError{Op: "open", Err: fmt.Errorf("no work to open a surface for")}
	}

	surfID, err := s.deps.Surface.CreateSurface(s.runCtx, batch[0], s.cfg.SurfaceMode)
	if err != nil {
		s.queue.PushFront(batch...)
		return err
	}
	s.surfaceID = surfID

	opened := 1
	for _, item := range batch[1:] {
		if _, err := s.deps.Surface.CreateTab(s.runCtx, surfID, item); err != nil {
			s.logger.Warn("tab open failed; item requeued",
				zap.String("run_id", s.runID), zap.Error(err))
			break
		}
		opened++
	}
	if opened < len(batch) {
		s.queue.PushFront(batch[opened:]...)
		batch = batch[:opened]
	}

	tabs, err := s.deps.Surface.QueryTabs(s.runCtx, surfID)
	if err != nil {
		s.queue.PushFront(batch...)
		s.surfaceID = ""
		s.removeSurface(surfID)
		return err
	}

	n := len(batch)
	if len(tabs) < n {
		n = len(tabs)
	}
	for i := 0; i < n; i++ {
		s.addSlot(tabs[i].ID, batch[i])
	}
	if n < len(batch) {
		s.queue.PushFront(batch[n:]...)
	}
	// The opened phase belongs to the initial allocation; a reallocation
	// mid-run keeps its polling (or warning) phase and only refreshes counts.
	if s.phase == resolver.PhaseFetching {
		s.setPhase(resolver.PhaseOpened, "surface opened")
	} else {
		s.publish()
	}

	s.sweepStrayTabs(batch)

	s.logger.Info("surface allocated",
		zap.String("run_id", s.runID),
		zap.String("surface", string(surfID)),
		zap.Int("tabs", n))
	return nil
}

// sweepStrayTabs closes tabs outside the owned surface that show one of the
// just-opened URLs. Leftovers from a crashed earlier run would otherwise
// shadow the new tabs in user-visible windows.
func (s *Scheduler) sweepStrayTabs(batch []string) {
	all, err := s.deps.Surface.QueryAllTabs(s.runCtx)
	if err != nil {
		return
	}
	want := make(map[string]struct{}, len(batch))
	for _, u := range batch {
		want[stripFragment(u)] = struct{}{}
	}
	for _, tab := range all {
		if tab.Surface == s.surfaceID {
			continue
		}
		if _, ok := want[stripFragment(tab.URL)]; !ok {
			continue
		}
		if err := s.deps.Surface.RemoveTab(s.runCtx, tab.ID); err != nil {
			s.logger.Debug("stray tab close failed", zap.String("tab", string(tab.ID)), zap.Error(err))
		}
	}
}

// tick advances one poll cycle. Order matters: abort, deadline, surface
// liveness, tab observations, slot resolution and reuse, snapshot,
// completion check.
func (s *Scheduler) tick() {
	switch s.phase {
	case resolver.PhaseWaiting, resolver.PhasePolling, resolver.PhaseWarning:
	default:
		return
	}
	metrics.IncPollCycle()

	if s.aborted.Load() {
		s.finishRun(resolver.PhaseAborted, "run aborted")
		return
	}

	now := s.deps.Clock.Now()
	if now.After(s.deadline) {
		s.finalizeDeadline()
		return
	}
	if s.phase != resolver.PhaseWarning && now.After(s.deadline.Add(-time.Minute)) {
		s.setPhase(resolver.PhaseWarning, "run deadline approaching")
	} else if s.phase == resolver.PhaseWaiting {
		s.setPhase(resolver.PhasePolling, "polling tabs")
	}

	if len(s.slots) == 0 && s.queue.Len() > 0 {
		// Either the surface was never usable or every tab vanished;
		// reallocate before polling anything.
		s.recover("no active tabs with queued work")
		return
	}

	if s.surfaceID != "" {
		if err := s.deps.Surface.GetSurface(s.runCtx, s.surfaceID); err != nil {
			s.recover(fmt.Sprintf("surface lost: %v", err))
			return
		}
	}

	tabs, err := s.deps.Surface.QueryTabs(s.runCtx, s.surfaceID)
	if err != nil {
		s.recover(fmt.Sprintf("tab query failed: %v", err))
		return
	}

	seen := make(map[resolver.TabID]resolver.TabInfo, len(tabs))
	for _, tab := range tabs {
		seen[tab.ID] = tab
	}

	// Tabs that vanished between polls give their work back first, keeping
	// queue order aligned with slot order.
	var lost []string
	for _, tabID := range append([]resolver.TabID(nil), s.slotOrder...) {
		if _, ok := seen[tabID]; ok {
			continue
		}
		sl := s.slots[tabID]
		lost = append(lost, sl.intendedURL)
		s.dropSlot(tabID)
	}
	if len(lost) > 0 {
		s.queue.PushFront(lost...)
		s.logger.Warn("tabs vanished; work requeued",
			zap.String("run_id", s.runID), zap.Int("tabs", len(lost)))
	}

	for _, tabID := range append([]resolver.TabID(nil), s.slotOrder...) {
		sl := s.slots[tabID]
		info := seen[tabID]
		s.observe(sl, info)
		if sl.stableHits >= s.cfg.StabilityThreshold {
			s.resolveSlot(sl)
		}
	}

	s.publish()

	if s.queue.Len() == 0 && len(s.slots) == 0 {
		s.complete()
	}
}

// observe applies one poll observation to a slot's stability countdown.
func (s *Scheduler) observe(sl *slot, info resolver.TabInfo) {
	if !info.Loaded {
		sl.stableHits = 0
		if info.URL != "" {
			sl.lastURL = info.URL
		}
		return
	}
	if info.URL != sl.lastURL || sl.stableHits == 0 {
		sl.lastURL = info.URL
		sl.stableHits = 1
		return
	}
	if sl.stableHits < s.cfg.StabilityThreshold {
		sl.stableHits++
	}
}

// resolveSlot records the stable URL and reuses the tab for the next queued
// item, or closes it when the queue is empty.
func (s *Scheduler) resolveSlot(sl *slot) {
	s.resolved = append(s.resolved, sl.lastURL)
	metrics.IncResolved()
	s.logger.Debug("permalink resolved",
		zap.String("run_id", s.runID),
		zap.String("url", sl.lastURL))

	tabID := sl.tab
	s.dropSlot(tabID)

	next, ok := s.queue.PopFront()
	if !ok {
		if err := s.deps.Surface.RemoveTab(s.runCtx, tabID); err != nil {
			s.logger.Debug("tab close failed", zap.String("tab", string(tabID)), zap.Error(err))
		}
		return
	}
	if _, err := s.deps.Surface.UpdateTab(s.runCtx, tabID, next); err != nil {
		// The item keeps its place in line; the tab is abandoned and the
		// vanished-tab path or the stall guard picks up from here.
		s.queue.PushFront(next)
		s.logger.Warn("tab repoint failed; item requeued",
			zap.String("run_id", s.runID), zap.Error(err))
		if rmErr := s.deps.Surface.RemoveTab(s.runCtx, tabID); rmErr != nil {
			s.logger.Debug("tab close failed", zap.String("tab", string(tabID)), zap.Error(rmErr))
		}
		return
	}
	s.addSlot(tabID, next)
}

// recover requeues all in-flight work at the queue front and reallocates the
// surface with a fresh batch.
func (s *Scheduler) recover(reason string) {
	metrics.IncRecovery()
	s.logger.Warn("recovering surface", zap.String("run_id", s.runID), zap.String("reason", reason))

	var inflight []string
	for _, tabID := range s.slotOrder {
		inflight = append(inflight, s.slots[tabID].intendedURL)
	}
	s.queue.PushFront(inflight...)
	s.slots = map[resolver.TabID]*slot{}
	s.slotOrder = nil

	if s.surfaceID != "" {
		s.removeSurface(s.surfaceID)
		s.surfaceID = ""
	}

	if s.aborted.Load() {
		s.finishRun(resolver.PhaseAborted, "run aborted")
		return
	}
	if err := s.openSurface(); err != nil {
		s.failRun(fmt.Errorf("surface recovery failed: %w", err))
		return
	}
	if s.phase != resolver.PhaseWarning {
		s.setPhase(resolver.PhasePolling, "recovered; polling tabs")
	}
}

// finalizeDeadline ends an over-deadline run with whatever tabs are loaded
// right now. Loaded tabs count as resolved at their current URL; the rest of
// the work is left unfinished.
func (s *Scheduler) finalizeDeadline() {
	s.logger.Warn("run deadline reached; finalizing with loaded tabs",
		zap.String("run_id", s.runID),
		zap.Int("resolved", len(s.resolved)),
		zap.Int("active", len(s.slots)),
		zap.Int("queued", s.queue.Len()))

	tabs, err := s.deps.Surface.QueryTabs(s.runCtx, s.surfaceID)
	if err == nil {
		loaded := make(map[resolver.TabID]string, len(tabs))
		for _, tab := range tabs {
			if tab.Loaded {
				loaded[tab.ID] = tab.URL
			}
		}
		for _, tabID := range append([]resolver.TabID(nil), s.slotOrder...) {
			if url, ok := loaded[tabID]; ok {
				s.resolved = append(s.resolved, url)
				metrics.IncResolved()
				s.dropSlot(tabID)
			}
		}
	}
	s.complete()
}

// complete submits the resolved set and finishes the run.
func (s *Scheduler) complete() {
	s.setPhase(resolver.PhaseCompleting, "submitting resolved set")

	if err := s.deps.Reporter.Submit(s.runCtx, s.runID, append([]string(nil), s.resolved...)); err != nil {
		var repErr *resolver.ReportError
		reason := "unreachable"
		if errors.As(err, &repErr) {
			reason = string(repErr.Kind)
			s.lastSample = repErr.Preview
		}
		metrics.ObserveReportFailure(reason)
		s.failRun(fmt.Errorf("report failed: %w", err))
		return
	}
	partial := s.queue.Len() > 0 || len(s.slots) > 0
	msg := "run complete"
	if partial {
		msg = fmt.Sprintf("run complete (partial: %d of %d resolved)", len(s.resolved), s.discovered)
	}
	s.finishRun(resolver.PhaseDone, msg)
}

// failRun ends the run in error, or aborted when the abort flag is up. A
// canceled run context while aborted is the abort unwinding, not a failure.
func (s *Scheduler) failRun(err error) {
	if s.aborted.Load() {
		s.finishRun(resolver.PhaseAborted, "run aborted")
		return
	}
	var srcErr *resolver.SourceError
	if errors.As(err, &srcErr) {
		s.lastSample = srcErr.Sample
	}
	s.logger.Error("run failed", zap.String("run_id", s.runID), zap.Error(err))
	s.finishRun(resolver.PhaseError, err.Error())
}

// finishRun is the single cleanup funnel for every terminal phase. It tears
// down the surface, records history, publishes the terminal snapshot and
// schedules the reset back to idle. Resolved counts stay visible until the
// next run starts.
func (s *Scheduler) finishRun(phase resolver.Phase, msg string) {
	if s.surfaceID != "" {
		s.removeSurface(s.surfaceID)
		s.surfaceID = ""
	}
	s.slots = map[resolver.TabID]*slot{}
	s.slotOrder = nil
	s.queue = resolver.NewQueue()

	s.cancelMu.Lock()
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.cancelMu.Unlock()

	s.setPhase(phase, msg)
	metrics.ObserveRun(string(phase))
	s.recordRun(phase, msg)

	runID := s.runID
	time.AfterFunc(s.cfg.ResetDelay, func() {
		select {
		case s.cmds <- resetCmd{runID: runID}:
		case <-time.After(time.Minute):
		}
	})
}

func (s *Scheduler) recordRun(phase resolver.Phase, msg string) {
	if s.deps.Runs == nil || s.runID == "" {
		return
	}
	errText := ""
	if phase == resolver.PhaseError {
		errText = msg
	}
	rec := resolver.RunRecord{
		ID:         s.runID,
		Phase:      phase,
		Total:      s.discovered,
		Completed:  len(s.resolved),
		Resolved:   append([]string(nil), s.resolved...),
		ErrorText:  errText,
		StartedAt:  s.startedAt,
		FinishedAt: s.deps.Clock.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Runs.RecordRun(ctx, rec); err != nil {
		s.logger.Warn("run history write failed", zap.String("run_id", s.runID), zap.Error(err))
	}
}

func (s *Scheduler) removeSurface(id resolver.SurfaceID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Surface.RemoveSurface(ctx, id); err != nil {
		s.logger.Debug("surface close failed", zap.String("surface", string(id)), zap.Error(err))
	}
}

func (s *Scheduler) addSlot(tabID resolver.TabID, url string) {
	s.slots[tabID] = &slot{tab: tabID, intendedURL: url}
	s.slotOrder = append(s.slotOrder, tabID)
}

func (s *Scheduler) dropSlot(tabID resolver.TabID) {
	delete(s.slots, tabID)
	order := s.slotOrder[:0]
	for _, id := range s.slotOrder {
		if id != tabID {
			order = append(order, id)
		}
	}
	s.slotOrder = order
}

func (s *Scheduler) resetState() {
	s.runID = ""
	s.surfaceID = ""
	s.queue = resolver.NewQueue()
	s.slots = map[resolver.TabID]*slot{}
	s.slotOrder = nil
	s.resolved = nil
	s.discovered = 0
	s.lastSample = ""
}

func (s *Scheduler) setPhase(phase resolver.Phase, msg string) {
	s.phase = phase
	s.message = msg
	s.publish()
}

// publish pushes the current snapshot. Counts obey
// resolved + active + queued == total while the run is in flight.
func (s *Scheduler) publish() {
	var active []string
	seen := map[string]struct{}{}
	for _, tabID := range s.slotOrder {
		url := s.slots[tabID].intendedURL
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		active = append(active, url)
	}
	s.deps.Status.Publish(resolver.Snapshot{
		RunID:           s.runID,
		Phase:           s.phase,
		Message:         s.message,
		Total:           s.discovered,
		Completed:       len(s.resolved),
		Active:          len(s.slots),
		Queued:          s.queue.Len(),
		ActiveLinks:     active,
		LastErrorSample: s.lastSample,
		At:              s.deps.Clock.Now(),
	})
}

func stripFragment(url string) string {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[:i]
	}
	return url
}
