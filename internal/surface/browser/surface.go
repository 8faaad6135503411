// Package browser binds the render-surface capability set to Chrome via
// chromedp. Each surface is a chromedp context tree: the surface's first tab
// is the parent context and additional tabs are child contexts sharing the
// same browser.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/forumvine/linkresolver/internal/config"
	"github.com/forumvine/linkresolver/internal/resolver"
)

// Config controls the browser surface.
type Config struct {
	// Mode selects headless or windowed Chrome. The allocator is built once,
	// so the mode passed to CreateSurface is informational only.
	Mode      string
	UserAgent string
	// NavTimeout bounds navigation and per-tab state queries.
	NavTimeout time.Duration
}

type tabState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	surface resolver.SurfaceID
	lastURL string
}

type surfaceState struct {
	ctx    context.Context
	cancel context.CancelFunc
	order  []resolver.TabID
}

// Surface implements resolver.Surface on a shared Chrome exec allocator.
type Surface struct {
	cfg         Config
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc

	// createMu serializes surface allocation so concurrent callers wait for
	// the in-flight creation instead of racing Chrome startup.
	createMu sync.Mutex

	mu       sync.Mutex
	surfaces map[resolver.SurfaceID]*surfaceState
	tabs     map[resolver.TabID]*tabState
}

// New builds the exec allocator and returns a ready Surface. Chrome itself is
// only launched on the first CreateSurface call.
func New(cfg Config, logger *zap.Logger) (*Surface, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	switch cfg.Mode {
	case config.SurfaceModeWindowed:
		opts = append(opts, chromedp.Flag("headless", false))
	case config.SurfaceModeHeadless, "":
		opts = append(opts, chromedp.Flag("headless", "new"))
	default:
		return nil, fmt.Errorf("unsupported surface mode %q", cfg.Mode)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Surface{
		cfg:         cfg,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		surfaces:    map[resolver.SurfaceID]*surfaceState{},
		tabs:        map[resolver.TabID]*tabState{},
	}, nil
}

// Close tears down every surface and the allocator.
func (s *Surface) Close() {
	s.mu.Lock()
	for _, surf := range s.surfaces {
		surf.cancel()
	}
	s.surfaces = map[resolver.SurfaceID]*surfaceState{}
	s.tabs = map[resolver.TabID]*tabState{}
	s.mu.Unlock()
	s.allocCancel()
}

// CreateSurface opens a new Chrome context showing firstURL. The mode
// argument is checked against the allocator's configuration.
func (s *Surface) CreateSurface(ctx context.Context, firstURL, mode string) (resolver.SurfaceID, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	if mode != "" && mode != s.cfg.Mode && s.cfg.Mode != "" {
		s.logger.Warn("surface mode differs from allocator mode; using allocator mode",
			zap.String("requested", mode), zap.String("allocator", s.cfg.Mode))
	}
	tabCtx, tabCancel := chromedp.NewContext(s.allocator)
	if err := s.navigate(ctx, tabCtx, firstURL); err != nil {
		tabCancel()
		return "", &resolver.SurfaceError{Op: "create surface", Err: err}
	}

	target := chromedp.FromContext(tabCtx).Target
	if target == nil {
		tabCancel()
		return "", &resolver.SurfaceError{Op: "create surface", Err: fmt.Errorf("no target attached")}
	}
	tabID := resolver.TabID(target.TargetID.String())
	surfID := resolver.SurfaceID("surface-" + string(tabID))

	s.mu.Lock()
	s.surfaces[surfID] = &surfaceState{ctx: tabCtx, cancel: tabCancel, order: []resolver.TabID{tabID}}
	s.tabs[tabID] = &tabState{ctx: tabCtx, cancel: tabCancel, surface: surfID, lastURL: firstURL}
	s.mu.Unlock()
	return surfID, nil
}

// CreateTab opens an additional tab in the surface's browser.
func (s *Surface) CreateTab(ctx context.Context, id resolver.SurfaceID, url string) (resolver.TabID, error) {
	s.mu.Lock()
	surf, ok := s.surfaces[id]
	s.mu.Unlock()
	if !ok {
		return "", &resolver.SurfaceError{Op: "create tab", Err: fmt.Errorf("surface %s not found", id)}
	}
	tabCtx, tabCancel := chromedp.NewContext(surf.ctx)
	if err := s.navigate(ctx, tabCtx, url); err != nil {
		tabCancel()
		return "", &resolver.SurfaceError{Op: "create tab", Err: err}
	}
	target := chromedp.FromContext(tabCtx).Target
	if target == nil {
		tabCancel()
		return "", &resolver.SurfaceError{Op: "create tab", Err: fmt.Errorf("no target attached")}
	}
	tabID := resolver.TabID(target.TargetID.String())

	s.mu.Lock()
	surf.order = append(surf.order, tabID)
	s.tabs[tabID] = &tabState{ctx: tabCtx, cancel: tabCancel, surface: id, lastURL: url}
	s.mu.Unlock()
	return tabID, nil
}

// UpdateTab repoints an existing tab. The navigation is issued without
// waiting for the load event; callers observe readiness through QueryTabs.
func (s *Surface) UpdateTab(ctx context.Context, id resolver.TabID, url string) (resolver.TabInfo, error) {
	s.mu.Lock()
	tab, ok := s.tabs[id]
	s.mu.Unlock()
	if !ok {
		return resolver.TabInfo{}, &resolver.SurfaceError{Op: "update tab", Err: fmt.Errorf("tab %s not found", id)}
	}
	if err := s.navigate(ctx, tab.ctx, url); err != nil {
		return resolver.TabInfo{}, &resolver.SurfaceError{Op: "update tab", Err: err}
	}
	s.mu.Lock()
	tab.lastURL = url
	s.mu.Unlock()
	return resolver.TabInfo{ID: id, Surface: tab.surface, URL: url, Loaded: false}, nil
}

// RemoveTab closes a tab.
func (s *Surface) RemoveTab(_ context.Context, id resolver.TabID) error {
	s.mu.Lock()
	tab, ok := s.tabs[id]
	if ok {
		delete(s.tabs, id)
		if surf, sok := s.surfaces[tab.surface]; sok {
			surf.order = removeTabID(surf.order, id)
		}
	}
	s.mu.Unlock()
	if !ok {
		return &resolver.SurfaceError{Op: "remove tab", Err: fmt.Errorf("tab %s not found", id)}
	}
	tab.cancel()
	return nil
}

// QueryTabs lists the tabs of one surface in creation order. A tab whose
// state cannot be read is omitted, matching how a crashed tab disappears
// from a window's tab strip.
func (s *Surface) QueryTabs(ctx context.Context, id resolver.SurfaceID) ([]resolver.TabInfo, error) {
	s.mu.Lock()
	surf, ok := s.surfaces[id]
	var order []resolver.TabID
	if ok {
		order = append(order, surf.order...)
	}
	s.mu.Unlock()
	if !ok {
		return nil, &resolver.SurfaceError{Op: "query tabs", Err: fmt.Errorf("surface %s not found", id)}
	}
	if err := surf.ctx.Err(); err != nil {
		return nil, &resolver.SurfaceError{Op: "query tabs", Err: err}
	}

	infos := make([]resolver.TabInfo, 0, len(order))
	for _, tabID := range order {
		info, err := s.inspectTab(ctx, tabID)
		if err != nil {
			s.logger.Debug("tab state query failed; omitting tab",
				zap.String("tab", string(tabID)), zap.Error(err))
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// QueryAllTabs lists every tab across all surfaces.
func (s *Surface) QueryAllTabs(ctx context.Context) ([]resolver.TabInfo, error) {
	s.mu.Lock()
	ids := make([]resolver.SurfaceID, 0, len(s.surfaces))
	for id := range s.surfaces {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var infos []resolver.TabInfo
	for _, id := range ids {
		tabs, err := s.QueryTabs(ctx, id)
		if err != nil {
			continue
		}
		infos = append(infos, tabs...)
	}
	return infos, nil
}

// GetSurface errors when the surface no longer exists or its browser died.
func (s *Surface) GetSurface(_ context.Context, id resolver.SurfaceID) error {
	s.mu.Lock()
	surf, ok := s.surfaces[id]
	s.mu.Unlock()
	if !ok {
		return &resolver.SurfaceError{Op: "get surface", Err: fmt.Errorf("surface %s not found", id)}
	}
	if err := surf.ctx.Err(); err != nil {
		return &resolver.SurfaceError{Op: "get surface", Err: err}
	}
	return nil
}

// RemoveSurface closes a surface and all of its tabs.
func (s *Surface) RemoveSurface(_ context.Context, id resolver.SurfaceID) error {
	s.mu.Lock()
	surf, ok := s.surfaces[id]
	if ok {
		delete(s.surfaces, id)
		for _, tabID := range surf.order {
			if tab, tok := s.tabs[tabID]; tok {
				delete(s.tabs, tabID)
				tab.cancel()
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return &resolver.SurfaceError{Op: "remove surface", Err: fmt.Errorf("surface %s not found", id)}
	}
	surf.cancel()
	return nil
}

func (s *Surface) inspectTab(ctx context.Context, id resolver.TabID) (resolver.TabInfo, error) {
	s.mu.Lock()
	tab, ok := s.tabs[id]
	s.mu.Unlock()
	if !ok {
		return resolver.TabInfo{}, fmt.Errorf("tab %s not found", id)
	}
	runCtx, cancel := s.boundedCtx(ctx, tab.ctx)
	defer cancel()

	var (
		loc        string
		readyState string
	)
	err := chromedp.Run(runCtx,
		chromedp.Location(&loc),
		chromedp.Evaluate("document.readyState", &readyState),
	)
	if err != nil {
		return resolver.TabInfo{}, fmt.Errorf("inspect tab: %w", err)
	}
	return resolver.TabInfo{
		ID:      id,
		Surface: tab.surface,
		URL:     loc,
		Loaded:  readyState == "complete",
	}, nil
}

// navigate issues a Page.navigate without waiting for the load event so the
// scheduler can keep driving other tabs.
func (s *Surface) navigate(ctx, tabCtx context.Context, url string) error {
	runCtx, cancel := s.boundedCtx(ctx, tabCtx)
	defer cancel()

	actions := []chromedp.Action{}
	if s.cfg.UserAgent != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			return nil
		}))
	}
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		return nil
	}))
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return err
	}
	return nil
}

// boundedCtx runs tab actions on the tab's chromedp context, bounded by both
// the caller's context and the navigation timeout.
func (s *Surface) boundedCtx(callerCtx, tabCtx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancelTimeout := context.WithTimeout(tabCtx, s.cfg.NavTimeout)
	stop := context.AfterFunc(callerCtx, cancelTimeout)
	return runCtx, func() {
		stop()
		cancelTimeout()
	}
}

func removeTabID(order []resolver.TabID, id resolver.TabID) []resolver.TabID {
	out := order[:0]
	for _, t := range order {
		if t != id {
			out = append(out, t)
		}
	}
	return out
}
