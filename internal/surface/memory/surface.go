// Package memory provides an in-process render surface. It backs the noop
// surface mode and gives tests a scriptable stand-in for a real browser:
// tabs can be completed, redirected, crashed or capped on demand.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/forumvine/linkresolver/internal/resolver"
)

type tab struct {
	id      resolver.TabID
	surface resolver.SurfaceID
	url     string
	loaded  bool
	gone    bool
}

type surface struct {
	id     resolver.SurfaceID
	closed bool
	order  []resolver.TabID
}

// Surface is a scriptable in-memory implementation of resolver.Surface.
// The zero value is not usable; call New.
type Surface struct {
	mu       sync.Mutex
	seq      int
	surfaces map[resolver.SurfaceID]*surface
	tabs     map[resolver.TabID]*tab

	tabLimit    int
	failUpdates bool
	// autoLoad marks every navigated tab as loaded immediately. Convenient
	// for tests that do not exercise the stability countdown.
	autoLoad bool
}

// New creates an empty Surface.
func New() *Surface {
	return &Surface{
		surfaces: map[resolver.SurfaceID]*surface{},
		tabs:     map[resolver.TabID]*tab{},
	}
}

// CreateSurface allocates a surface with one tab showing firstURL.
func (s *Surface) CreateSurface(_ context.Context, firstURL, _ string) (resolver.SurfaceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	surfID := resolver.SurfaceID(fmt.Sprintf("surface-%d", s.seq))
	surf := &surface{id: surfID}
	s.surfaces[surfID] = surf
	s.addTabLocked(surf, firstURL)
	return surfID, nil
}

// CreateTab opens an additional tab, honoring any configured tab limit.
func (s *Surface) CreateTab(_ context.Context, id resolver.SurfaceID, url string) (resolver.TabID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	surf, ok := s.surfaces[id]
	if !ok || surf.closed {
		return "", &resolver.SurfaceError{Op: "create tab", Err: fmt.Errorf("surface %s not found", id)}
	}
	if s.tabLimit > 0 && len(surf.order) >= s.tabLimit {
		return "", &resolver.SurfaceError{Op: "create tab", Err: fmt.Errorf("tab limit %d reached", s.tabLimit)}
	}
	return s.addTabLocked(surf, url), nil
}

func (s *Surface) addTabLocked(surf *surface, url string) resolver.TabID {
	s.seq++
	id := resolver.TabID(fmt.Sprintf("tab-%d", s.seq))
	s.tabs[id] = &tab{id: id, surface: surf.id, url: url, loaded: s.autoLoad}
	surf.order = append(surf.order, id)
	return id
}

// UpdateTab repoints a tab; the tab becomes not-loaded until completed.
func (s *Surface) UpdateTab(_ context.Context, id resolver.TabID, url string) (resolver.TabInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates {
		return resolver.TabInfo{}, &resolver.SurfaceError{Op: "update tab", Err: fmt.Errorf("updates disabled")}
	}
	t, ok := s.tabs[id]
	if !ok || t.gone {
		return resolver.TabInfo{}, &resolver.SurfaceError{Op: "update tab", Err: fmt.Errorf("tab %s not found", id)}
	}
	t.url = url
	t.loaded = s.autoLoad
	return s.infoLocked(t), nil
}

// RemoveTab closes a tab.
func (s *Surface) RemoveTab(_ context.Context, id resolver.TabID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[id]
	if !ok {
		return &resolver.SurfaceError{Op: "remove tab", Err: fmt.Errorf("tab %s not found", id)}
	}
	delete(s.tabs, id)
	if surf, sok := s.surfaces[t.surface]; sok {
		surf.order = removeID(surf.order, id)
	}
	return nil
}

// QueryTabs lists live tabs of one surface in creation order. Crashed tabs
// are omitted rather than reported.
func (s *Surface) QueryTabs(_ context.Context, id resolver.SurfaceID) ([]resolver.TabInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	surf, ok := s.surfaces[id]
	if !ok || surf.closed {
		return nil, &resolver.SurfaceError{Op: "query tabs", Err: fmt.Errorf("surface %s not found", id)}
	}
	infos := make([]resolver.TabInfo, 0, len(surf.order))
	for _, tabID := range surf.order {
		t, tok := s.tabs[tabID]
		if !tok || t.gone {
			continue
		}
		infos = append(infos, s.infoLocked(t))
	}
	return infos, nil
}

// QueryAllTabs lists every live tab across all surfaces.
func (s *Surface) QueryAllTabs(_ context.Context) ([]resolver.TabInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []resolver.TabInfo
	for _, surf := range s.surfaces {
		if surf.closed {
			continue
		}
		for _, tabID := range surf.order {
			t, ok := s.tabs[tabID]
			if !ok || t.gone {
				continue
			}
			infos = append(infos, s.infoLocked(t))
		}
	}
	return infos, nil
}

// GetSurface errors when the surface is closed or unknown.
func (s *Surface) GetSurface(_ context.Context, id resolver.SurfaceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	surf, ok := s.surfaces[id]
	if !ok || surf.closed {
		return &resolver.SurfaceError{Op: "get surface", Err: fmt.Errorf("surface %s not found", id)}
	}
	return nil
}

// RemoveSurface closes a surface and its tabs.
func (s *Surface) RemoveSurface(_ context.Context, id resolver.SurfaceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	surf, ok := s.surfaces[id]
	if !ok {
		return &resolver.SurfaceError{Op: "remove surface", Err: fmt.Errorf("surface %s not found", id)}
	}
	for _, tabID := range surf.order {
		delete(s.tabs, tabID)
	}
	delete(s.surfaces, id)
	return nil
}

func (s *Surface) infoLocked(t *tab) resolver.TabInfo {
	return resolver.TabInfo{ID: t.id, Surface: t.surface, URL: t.url, Loaded: t.loaded}
}

func removeID(order []resolver.TabID, id resolver.TabID) []resolver.TabID {
	out := order[:0]
	for _, t := range order {
		if t != id {
			out = append(out, t)
		}
	}
	return out
}

// Test controls below. They drive the fake from outside the scheduler.

// SetAutoLoad marks all future navigations as immediately loaded.
func (s *Surface) SetAutoLoad(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoLoad = v
}

// SetTabLimit caps the number of tabs per surface; 0 means unlimited.
func (s *Surface) SetTabLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabLimit = n
}

// FailUpdates makes every UpdateTab call fail until reset.
func (s *Surface) FailUpdates(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = v
}

// CompleteTab marks a tab loaded, optionally at a redirected URL.
func (s *Surface) CompleteTab(id resolver.TabID, finalURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[id]
	if !ok {
		return
	}
	if finalURL != "" {
		t.url = finalURL
	}
	t.loaded = true
}

// SetTabURL changes a tab's reported URL without touching its loaded flag.
func (s *Surface) SetTabURL(id resolver.TabID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tabs[id]; ok {
		t.url = url
	}
}

// CrashTab makes a tab disappear from queries, as a crashed renderer would.
func (s *Surface) CrashTab(id resolver.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tabs[id]; ok {
		t.gone = true
	}
}

// CloseSurface simulates the user closing the window; queries start failing
// but the surface entry remains until RemoveSurface.
func (s *Surface) CloseSurface(id resolver.SurfaceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if surf, ok := s.surfaces[id]; ok {
		surf.closed = true
	}
}

// TabIDs returns the live tab IDs of a surface in creation order.
func (s *Surface) TabIDs(id resolver.SurfaceID) []resolver.TabID {
	s.mu.Lock()
	defer s.mu.Unlock()
	surf, ok := s.surfaces[id]
	if !ok {
		return nil
	}
	var ids []resolver.TabID
	for _, tabID := range surf.order {
		if t, tok := s.tabs[tabID]; tok && !t.gone {
			ids = append(ids, tabID)
		}
	}
	return ids
}

// SurfaceIDs returns all surface IDs, including closed ones.
func (s *Surface) SurfaceIDs() []resolver.SurfaceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]resolver.SurfaceID, 0, len(s.surfaces))
	for id := range s.surfaces {
		ids = append(ids, id)
	}
	return ids
}
