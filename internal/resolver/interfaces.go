package resolver

import (
	"context"
	"time"
)

// LinkSource produces the ordered sequence of permalink URLs for one run.
type LinkSource interface {
	FetchLinks(ctx context.Context) ([]string, error)
}

// Surface is the render-surface binding: a capability set over browser
// windows and tabs. The scheduler treats it as an unreliable resource pool;
// every call may fail at any time.
type Surface interface {
	// CreateSurface allocates a new window showing firstURL and returns its ID.
	CreateSurface(ctx context.Context, firstURL, mode string) (SurfaceID, error)
	// CreateTab opens an additional tab in the surface.
	CreateTab(ctx context.Context, id SurfaceID, url string) (TabID, error)
	// UpdateTab repoints an existing tab and returns its new state.
	UpdateTab(ctx context.Context, id TabID, url string) (TabInfo, error)
	// RemoveTab closes a tab. Callers may ignore the error.
	RemoveTab(ctx context.Context, id TabID) error
	// QueryTabs lists the tabs of one surface in creation order.
	QueryTabs(ctx context.Context, id SurfaceID) ([]TabInfo, error)
	// QueryAllTabs lists every tab across all surfaces.
	QueryAllTabs(ctx context.Context) ([]TabInfo, error)
	// GetSurface errors when the surface no longer exists.
	GetSurface(ctx context.Context, id SurfaceID) error
	// RemoveSurface closes a surface and all of its tabs.
	RemoveSurface(ctx context.Context, id SurfaceID) error
}

// Reporter submits the resolved set to the remote collector once per run.
type Reporter interface {
	Submit(ctx context.Context, runID string, resolved []string) error
}

// StatusPublisher broadcasts scheduler snapshots. Publish must never block
// and must never fail the caller.
type StatusPublisher interface {
	Publish(Snapshot)
}

// RunStore persists run outcomes for later retrieval.
type RunStore interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
