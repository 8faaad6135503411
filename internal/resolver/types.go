// Package resolver defines the domain types and interfaces shared by the
// resolution scheduler and its collaborators.
package resolver

import "time"

// Phase enumerates the scheduler run states.
type Phase string

// Run phases. Idle is both the initial and final state; Done, Aborted and
// Error are terminal for a run and auto-reset to Idle shortly after.
const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseOpened     Phase = "opened"
	PhaseWaiting    Phase = "waiting"
	PhasePolling    Phase = "polling"
	PhaseWarning    Phase = "warning"
	PhaseCompleting Phase = "completing"
	PhaseDone       Phase = "done"
	PhaseAborted    Phase = "aborted"
	PhaseError      Phase = "error"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseAborted, PhaseError:
		return true
	default:
		return false
	}
}

// SurfaceID identifies a render-surface window owned by a run.
type SurfaceID string

// TabID identifies a single tab within a render surface.
type TabID string

// TabInfo is the observable state of one tab as reported by the surface.
type TabInfo struct {
	ID      TabID
	Surface SurfaceID
	URL     string
	Loaded  bool
}

// Snapshot is an immutable view of scheduler status, republished after every
// state-changing event. Counts obey resolved + active + queued == total while
// a run is in flight.
type Snapshot struct {
	RunID           string    `json:"run_id,omitempty"`
	Phase           Phase     `json:"phase"`
	Message         string    `json:"message"`
	Total           int       `json:"total"`
	Completed       int       `json:"completed"`
	Active          int       `json:"active"`
	Queued          int       `json:"queued"`
	ActiveLinks     []string  `json:"active_links,omitempty"`
	LastErrorSample string    `json:"last_error_sample,omitempty"`
	At              time.Time `json:"at"`
}

// RunRecord is the persisted outcome of one resolution run.
type RunRecord struct {
	ID         string
	Phase      Phase
	Total      int
	Completed  int
	Resolved   []string
	ErrorText  string
	StartedAt  time.Time
	FinishedAt time.Time
}
