package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forumvine/linkresolver/internal/resolver"
)

func TestRunStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()

	_, err := store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, resolver.ErrRunNotFound)

	rec := resolver.RunRecord{
		ID:         "run-1",
		Phase:      resolver.PhaseDone,
		Total:      3,
		Completed:  3,
		Resolved:   []string{"a", "b", "c"},
		StartedAt:  time.Unix(1700000000, 0).UTC(),
		FinishedAt: time.Unix(1700000100, 0).UTC(),
	}
	require.NoError(t, store.RecordRun(ctx, rec))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	// Stored copy is isolated from caller mutation.
	rec.Resolved[0] = "mutated"
	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "a", got.Resolved[0])
}
