package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/forumvine/linkresolver/internal/resolver"
)

func TestRecordRunUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(5 * time.Minute)

	rec := resolver.RunRecord{
		ID:         "run-uuid",
		Phase:      resolver.PhaseDone,
		Total:      3,
		Completed:  3,
		Resolved:   []string{"https://forums.spacebattles.com/threads/t.1/#post-1"},
		StartedAt:  started,
		FinishedAt: finished,
	}

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(
			rec.ID,
			string(rec.Phase),
			rec.Total,
			rec.Completed,
			[]byte(`["https://forums.spacebattles.com/threads/t.1/#post-1"]`),
			"",
			started,
			finished,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRun(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	rows := pgxmock.NewRows([]string{
		"id", "phase", "total", "completed", "resolved", "error_text", "started_at", "finished_at",
	}).AddRow(
		"run-uuid", "done", 2, 2, []byte(`["a","b"]`), "", started, finished,
	)
	mock.ExpectQuery("SELECT id, phase, total").WithArgs("run-uuid").WillReturnRows(rows)

	rec, err := store.GetRun(context.Background(), "run-uuid")
	require.NoError(t, err)
	require.Equal(t, resolver.PhaseDone, rec.Phase)
	require.Equal(t, []string{"a", "b"}, rec.Resolved)
	require.Equal(t, 2, rec.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"id", "phase", "total", "completed", "resolved", "error_text", "started_at", "finished_at",
	})
	mock.ExpectQuery("SELECT id, phase, total").WithArgs("nope").WillReturnRows(rows)

	_, err = store.GetRun(context.Background(), "nope")
	require.ErrorIs(t, err, resolver.ErrRunNotFound)
}

func TestNewRunStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "bad-table;drop")
	require.Error(t, err)

	_, err = NewRunStoreWithPool(nil, "runs")
	require.Error(t, err)
}
