package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/inbox-router/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore(0)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.StartRun(ctx, store.Run{ID: id, UserEmail: "ops@co.com", MaxResults: 5, StartedAt: started}))
	require.NoError(t, s.UpdateCounters(ctx, id, 5, 2))

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
	require.Equal(t, 5, run.TotalItems)
	require.Equal(t, 2, run.Processed)

	msg := "connection lost"
	finished := started.Add(time.Minute)
	require.NoError(t, s.FinishRun(ctx, id, finished, store.RunError, 1, &msg))

	// counters are frozen once finished
	require.NoError(t, s.UpdateCounters(ctx, id, 9, 9))

	run, err = s.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.Equal(t, 2, run.Processed)
	require.Equal(t, 5, run.TotalItems)
	require.Equal(t, finished, *run.FinishedAt)
	require.Equal(t, "connection lost", *run.ErrorMessage)

	*run.ErrorMessage = "mutated"
	again, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "connection lost", *again.ErrorMessage)
}

func TestRunStoreNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore(0)
	_, err := s.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.UpdateCounters(ctx, uuid.New(), 1, 1), store.ErrNotFound)
	require.ErrorIs(t, s.FinishRun(ctx, uuid.New(), time.Now(), store.RunComplete, 0, nil), store.ErrNotFound)
}

func TestRunStoreListOrderingAndPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore(0)
	base := time.Unix(1700000000, 0).UTC()
	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.StartRun(ctx, store.Run{ID: ids[i], UserEmail: "a@b.c", MaxResults: 1, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, s.FinishRun(ctx, ids[1], base.Add(time.Hour), store.RunComplete, 1, nil))

	all, err := s.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, ids[3], all[0].ID)
	require.Equal(t, ids[0], all[3].ID)

	page, err := s.ListRuns(ctx, nil, 2, 1)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[2], ids[1]}, []uuid.UUID{page[0].ID, page[1].ID})

	complete := store.RunComplete
	done, err := s.ListRuns(ctx, &complete, 10, 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, ids[1], done[0].ID)

	empty, err := s.ListRuns(ctx, nil, 10, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestRunStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore(2)
	base := time.Unix(1700000000, 0).UTC()
	first, second, third := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, s.StartRun(ctx, store.Run{ID: first, StartedAt: base}))
	require.NoError(t, s.StartRun(ctx, store.Run{ID: second, StartedAt: base.Add(time.Second)}))
	require.NoError(t, s.StartRun(ctx, store.Run{ID: third, StartedAt: base.Add(2 * time.Second)}))

	_, err := s.GetRun(ctx, first)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRun(ctx, third)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
}
