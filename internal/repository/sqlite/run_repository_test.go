package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwfetch/internal/domain"
	"gwfetch/internal/repository"
)

func newTestRepos(t *testing.T) Repositories {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos, err := NewRepositories(context.Background(), db)
	require.NoError(t, err)
	return repos
}

func sampleRun(id string) *domain.Run {
	return &domain.Run{
		ID:     id,
		Status: domain.RunStatusQueued,
		Request: domain.SegmentRequest{
			Channels: []string{"H1:GDS-CALIB_STRAIN"},
			Ranges:   []domain.TimeRange{{Start: 1000, End: 1010}, {Start: 1010, End: 1020}},
		},
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)

	run := sampleRun("run-a")
	require.NoError(t, repos.Runs.Create(ctx, run))

	got, err := repos.Runs.Get(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, got.Status)
	assert.Equal(t, run.Request, got.Request)
	assert.Nil(t, got.StartedAt)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repos.Runs.MarkStarted(ctx, "run-a", started))
	summary := domain.Summary{Total: 2, Succeeded: 1, Failed: 1}
	require.NoError(t, repos.Runs.MarkFinished(ctx, "run-a", domain.RunStatusCompleted, summary, "", started.Add(time.Minute)))

	got, err = repos.Runs.Get(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, summary, got.Summary)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.StartedAt.Equal(started))
	assert.True(t, got.FinishedAt.Equal(started.Add(time.Minute)))
}

func TestRunNotFound(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)

	_, err := repos.Runs.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repos.Runs.UpdateStatus(ctx, "missing", domain.RunStatusFailed, nil), repository.ErrNotFound)
	assert.ErrorIs(t, repos.Runs.Delete(ctx, "missing"), repository.ErrNotFound)
}

func TestListByStatuses(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)

	require.NoError(t, repos.Runs.Create(ctx, sampleRun("queued")))
	require.NoError(t, repos.Runs.Create(ctx, sampleRun("running")))
	require.NoError(t, repos.Runs.MarkStarted(ctx, "running", time.Now()))
	require.NoError(t, repos.Runs.Create(ctx, sampleRun("done")))
	require.NoError(t, repos.Runs.MarkFinished(ctx, "done", domain.RunStatusCompleted, domain.Summary{}, "", time.Now()))

	runs, err := repos.Runs.ListByStatuses(ctx, domain.RunStatusQueued, domain.RunStatusRunning)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"queued", "running"}, ids)

	all, err := repos.Runs.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTaskOutcomesReplace(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	require.NoError(t, repos.Runs.Create(ctx, sampleRun("run-t")))

	outcomes := []domain.TaskOutcome{
		{Channel: "H1:X", Start: 1000, End: 1010, Status: domain.TaskStatusSucceeded, Attempts: 1,
			Files: []string{"/out/a.gwf", "/out/b.gwf"}},
		{Channel: "H1:X", Start: 1010, End: 1020, Status: domain.TaskStatusFailed, Attempts: 5, ErrorMessage: "size mismatch"},
	}
	require.NoError(t, repos.Tasks.ReplaceForRun(ctx, "run-t", outcomes))
	require.NoError(t, repos.Tasks.ReplaceForRun(ctx, "run-t", outcomes))

	got, err := repos.Tasks.ListByRun(ctx, "run-t")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"/out/a.gwf", "/out/b.gwf"}, got[0].Files)
	assert.Equal(t, domain.TaskStatusFailed, got[1].Status)
	assert.Equal(t, "size mismatch", got[1].ErrorMessage)
	assert.Nil(t, got[1].Files)
}

func TestEventsAppendAndPage(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	require.NoError(t, repos.Runs.Create(ctx, sampleRun("run-e")))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := &domain.Event{RunID: "run-e", Time: at, Level: domain.LevelInfo, Kind: domain.EventFetching,
			Channel: "H1:X", Start: int64(1000 + i*10), End: int64(1010 + i*10), Message: "fetching"}
		require.NoError(t, repos.Events.Append(ctx, ev))
		assert.NotZero(t, ev.ID)
	}
	summary := domain.Summary{Total: 3, Succeeded: 3}
	require.NoError(t, repos.Events.Append(ctx, &domain.Event{RunID: "run-e", Time: at, Level: domain.LevelInfo,
		Kind: domain.EventSummary, Message: "done", Summary: &summary}))

	first, err := repos.Events.ListByRun(ctx, "run-e", 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.True(t, first[0].Time.Equal(at))

	rest, err := repos.Events.ListByRun(ctx, "run-e", first[1].ID, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.NotNil(t, rest[1].Summary)
	assert.Equal(t, summary, *rest[1].Summary)

	require.NoError(t, repos.Runs.Delete(ctx, "run-e"))
	gone, err := repos.Events.ListByRun(ctx, "run-e", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, gone)
}
