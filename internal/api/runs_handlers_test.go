package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dataimport/internal/storage/memory"
	"github.com/JakeFAU/dataimport/internal/store"
)

type failingRuns struct {
	*memory.RunStore
}

func (failingRuns) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, errors.New("db down")
}

func seedRuns(t *testing.T, runs *memory.RunStore) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	older := uuid.New()
	newer := uuid.New()
	require.NoError(t, runs.UpsertRunStart(ctx, older, "acme", base))
	require.NoError(t, runs.UpsertRunStart(ctx, newer, "acme", base.Add(time.Hour)))

	code := 200
	require.NoError(t, runs.CompleteRun(ctx, older, store.Completion{
		FinishedAt: base.Add(time.Minute),
		Status:     store.RunSuccess,
		Host:       "cluster1.example.com",
		StatusCode: &code,
	}))
	require.NoError(t, runs.RecordStep(ctx, store.Step{
		RunID:      older,
		Name:       "archive",
		FinishedAt: base.Add(10 * time.Second),
		Duration:   1500 * time.Millisecond,
		Bytes:      2048,
	}))
	return older, newer
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	older, newer := seedRuns(t, env.runs)
	h := env.server.Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	require.Equal(t, newer, body.Runs[0].ID)
	require.Equal(t, older, body.Runs[1].ID)

	rec = do(t, h, http.MethodGet, "/v1/runs?status=succeeded&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body.Runs = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, older, body.Runs[0].ID)

	rec = do(t, h, http.MethodGet, "/v1/runs?status=error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	h := env.server.Handler()
	for _, target := range []string{
		"/v1/runs?limit=0",
		"/v1/runs?limit=abc",
		"/v1/runs?offset=-1",
		"/v1/runs?status=paused",
	} {
		rec := do(t, h, http.MethodGet, target, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestListRunsRepositoryFailure(t *testing.T) {
	t.Parallel()

	rec := do(t, runsRouter(failingRuns{memory.NewRunStore()}), http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig())
	older, _ := seedRuns(t, env.runs)
	h := env.server.Handler()

	rec := do(t, h, http.MethodGet, "/v1/runs/"+older.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run   store.Run `json:"run"`
		Steps []stepDTO `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, store.RunSuccess, body.Run.Status)
	require.Equal(t, "cluster1.example.com", body.Run.Host)
	require.Len(t, body.Steps, 1)
	require.Equal(t, "archive", body.Steps[0].Name)
	require.EqualValues(t, 1500, body.Steps[0].DurationMs)
	require.EqualValues(t, 2048, body.Steps[0].Bytes)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/"+uuid.NewString(), "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/runs/not-a-uuid", "").Code)
}

func TestRunsWithoutRepository(t *testing.T) {
	t.Parallel()

	h := runsRouter(nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/runs", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/runs/"+uuid.NewString(), "").Code)
}

func runsRouter(repo store.RunRepository) http.Handler {
	clock := fakeClock{}
	return NewServer(memory.NewJobStore(clock), failingEnqueuer{}, &fakeIDGen{}, clock, testConfig(), nil, repo).Handler()
}
