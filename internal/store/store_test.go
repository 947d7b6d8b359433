package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(NewMemoryBackend(), nil, Options{TimeoutHorizon: 2 * time.Hour})
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "inc-1", models.StageDetection, map[string]string{"severity": "high"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, created.Status)
	assert.Equal(t, models.StageDetection, created.CurrentStage)
	assert.Equal(t, created.CreatedAt.Add(2*time.Hour), created.TimeoutAt)

	got, err := s.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, created.IncidentID, got.IncidentID)
	assert.Equal(t, created.Metadata, got.Metadata)

	// Repeated reads with no intervening mutation are identical.
	again, err := s.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", models.StageDetection, nil)
	require.NoError(t, err)

	_, err = s.Create(ctx, "inc-1", models.StageDetection, nil)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMergesAndBumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "inc-1", models.StageDetection, map[string]string{"severity": "low"})
	require.NoError(t, err)

	later := created.UpdatedAt.Add(time.Minute)
	s.now = func() time.Time { return later }

	timedOut := models.StatusTimedOut
	updated, err := s.Update(ctx, "inc-1", UpdateFields{
		Status:   &timedOut,
		Metadata: map[string]string{"reason": "deadline"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimedOut, updated.Status)
	assert.Equal(t, "low", updated.Metadata["severity"])
	assert.Equal(t, "deadline", updated.Metadata["reason"])
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	_, err = s.Update(ctx, "missing", UpdateFields{Status: &timedOut})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", models.StageDetection, nil)
	require.NoError(t, err)

	tr, err := s.Transition(ctx, "inc-1", models.StageAnalysis)
	require.NoError(t, err)
	assert.Equal(t, models.StageDetection, tr.From)
	assert.Equal(t, models.StageAnalysis, tr.To)

	got, err := s.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageAnalysis, got.CurrentStage)

	// The predecessor appears exactly once even after a repeat transition.
	_, err = s.Transition(ctx, "inc-1", models.StageAnalysis)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "inc-1", models.StageApproval)
	require.NoError(t, err)

	got, err = s.Get(ctx, "inc-1")
	require.NoError(t, err)
	occurrences := 0
	for _, stage := range got.StagesCompleted {
		if stage == models.StageAnalysis {
			occurrences++
		}
	}
	assert.Equal(t, 1, occurrences)
	assert.False(t, got.StageCompletions[models.StageAnalysis].IsZero())
}

func TestTransitionRejectedOnTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", models.StageDetection, nil)
	require.NoError(t, err)

	timedOut := models.StatusTimedOut
	_, err = s.Update(ctx, "inc-1", UpdateFields{Status: &timedOut})
	require.NoError(t, err)

	_, err = s.Transition(ctx, "inc-1", models.StageAnalysis)
	require.ErrorIs(t, err, ErrTerminal)
}

func TestWorkflowDocumentFlattensStageTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", models.StageDetection, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "inc-1", models.StageAnalysis)
	require.NoError(t, err)

	raw, err := s.backend.Get(ctx, keyPrefix+"inc-1")
	require.NoError(t, err)

	doc := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "stage_detection_completed_at")
	assert.Contains(t, doc, "incident_id")
}

type flakyBackend struct {
	*MemoryBackend
	failures int
}

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return f.MemoryBackend.Get(ctx, key)
}

func TestGetRetriesTransientFailures(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 2}
	s := New(backend, nil, Options{MaxRetries: 2, RetryDelay: time.Millisecond})
	ctx := context.Background()

	_, err := s.Create(ctx, "inc-1", models.StageDetection, nil)
	require.NoError(t, err)

	got, err := s.Get(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "inc-1", got.IncidentID)
}

func TestGetDoesNotRetryNotFound(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	s := New(backend, nil, Options{MaxRetries: 5, RetryDelay: time.Second})

	start := time.Now()
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), time.Second)
}
