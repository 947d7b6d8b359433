package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sentinelstack/sentinel-soar/internal/models"
	"github.com/sentinelstack/sentinel-soar/internal/utils"
)

var (
	// ErrNotFound signals that no workflow exists for the incident id.
	// Callers branch on it; routine absence is not a failure.
	ErrNotFound = errors.New("workflow not found")
	// ErrAlreadyExists signals a duplicate create for an incident id.
	ErrAlreadyExists = errors.New("workflow already exists")
	// ErrTerminal signals a transition attempt on a completed, timed out
	// or failed workflow.
	ErrTerminal = errors.New("workflow in terminal status")
)

const keyPrefix = "workflow:"

// Options tunes store behaviour.
type Options struct {
	// TimeoutHorizon is added to the creation time to produce timeout_at.
	TimeoutHorizon time.Duration
	// MaxRetries bounds retry attempts for transient backend failures.
	MaxRetries int
	// RetryDelay is the initial backoff delay, doubled per attempt.
	RetryDelay time.Duration
}

// Store provides durable CRUD over workflow documents. It is the only
// component touching external storage; transient backend failures are
// retried with exponential backoff before surfacing.
type Store struct {
	backend Backend
	logger  *slog.Logger

	horizon    time.Duration
	maxRetries int
	retryDelay time.Duration

	now func() time.Time
}

// New constructs a workflow store over the given backend.
func New(backend Backend, logger *slog.Logger, opts Options) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TimeoutHorizon <= 0 {
		opts.TimeoutHorizon = 2 * time.Hour
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	return &Store{
		backend:    backend,
		logger:     logger,
		horizon:    opts.TimeoutHorizon,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		now:        time.Now,
	}
}

// Create writes a new workflow for the incident, failing with
// ErrAlreadyExists when a record is already present.
func (s *Store) Create(ctx context.Context, incidentID string, initialStage models.Stage, metadata map[string]string) (models.Workflow, error) {
	if incidentID == "" {
		return models.Workflow{}, utils.NewAppError("store.create", "incident id is required", nil)
	}

	now := s.now().UTC()
	workflow := models.Workflow{
		IncidentID:       incidentID,
		Status:           models.StatusActive,
		CurrentStage:     initialStage,
		StagesCompleted:  []models.Stage{},
		CreatedAt:        now,
		UpdatedAt:        now,
		TimeoutAt:        now.Add(s.horizon),
		Metadata:         metadata,
		StageCompletions: map[models.Stage]time.Time{},
	}

	payload, err := json.Marshal(workflow)
	if err != nil {
		return models.Workflow{}, utils.NewAppError("store.create", "encode workflow", err)
	}

	var created bool
	err = s.withRetry(ctx, "store.create", func() error {
		var setErr error
		created, setErr = s.backend.SetNX(ctx, keyPrefix+incidentID, payload)
		return setErr
	})
	if err != nil {
		return models.Workflow{}, err
	}
	if !created {
		return models.Workflow{}, ErrAlreadyExists
	}
	return workflow, nil
}

// Get returns the workflow for the incident id or ErrNotFound.
func (s *Store) Get(ctx context.Context, incidentID string) (models.Workflow, error) {
	var payload []byte
	err := s.withRetry(ctx, "store.get", func() error {
		var getErr error
		payload, getErr = s.backend.Get(ctx, keyPrefix+incidentID)
		return getErr
	})
	if errors.Is(err, ErrKeyNotFound) {
		return models.Workflow{}, ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}

	var workflow models.Workflow
	if err := json.Unmarshal(payload, &workflow); err != nil {
		return models.Workflow{}, utils.NewAppError("store.get", "decode workflow", err)
	}
	return workflow, nil
}

// UpdateFields carries a partial update; nil fields are left untouched and
// metadata entries are merged into the existing map.
type UpdateFields struct {
	Status       *models.WorkflowStatus
	CurrentStage *models.Stage
	Metadata     map[string]string
}

// Update merges the given fields into the workflow and bumps updated_at.
func (s *Store) Update(ctx context.Context, incidentID string, fields UpdateFields) (models.Workflow, error) {
	workflow, err := s.Get(ctx, incidentID)
	if err != nil {
		return models.Workflow{}, err
	}

	if fields.Status != nil {
		workflow.Status = *fields.Status
	}
	if fields.CurrentStage != nil {
		workflow.CurrentStage = *fields.CurrentStage
	}
	if len(fields.Metadata) > 0 {
		if workflow.Metadata == nil {
			workflow.Metadata = make(map[string]string, len(fields.Metadata))
		}
		for k, v := range fields.Metadata {
			workflow.Metadata[k] = v
		}
	}
	workflow.UpdatedAt = s.now().UTC()

	if err := s.put(ctx, "store.update", workflow); err != nil {
		return models.Workflow{}, err
	}
	return workflow, nil
}

// Transition appends the current stage to the completed list (deduplicated),
// records its completion timestamp, moves the workflow to the next stage and
// bumps updated_at.
func (s *Store) Transition(ctx context.Context, incidentID string, next models.Stage) (models.Transition, error) {
	workflow, err := s.Get(ctx, incidentID)
	if err != nil {
		return models.Transition{}, err
	}
	if workflow.Status.Terminal() {
		return models.Transition{}, ErrTerminal
	}

	now := s.now().UTC()
	previous := workflow.CurrentStage
	if !workflow.HasCompleted(previous) {
		workflow.StagesCompleted = append(workflow.StagesCompleted, previous)
	}
	if workflow.StageCompletions == nil {
		workflow.StageCompletions = make(map[models.Stage]time.Time)
	}
	workflow.StageCompletions[previous] = now
	workflow.CurrentStage = next
	workflow.UpdatedAt = now

	if err := s.put(ctx, "store.transition", workflow); err != nil {
		return models.Transition{}, err
	}
	return models.Transition{IncidentID: incidentID, From: previous, To: next, At: now}, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) put(ctx context.Context, op string, workflow models.Workflow) error {
	payload, err := json.Marshal(workflow)
	if err != nil {
		return utils.NewAppError(op, "encode workflow", err)
	}
	return s.withRetry(ctx, op, func() error {
		return s.backend.Set(ctx, keyPrefix+workflow.IncidentID, payload)
	})
}

// withRetry runs op, retrying transient backend failures with exponential
// backoff. ErrKeyNotFound is a definitive answer, never retried.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.retryDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrKeyNotFound) {
			return err
		}
		if attempt >= s.maxRetries {
			break
		}
		s.logger.Warn("store operation failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return utils.NewAppError(op, "backend unavailable", err)
}
