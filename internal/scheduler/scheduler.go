// Package scheduler is the orchestration core: it admits incidents under a
// concurrency cap, queues the overflow by priority, drives stage
// transitions off worker callbacks and recovers stuck workflows with a
// periodic sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-soar/internal/agents"
	"github.com/sentinelstack/sentinel-soar/internal/bus"
	"github.com/sentinelstack/sentinel-soar/internal/metrics"
	"github.com/sentinelstack/sentinel-soar/internal/models"
	"github.com/sentinelstack/sentinel-soar/internal/store"
	"github.com/sentinelstack/sentinel-soar/internal/triage"
)

// Config bounds scheduler behaviour.
type Config struct {
	MaxConcurrentWorkflows int
	MaxPendingQueue        int
	StallThreshold         time.Duration
	AutoApproveThreshold   float64
	SweepInterval          time.Duration
}

// EmergencyHandler intercepts oversized detection batches before normal
// admission. It reports whether the batch was taken over.
type EmergencyHandler interface {
	HandleDetectionBatch(ctx context.Context, incidents []models.Incident) bool
}

// Scheduler owns the active workflow set and the pending queue. A single
// instance runs per process.
type Scheduler struct {
	cfg        Config
	logger     *slog.Logger
	store      *store.Store
	scorer     *triage.Scorer
	dispatcher agents.Dispatcher
	emergency  EmergencyHandler

	mu      sync.Mutex
	active  map[string]struct{}
	pending *pendingQueue

	locks *keyedMutex
	now   func() time.Time
}

// New constructs a scheduler. The emergency handler is optional and wired
// separately to break the construction cycle with the coordinator.
func New(cfg Config, logger *slog.Logger, st *store.Store, scorer *triage.Scorer, dispatcher agents.Dispatcher) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 5
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Scheduler{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		scorer:     scorer,
		dispatcher: dispatcher,
		active:     make(map[string]struct{}),
		pending:    newPendingQueue(),
		locks:      newKeyedMutex(),
		now:        time.Now,
	}
}

// SetEmergencyHandler wires the coordinator's emergency path.
func (s *Scheduler) SetEmergencyHandler(h EmergencyHandler) {
	s.emergency = h
}

// AdmitOrQueue admits the incident when capacity allows, otherwise queues
// it. Backpressure never drops an incident unless the bounded queue is full
// of higher-priority work.
func (s *Scheduler) AdmitOrQueue(ctx context.Context, incident models.Incident) error {
	if incident.ID == "" {
		return fmt.Errorf("incident id is required")
	}

	priority := s.scorer.ScoreAt(incident, s.now())

	s.mu.Lock()
	if _, dup := s.active[incident.ID]; dup {
		s.mu.Unlock()
		s.logger.Warn("incident already active, ignoring", slog.String("incident_id", incident.ID))
		return nil
	}

	if len(s.active) < s.cfg.MaxConcurrentWorkflows {
		s.active[incident.ID] = struct{}{}
		metrics.SetActiveWorkflows(len(s.active))
		s.mu.Unlock()

		metrics.IncAdmitted()
		return s.admit(ctx, incident, priority)
	}

	if s.cfg.MaxPendingQueue > 0 && s.pending.Len() >= s.cfg.MaxPendingQueue {
		if min, ok := s.pending.MinPriority(); ok && priority > min {
			evicted, _ := s.pending.EvictLowest()
			metrics.IncQueueDropped()
			s.logger.Warn("pending queue full, evicting lowest-priority incident",
				slog.String("evicted_id", evicted.incident.ID),
				slog.Int("evicted_priority", evicted.priority))
		} else {
			s.mu.Unlock()
			metrics.IncQueueDropped()
			return fmt.Errorf("pending queue full, incident %s rejected", incident.ID)
		}
	}

	s.pending.Push(incident, priority, s.now())
	depth := s.pending.Len()
	s.mu.Unlock()

	metrics.IncQueued()
	metrics.SetPendingWorkflows(depth)
	s.logger.Info("incident queued",
		slog.String("incident_id", incident.ID),
		slog.Int("priority", priority),
		slog.Int("queue_depth", depth))
	return nil
}

// HandleStageEvent routes a worker callback through the stage dispatch
// table. Errors never propagate to the bus; they are logged and left to the
// sweep to recover.
func (s *Scheduler) HandleStageEvent(ctx context.Context, event models.StageEvent) {
	switch event.Type {
	case models.EventDetectionComplete:
		s.onDetectionComplete(ctx, event)
	case models.EventAnalysisComplete:
		s.onAnalysisComplete(ctx, event)
	case models.EventRemediationComplete:
		s.onRemediationComplete(ctx, event)
	case models.EventCommunicationComplete:
		s.onCommunicationComplete(ctx, event)
	default:
		s.logger.Warn("unknown stage event type", slog.String("type", string(event.Type)))
	}
}

// Run subscribes to the event bus and drives the periodic sweep until the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context, eventBus bus.Bus) error {
	if err := eventBus.Subscribe(ctx, s.HandleStageEvent); err != nil {
		return fmt.Errorf("subscribe stage events: %w", err)
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep checks every active workflow for timeout or stall, then drains the
// pending queue into free capacity. A malformed or missing record never
// aborts the rest of the pass.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	for _, incidentID := range s.ActiveIncidents() {
		workflow, err := s.store.Get(ctx, incidentID)
		if err != nil {
			s.logger.Warn("sweep: workflow fetch failed",
				slog.String("incident_id", incidentID),
				slog.Any("error", err))
			continue
		}

		switch {
		case workflow.Status.Terminal():
			// A terminal record still in the active set means a crash
			// between persist and release; free the slot.
			s.releaseSlot(incidentID)
		case now.After(workflow.TimeoutAt):
			s.timeoutWorkflow(ctx, incidentID)
		case now.Sub(workflow.UpdatedAt) > s.cfg.StallThreshold:
			s.recoverStalled(ctx, incidentID, workflow.CurrentStage)
		}
	}

	s.drain(ctx)
}

// ActiveIncidents returns a sorted snapshot of admitted incident ids.
func (s *Scheduler) ActiveIncidents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount returns the active-set size.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// PendingCount returns the pending-queue depth.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *Scheduler) onDetectionComplete(ctx context.Context, event models.StageEvent) {
	batch := event.Results.Incidents
	if len(batch) == 0 {
		s.logger.Debug("detection batch empty", slog.String("event_id", event.ID))
		return
	}

	if s.emergency != nil && s.emergency.HandleDetectionBatch(ctx, batch) {
		return
	}

	for _, incident := range batch {
		if err := s.AdmitOrQueue(ctx, incident); err != nil {
			s.logger.Warn("admission failed",
				slog.String("incident_id", incident.ID),
				slog.Any("error", err))
		}
	}
}

func (s *Scheduler) onAnalysisComplete(ctx context.Context, event models.StageEvent) {
	incidentID := event.IncidentID
	if !s.guardActive(incidentID, event.Type) {
		return
	}

	s.locks.Lock(incidentID)
	defer s.locks.Unlock(incidentID)

	if _, err := s.store.Transition(ctx, incidentID, models.StageApproval); err != nil {
		s.logger.Error("transition to approval failed",
			slog.String("incident_id", incidentID),
			slog.Any("error", err))
		return
	}

	confidence := event.Results.Confidence
	if confidence >= s.cfg.AutoApproveThreshold {
		if _, err := s.store.Transition(ctx, incidentID, models.StageRemediation); err != nil {
			s.logger.Error("transition to remediation failed",
				slog.String("incident_id", incidentID),
				slog.Any("error", err))
			return
		}
		s.dispatch(ctx, agents.NewDispatchRequest(models.AgentRemediation, "remediate", incidentID, map[string]any{
			"confidence":    confidence,
			"auto_approved": true,
		}))
		return
	}

	// Below the threshold the workflow holds at Approval pending an
	// external decision; only the approval request goes out.
	s.dispatch(ctx, agents.NewDispatchRequest(models.AgentCommunication, "notify", incidentID, map[string]any{
		"kind":       "approval_request",
		"confidence": confidence,
	}))
}

func (s *Scheduler) onRemediationComplete(ctx context.Context, event models.StageEvent) {
	incidentID := event.IncidentID
	if !s.guardActive(incidentID, event.Type) {
		return
	}

	s.locks.Lock(incidentID)
	defer s.locks.Unlock(incidentID)

	if _, err := s.store.Transition(ctx, incidentID, models.StageCommunication); err != nil {
		s.logger.Error("transition to communication failed",
			slog.String("incident_id", incidentID),
			slog.Any("error", err))
		return
	}

	s.dispatch(ctx, agents.NewDispatchRequest(models.AgentCommunication, "notify", incidentID, map[string]any{
		"kind":    "remediation_summary",
		"summary": event.Results.Summary,
		"actions": event.Results.Actions,
	}))
}

func (s *Scheduler) onCommunicationComplete(ctx context.Context, event models.StageEvent) {
	incidentID := event.IncidentID
	if !s.guardActive(incidentID, event.Type) {
		return
	}

	s.locks.Lock(incidentID)
	if _, err := s.store.Transition(ctx, incidentID, models.StageCompleted); err != nil {
		s.logger.Error("transition to completed failed",
			slog.String("incident_id", incidentID),
			slog.Any("error", err))
	} else {
		completed := models.StatusCompleted
		if _, err := s.store.Update(ctx, incidentID, store.UpdateFields{Status: &completed}); err != nil {
			s.logger.Error("completion status update failed",
				slog.String("incident_id", incidentID),
				slog.Any("error", err))
		}
	}
	s.locks.Unlock(incidentID)

	s.releaseSlot(incidentID)
	s.logger.Info("workflow completed", slog.String("incident_id", incidentID))
	s.drain(ctx)
}

// admit creates the workflow, moves it to Analysis and dispatches the
// analysis agent. The caller has already reserved the capacity slot.
func (s *Scheduler) admit(ctx context.Context, incident models.Incident, priority int) error {
	incidentID := incident.ID
	s.locks.Lock(incidentID)
	defer s.locks.Unlock(incidentID)

	metadata := map[string]string{
		"severity": string(incident.Severity),
		"priority": strconv.Itoa(priority),
	}
	if incident.Metadata.AnomalyType != "" {
		metadata["anomaly_type"] = incident.Metadata.AnomalyType
	}
	if incident.Metadata.SourceIP != "" {
		metadata["source_ip"] = incident.Metadata.SourceIP
	}

	if _, err := s.store.Create(ctx, incidentID, models.StageDetection, metadata); err != nil {
		s.releaseSlot(incidentID)
		if errors.Is(err, store.ErrAlreadyExists) {
			s.logger.Warn("workflow already exists for incident", slog.String("incident_id", incidentID))
		}
		return err
	}

	if _, err := s.store.Transition(ctx, incidentID, models.StageAnalysis); err != nil {
		// The record stays at Detection; the sweep's stall path will pick
		// it up rather than rolling back the admission.
		s.logger.Error("transition to analysis failed",
			slog.String("incident_id", incidentID),
			slog.Any("error", err))
	}

	s.dispatch(ctx, agents.NewDispatchRequest(models.AgentAnalysis, "analyze", incidentID, map[string]any{
		"incident": incident,
	}))

	s.logger.Info("workflow admitted",
		slog.String("incident_id", incidentID),
		slog.Int("priority", priority))
	return nil
}

func (s *Scheduler) timeoutWorkflow(ctx context.Context, incidentID string) {
	s.locks.Lock(incidentID)
	timedOut := models.StatusTimedOut
	if _, err := s.store.Update(ctx, incidentID, store.UpdateFields{Status: &timedOut}); err != nil {
		s.logger.Error("timeout status update failed",
			slog.String("incident_id", incidentID),
			slog.Any("error", err))
	}
	s.locks.Unlock(incidentID)

	s.dispatch(ctx, agents.NewDispatchRequest(models.AgentCommunication, "notify", incidentID, map[string]any{
		"kind":     "timeout_alert",
		"priority": "high",
	}))

	s.releaseSlot(incidentID)
	metrics.IncSweepTimeout()
	s.logger.Warn("workflow timed out", slog.String("incident_id", incidentID))
}

func (s *Scheduler) recoverStalled(ctx context.Context, incidentID string, stage models.Stage) {
	s.locks.Lock(incidentID)
	defer s.locks.Unlock(incidentID)

	switch stage {
	case models.StageAnalysis:
		// Touch the record so the next sweep does not fire again before
		// the re-dispatched analysis has a chance to report.
		if _, err := s.store.Update(ctx, incidentID, store.UpdateFields{
			Metadata: map[string]string{"stall_recovery": "analysis_redispatched"},
		}); err != nil {
			s.logger.Error("stall touch failed",
				slog.String("incident_id", incidentID),
				slog.Any("error", err))
		}
		s.dispatch(ctx, agents.NewDispatchRequest(models.AgentAnalysis, "analyze", incidentID, map[string]any{
			"redispatch": true,
		}))
		metrics.IncSweepStall()
		s.logger.Warn("stalled at analysis, re-dispatching", slog.String("incident_id", incidentID))

	case models.StageRemediation:
		if _, err := s.store.Update(ctx, incidentID, store.UpdateFields{
			Metadata: map[string]string{"remediation_skipped": "stalled"},
		}); err != nil {
			s.logger.Error("stall marker update failed",
				slog.String("incident_id", incidentID),
				slog.Any("error", err))
		}
		if _, err := s.store.Transition(ctx, incidentID, models.StageCommunication); err != nil {
			s.logger.Error("stall transition failed",
				slog.String("incident_id", incidentID),
				slog.Any("error", err))
			return
		}
		s.dispatch(ctx, agents.NewDispatchRequest(models.AgentCommunication, "notify", incidentID, map[string]any{
			"kind":           "remediation_summary",
			"skipped_reason": "stalled",
		}))
		metrics.IncSweepStall()
		s.logger.Warn("stalled at remediation, skipping to communication", slog.String("incident_id", incidentID))

	default:
		s.logger.Debug("workflow stalled at stage with no recovery path",
			slog.String("incident_id", incidentID),
			slog.String("stage", string(stage)))
	}
}

// drain admits queued incidents while capacity allows, highest priority
// first.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.active) >= s.cfg.MaxConcurrentWorkflows || s.pending.Len() == 0 {
			metrics.SetPendingWorkflows(s.pending.Len())
			metrics.SetActiveWorkflows(len(s.active))
			s.mu.Unlock()
			return
		}
		entry, _ := s.pending.PopHighest()
		s.active[entry.incident.ID] = struct{}{}
		s.mu.Unlock()

		metrics.IncAdmitted()
		if err := s.admit(ctx, entry.incident, entry.priority); err != nil {
			s.logger.Warn("queued admission failed",
				slog.String("incident_id", entry.incident.ID),
				slog.Any("error", err))
		}
	}
}

// guardActive rejects callbacks for workflows no longer in the active set,
// the designated no-op path for events arriving after a timeout.
func (s *Scheduler) guardActive(incidentID string, eventType models.StageEventType) bool {
	if incidentID == "" {
		s.logger.Warn("stage event missing incident id", slog.String("type", string(eventType)))
		return false
	}

	s.mu.Lock()
	_, ok := s.active[incidentID]
	s.mu.Unlock()
	if !ok {
		metrics.IncStaleEvent()
		s.logger.Warn("stage event for inactive workflow ignored",
			slog.String("incident_id", incidentID),
			slog.String("type", string(eventType)))
	}
	return ok
}

func (s *Scheduler) releaseSlot(incidentID string) {
	s.mu.Lock()
	delete(s.active, incidentID)
	metrics.SetActiveWorkflows(len(s.active))
	s.mu.Unlock()
}

// dispatch forwards to the worker boundary; a failed dispatch is logged and
// the workflow is left where it is for the stall detector to recover.
func (s *Scheduler) dispatch(ctx context.Context, req agents.DispatchRequest) {
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		s.logger.Error("dispatch failed",
			slog.String("agent", string(req.Agent)),
			slog.String("event", req.Event),
			slog.String("incident_id", req.IncidentID),
			slog.Any("error", err))
	}
}
