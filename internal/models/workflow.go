package models

import (
	"encoding/json"
	"strings"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow record.
type WorkflowStatus string

const (
	StatusActive    WorkflowStatus = "active"
	StatusPaused    WorkflowStatus = "paused"
	StatusFailed    WorkflowStatus = "failed"
	StatusCompleted WorkflowStatus = "completed"
	StatusTimedOut  WorkflowStatus = "timed_out"
)

// Terminal reports whether no further transitions are permitted.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimedOut, StatusFailed:
		return true
	}
	return false
}

// Stage enumerates the response pipeline stages.
type Stage string

const (
	StageDetection     Stage = "detection"
	StageAnalysis      Stage = "analysis"
	StageApproval      Stage = "approval"
	StageRemediation   Stage = "remediation"
	StageCommunication Stage = "communication"
	StageResolution    Stage = "resolution"
	StageCompleted     Stage = "completed"
)

// Workflow is the persisted state machine instance tracking one incident
// through the response stages. Records are never physically deleted; a
// terminal record doubles as the audit trail for the incident.
type Workflow struct {
	IncidentID      string            `json:"incident_id"`
	Status          WorkflowStatus    `json:"status"`
	CurrentStage    Stage             `json:"current_stage"`
	StagesCompleted []Stage           `json:"stages_completed"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	TimeoutAt       time.Time         `json:"timeout_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	// StageCompletions is serialised as one flattened
	// stage_<name>_completed_at key per completed stage.
	StageCompletions map[Stage]time.Time `json:"-"`
}

// HasCompleted reports whether the given stage already appears in the
// completed list.
func (w Workflow) HasCompleted(stage Stage) bool {
	for _, s := range w.StagesCompleted {
		if s == stage {
			return true
		}
	}
	return false
}

const (
	stageKeyPrefix = "stage_"
	stageKeySuffix = "_completed_at"
)

// MarshalJSON emits the document-store schema: the struct fields plus one
// stage_<name>_completed_at timestamp per completed stage.
func (w Workflow) MarshalJSON() ([]byte, error) {
	type plain Workflow
	base, err := json.Marshal(plain(w))
	if err != nil {
		return nil, err
	}

	if len(w.StageCompletions) == 0 {
		return base, nil
	}

	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, err
	}
	for stage, completedAt := range w.StageCompletions {
		value, err := json.Marshal(completedAt)
		if err != nil {
			return nil, err
		}
		doc[stageKeyPrefix+string(stage)+stageKeySuffix] = value
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores a workflow from the flattened document form.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	type plain Workflow
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		if !strings.HasPrefix(key, stageKeyPrefix) || !strings.HasSuffix(key, stageKeySuffix) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, stageKeyPrefix), stageKeySuffix)
		if name == "" {
			continue
		}
		var completedAt time.Time
		if err := json.Unmarshal(value, &completedAt); err != nil {
			return err
		}
		if decoded.StageCompletions == nil {
			decoded.StageCompletions = make(map[Stage]time.Time)
		}
		decoded.StageCompletions[Stage(name)] = completedAt
	}

	*w = Workflow(decoded)
	return nil
}

// Transition describes a completed stage change.
type Transition struct {
	IncidentID string    `json:"incident_id"`
	From       Stage     `json:"from"`
	To         Stage     `json:"to"`
	At         time.Time `json:"at"`
}
