package models

import "time"

// StageEventType enumerates the callback vocabulary worker agents use to
// report stage completion back to the scheduler.
type StageEventType string

const (
	EventDetectionComplete     StageEventType = "detection_complete"
	EventAnalysisComplete      StageEventType = "analysis_complete"
	EventRemediationComplete   StageEventType = "remediation_complete"
	EventCommunicationComplete StageEventType = "communication_complete"
)

// StageEvent is the typed context value carried on the workflow event bus.
// Workers publish these instead of calling back into the scheduler directly.
type StageEvent struct {
	ID         string         `json:"id"`
	Type       StageEventType `json:"type"`
	IncidentID string         `json:"incident_id,omitempty"`
	Results    StageResults   `json:"results"`
	EmittedAt  time.Time      `json:"emitted_at"`
}

// StageResults carries the per-stage outcome payload. Only the fields
// relevant to the event type are populated.
type StageResults struct {
	// Incidents is the detection batch for detection_complete events.
	Incidents []Incident `json:"incidents,omitempty"`
	// Confidence is the analysis confidence used for auto-approval.
	Confidence float64 `json:"confidence,omitempty"`
	// Summary describes the remediation outcome.
	Summary string `json:"summary,omitempty"`
	// Actions lists remediation actions taken.
	Actions []string `json:"actions,omitempty"`
}
