package models

import "time"

// Severity captures impact levels assigned by detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident is a detected security event requiring response. Incidents are
// owned by the detection agent and are read-only to the orchestrator.
type Incident struct {
	ID         string           `json:"id"`
	Severity   Severity         `json:"severity"`
	DetectedAt time.Time        `json:"detected_at"`
	Metadata   IncidentMetadata `json:"metadata"`
}

// IncidentMetadata carries detection context used for prioritisation.
type IncidentMetadata struct {
	Actor             string   `json:"actor,omitempty"`
	SourceIP          string   `json:"source_ip,omitempty"`
	AffectedResources []string `json:"affected_resources,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
	AnomalyType       string   `json:"anomaly_type,omitempty"`
}

// Age returns how long the incident has been open at the given instant.
func (i Incident) Age(at time.Time) time.Duration {
	if i.DetectedAt.IsZero() || at.Before(i.DetectedAt) {
		return 0
	}
	return at.Sub(i.DetectedAt)
}
