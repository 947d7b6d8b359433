package models

import "time"

// AgentKind identifies a worker agent class.
type AgentKind string

const (
	AgentDetection     AgentKind = "detection"
	AgentAnalysis      AgentKind = "analysis"
	AgentRemediation   AgentKind = "remediation"
	AgentCommunication AgentKind = "communication"
)

// AllAgents lists every worker agent class in dispatch order.
func AllAgents() []AgentKind {
	return []AgentKind{AgentDetection, AgentAnalysis, AgentRemediation, AgentCommunication}
}

// AgentStatus is the health state of a worker agent.
type AgentStatus string

const (
	AgentHealthy   AgentStatus = "healthy"
	AgentUnhealthy AgentStatus = "unhealthy"
	AgentRecovered AgentStatus = "recovered"
)

// AgentHealth is the per-agent health record maintained by the coordinator.
type AgentHealth struct {
	Status     AgentStatus `json:"status"`
	LastCheck  time.Time   `json:"last_check"`
	ErrorCount int         `json:"error_count"`
	LastError  string      `json:"last_error,omitempty"`
}

// SystemMode is the global operating mode of the orchestrator.
type SystemMode string

const (
	ModeMonitoring       SystemMode = "monitoring"
	ModeIncidentResponse SystemMode = "incident_response"
	ModeMaintenance      SystemMode = "maintenance"
	ModeEmergency        SystemMode = "emergency"
)

// ParseSystemMode validates a mode value, reporting ok=false for anything
// outside the enum.
func ParseSystemMode(value string) (SystemMode, bool) {
	switch SystemMode(value) {
	case ModeMonitoring, ModeIncidentResponse, ModeMaintenance, ModeEmergency:
		return SystemMode(value), true
	}
	return "", false
}

// PerformanceStats summarises the rolling operation-duration window for one
// agent.
type PerformanceStats struct {
	AverageMs float64 `json:"average_ms"`
	Samples   int     `json:"samples"`
}

// StatusReport is the administrative status surface.
type StatusReport struct {
	Mode            SystemMode                     `json:"mode"`
	ActiveIncidents []string                       `json:"active_incidents"`
	PendingCount    int                            `json:"pending_count"`
	AgentHealth     map[AgentKind]AgentHealth      `json:"agent_health"`
	Performance     map[AgentKind]PerformanceStats `json:"performance"`
	Timestamp       time.Time                      `json:"timestamp"`
}
