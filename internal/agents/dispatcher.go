// Package agents holds the boundary to the external worker agents:
// fire-and-forget dispatch requests out, liveness probes across. The agents
// themselves (detection rules, LLM analysis, cloud remediation, notification
// transports) live outside this process and report back over the event bus.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/sentinelstack/sentinel-soar/internal/metrics"
	"github.com/sentinelstack/sentinel-soar/internal/models"
)

// DispatchRequest is the typed payload handed to a worker agent.
type DispatchRequest struct {
	ID         string           `json:"id"`
	Agent      models.AgentKind `json:"agent"`
	Event      string           `json:"event"`
	IncidentID string           `json:"incident_id,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	IssuedAt   time.Time        `json:"issued_at"`
}

// Dispatcher sends fire-and-forget work to agents. Workers eventually
// publish a stage-complete event on the bus; Dispatch never blocks on the
// work itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// NewDispatchRequest stamps a request with an id and timestamp.
func NewDispatchRequest(agent models.AgentKind, event, incidentID string, payload map[string]any) DispatchRequest {
	return DispatchRequest{
		ID:         uuid.New().String(),
		Agent:      agent,
		Event:      event,
		IncidentID: incidentID,
		Payload:    payload,
		IssuedAt:   time.Now().UTC(),
	}
}

// NATSDispatcher publishes dispatch requests onto per-agent subjects
// (soar.agents.<kind>).
type NATSDispatcher struct {
	conn *nats.Conn
}

// NewNATSDispatcher wraps an existing NATS connection.
func NewNATSDispatcher(conn *nats.Conn) *NATSDispatcher {
	return &NATSDispatcher{conn: conn}
}

// Dispatch publishes the request to the agent's subject.
func (d *NATSDispatcher) Dispatch(_ context.Context, req DispatchRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}
	subject := fmt.Sprintf("soar.agents.%s", req.Agent)
	return d.conn.Publish(subject, payload)
}

// LoggingDispatcher records dispatches to the log and drops them. It stands
// in when no transport is configured.
type LoggingDispatcher struct {
	Logger *slog.Logger
}

// Dispatch logs the request at debug level.
func (d LoggingDispatcher) Dispatch(_ context.Context, req DispatchRequest) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("dispatch dropped: no transport configured",
		slog.String("agent", string(req.Agent)),
		slog.String("event", req.Event),
		slog.String("incident_id", req.IncidentID))
	return nil
}

// InstrumentedDispatcher wraps a Dispatcher with duration and outcome
// metrics.
type InstrumentedDispatcher struct {
	Next Dispatcher
}

// Dispatch forwards the request, observing latency and outcome.
func (d InstrumentedDispatcher) Dispatch(ctx context.Context, req DispatchRequest) error {
	start := time.Now()
	err := d.Next.Dispatch(ctx, req)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveDispatch(string(req.Agent), time.Since(start), outcome)
	return err
}
