// mock-agents simulates the worker agent fleet for local development: it
// consumes dispatch requests from NATS, fabricates plausible results after a
// short delay and publishes the matching stage-complete events. It also
// serves the standard gRPC health protocol so coordinator probes succeed.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	dispatchSubjects   = "soar.agents.>"
	stageEventsSubject = "soar.workflow.events"
)

type dispatchRequest struct {
	ID         string         `json:"id"`
	Agent      string         `json:"agent"`
	Event      string         `json:"event"`
	IncidentID string         `json:"incident_id"`
	Payload    map[string]any `json:"payload"`
}

type stageEvent struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	IncidentID string       `json:"incident_id"`
	Results    stageResults `json:"results"`
	EmittedAt  time.Time    `json:"emitted_at"`
}

type stageResults struct {
	Incidents  []mockIncident `json:"incidents,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Actions    []string       `json:"actions,omitempty"`
}

type mockIncident struct {
	ID         string    `json:"id"`
	Severity   string    `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
	Metadata   struct {
		Actor             string   `json:"actor"`
		SourceIP          string   `json:"source_ip"`
		AffectedResources []string `json:"affected_resources"`
		Confidence        float64  `json:"confidence"`
		AnomalyType       string   `json:"anomaly_type"`
	} `json:"metadata"`
}

func main() {
	logger := log.New(log.Writer(), "mock-agents ", log.LstdFlags|log.Lmicroseconds)

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	healthAddr := os.Getenv("HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":7001"
	}

	conn, err := nats.Connect(natsURL, nats.Name("mock-agents"))
	if err != nil {
		logger.Fatalf("connect to nats: %v", err)
	}
	defer conn.Close()

	sub, err := conn.Subscribe(dispatchSubjects, func(msg *nats.Msg) {
		handleDispatch(logger, conn, msg)
	})
	if err != nil {
		logger.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	lis, err := net.Listen("tcp", healthAddr)
	if err != nil {
		logger.Fatalf("listen on %s: %v", healthAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	go func() {
		logger.Printf("health server listening on %s", healthAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatalf("health server error: %v", err)
		}
	}()

	logger.Printf("consuming %s via %s", dispatchSubjects, natsURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	grpcServer.GracefulStop()
}

func handleDispatch(logger *log.Logger, conn *nats.Conn, msg *nats.Msg) {
	var req dispatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		logger.Printf("malformed dispatch on %s: %v", msg.Subject, err)
		return
	}
	agent := strings.TrimPrefix(msg.Subject, "soar.agents.")
	logger.Printf("%s <- %s (incident=%s)", agent, req.Event, req.IncidentID)

	event, ok := respond(agent, req)
	if !ok {
		return
	}

	// Simulated work time so stage transitions are observable.
	time.Sleep(200 * time.Millisecond)

	payload, err := json.Marshal(event)
	if err != nil {
		logger.Printf("encode stage event: %v", err)
		return
	}
	if err := conn.Publish(stageEventsSubject, payload); err != nil {
		logger.Printf("publish stage event: %v", err)
		return
	}
	logger.Printf("%s -> %s (incident=%s)", agent, event.Type, event.IncidentID)
}

func respond(agent string, req dispatchRequest) (stageEvent, bool) {
	event := stageEvent{
		ID:         uuid.New().String(),
		IncidentID: req.IncidentID,
		EmittedAt:  time.Now().UTC(),
	}

	switch {
	case agent == "detection" && req.Event == "scan":
		event.Type = "detection_complete"
		event.Results = stageResults{
			Incidents: sampleIncidents(),
			Summary:   "scheduled scan found anomalies",
		}
	case agent == "analysis" && req.Event == "analyze":
		event.Type = "analysis_complete"
		event.Results = stageResults{
			Confidence: 0.9,
			Summary:    "credential stuffing against the identity provider",
			Actions:    []string{"rotate_credentials", "block_source_ip"},
		}
	case agent == "remediation" && req.Event == "remediate":
		event.Type = "remediation_complete"
		event.Results = stageResults{
			Summary: "source blocked, credentials rotated",
			Actions: []string{"rotate_credentials", "block_source_ip"},
		}
	case agent == "communication" && req.Event == "notify":
		// Only the remediation summary closes the loop; approval requests
		// and alerts stay with the humans they were sent to.
		if kind, _ := req.Payload["kind"].(string); kind != "remediation_summary" {
			return stageEvent{}, false
		}
		event.Type = "communication_complete"
		event.Results = stageResults{Summary: "stakeholders notified"}
	default:
		return stageEvent{}, false
	}
	return event, true
}

func sampleIncidents() []mockIncident {
	first := mockIncident{
		ID:         "inc-" + uuid.New().String()[:8],
		Severity:   "high",
		DetectedAt: time.Now().UTC(),
	}
	first.Metadata.Actor = "svc-deploy"
	first.Metadata.SourceIP = "203.0.113.44"
	first.Metadata.AffectedResources = []string{"iam/role/deployer", "ec2/i-0abc", "s3/artifacts"}
	first.Metadata.Confidence = 0.84
	first.Metadata.AnomalyType = "privilege_escalation"

	second := mockIncident{
		ID:         "inc-" + uuid.New().String()[:8],
		Severity:   "medium",
		DetectedAt: time.Now().UTC(),
	}
	second.Metadata.Actor = "jdoe"
	second.Metadata.SourceIP = "198.51.100.7"
	second.Metadata.AffectedResources = []string{"okta/user/jdoe"}
	second.Metadata.Confidence = 0.61
	second.Metadata.AnomalyType = "unusual_login_location"

	return []mockIncident{first, second}
}
