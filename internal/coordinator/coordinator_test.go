package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-soar/internal/agents"
	"github.com/sentinelstack/sentinel-soar/internal/models"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []agents.DispatchRequest
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req agents.DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return nil
}

func (d *recordingDispatcher) count(agent models.AgentKind, event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, req := range d.requests {
		if req.Agent == agent && req.Event == event {
			n++
		}
	}
	return n
}

type snapshotStub struct {
	active  []string
	pending int
}

func (s *snapshotStub) ActiveIncidents() []string { return s.active }
func (s *snapshotStub) PendingCount() int         { return s.pending }

func newTestCoordinator(cfg Config) (*Coordinator, *recordingDispatcher, *agents.StaticProber) {
	dispatcher := &recordingDispatcher{}
	prober := agents.NewStaticProber()
	return New(cfg, nil, dispatcher, prober, &snapshotStub{}), dispatcher, prober
}

func TestSetModeAcceptsKnownValues(t *testing.T) {
	c, _, _ := newTestCoordinator(Config{})

	if got := c.Mode(); got != models.ModeMonitoring {
		t.Fatalf("expected initial monitoring mode, got %s", got)
	}

	for _, value := range []string{"maintenance", "incident_response", "emergency", "monitoring"} {
		if err := c.SetMode(value); err != nil {
			t.Fatalf("SetMode(%q) failed: %v", value, err)
		}
		if got := c.Mode(); string(got) != value {
			t.Fatalf("expected mode %s, got %s", value, got)
		}
	}
}

func TestSetModeRejectsUnknownValue(t *testing.T) {
	c, _, _ := newTestCoordinator(Config{})

	err := c.SetMode("panic")
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
	var invalid *InvalidModeError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidModeError, got %T", err)
	}
	if err.Error() != "Invalid mode: panic" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if got := c.Mode(); got != models.ModeMonitoring {
		t.Fatalf("mode changed by rejected request: %s", got)
	}
}

func TestSmallBatchIsNotTakenOver(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(Config{EmergencyThreshold: 10})

	batch := make([]models.Incident, 9)
	for i := range batch {
		batch[i] = models.Incident{ID: "inc", Severity: models.SeverityHigh}
	}

	if c.HandleDetectionBatch(context.Background(), batch) {
		t.Fatal("batch below threshold should not be taken over")
	}
	if got := len(dispatcher.requests); got != 0 {
		t.Fatalf("expected no dispatches, got %d", got)
	}
}

// Scenario: 11 simultaneous detections with threshold 10. The batch is taken
// over, every incident is dispatched for analysis concurrently alongside one
// critical broadcast, and the mode reverts to monitoring afterwards.
func TestEmergencyBatchDispatchesAllAndReverts(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(Config{EmergencyThreshold: 10})

	batch := make([]models.Incident, 11)
	for i := range batch {
		batch[i] = models.Incident{ID: "inc", Severity: models.SeverityCritical}
	}

	if !c.HandleDetectionBatch(context.Background(), batch) {
		t.Fatal("expected batch at threshold to be taken over")
	}

	if got := dispatcher.count(models.AgentAnalysis, "analyze"); got != 11 {
		t.Fatalf("expected 11 analysis dispatches, got %d", got)
	}
	if got := dispatcher.count(models.AgentCommunication, "broadcast"); got != 1 {
		t.Fatalf("expected 1 emergency broadcast, got %d", got)
	}
	if got := c.Mode(); got != models.ModeMonitoring {
		t.Fatalf("expected mode to revert to monitoring, got %s", got)
	}
}

// Scenario: an agent fails four consecutive health checks with a recovery
// limit of three. The fourth failure schedules recovery, which resets the
// transport and leaves the record at {recovered, 0}.
func TestFailingAgentIsRecovered(t *testing.T) {
	c, _, prober := newTestCoordinator(Config{RecoveryErrorLimit: 3})
	prober.Fail(models.AgentAnalysis, errors.New("connection refused"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.CheckAgents(ctx)
	}
	health := c.AgentHealth()[models.AgentAnalysis]
	if health.Status != models.AgentUnhealthy || health.ErrorCount != 3 {
		t.Fatalf("expected unhealthy with 3 errors, got %+v", health)
	}
	if got := prober.Resets(models.AgentAnalysis); got != 0 {
		t.Fatalf("recovery triggered early: %d resets", got)
	}

	c.CheckAgents(ctx)
	c.recoveries.Wait()

	if got := prober.Resets(models.AgentAnalysis); got != 1 {
		t.Fatalf("expected 1 reset, got %d", got)
	}
	health = c.AgentHealth()[models.AgentAnalysis]
	if health.Status != models.AgentRecovered {
		t.Fatalf("expected recovered status, got %s", health.Status)
	}
	if health.ErrorCount != 0 {
		t.Fatalf("expected error count cleared, got %d", health.ErrorCount)
	}
}

func TestHealthyProbeClearsErrorCount(t *testing.T) {
	c, _, prober := newTestCoordinator(Config{RecoveryErrorLimit: 3})
	ctx := context.Background()

	prober.Fail(models.AgentRemediation, errors.New("deadline exceeded"))
	c.CheckAgents(ctx)
	c.CheckAgents(ctx)

	prober.Fail(models.AgentRemediation, nil)
	c.CheckAgents(ctx)

	health := c.AgentHealth()[models.AgentRemediation]
	if health.Status != models.AgentHealthy {
		t.Fatalf("expected healthy, got %s", health.Status)
	}
	if health.ErrorCount != 0 {
		t.Fatalf("expected error count reset, got %d", health.ErrorCount)
	}
	if health.LastError != "" {
		t.Fatalf("expected last error cleared, got %q", health.LastError)
	}
}

func TestStatusReportIncludesWorkflowAndPerformanceState(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	prober := agents.NewStaticProber()
	snapshot := &snapshotStub{active: []string{"inc-1", "inc-2"}, pending: 3}
	c := New(Config{}, nil, dispatcher, prober, snapshot)

	c.CheckAgents(context.Background())
	report := c.Status()

	if report.Mode != models.ModeMonitoring {
		t.Fatalf("expected monitoring mode, got %s", report.Mode)
	}
	if len(report.ActiveIncidents) != 2 || report.PendingCount != 3 {
		t.Fatalf("workflow state not reflected: %+v", report)
	}
	for _, agent := range models.AllAgents() {
		stats, ok := report.Performance[agent]
		if !ok || stats.Samples != 1 {
			t.Fatalf("expected one sample for %s, got %+v (ok=%v)", agent, stats, ok)
		}
		health, ok := report.AgentHealth[agent]
		if !ok || health.Status != models.AgentHealthy {
			t.Fatalf("expected healthy record for %s, got %+v", agent, health)
		}
	}
	if report.Timestamp.IsZero() {
		t.Fatal("expected report timestamp")
	}
}

func TestStartMonitoringGuardsDoubleStart(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(Config{DetectionInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !c.StartMonitoring(ctx) {
		t.Fatal("expected first start to succeed")
	}
	if c.StartMonitoring(ctx) {
		t.Fatal("expected second start to be refused")
	}

	time.Sleep(20 * time.Millisecond)
	cancel()

	if got := dispatcher.count(models.AgentDetection, "scan"); got == 0 {
		t.Fatal("expected at least one scheduled scan dispatch")
	}
}

func TestTriggerScanDispatchesDetection(t *testing.T) {
	c, dispatcher, _ := newTestCoordinator(Config{})

	if err := c.TriggerScan(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dispatcher.count(models.AgentDetection, "scan"); got != 1 {
		t.Fatalf("expected 1 scan dispatch, got %d", got)
	}
}
