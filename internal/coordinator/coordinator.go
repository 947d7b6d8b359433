// Package coordinator tracks the system-wide operating mode, worker agent
// health and rolling performance, and owns the emergency escalation path
// for oversized detection batches.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelstack/sentinel-soar/internal/agents"
	"github.com/sentinelstack/sentinel-soar/internal/metrics"
	"github.com/sentinelstack/sentinel-soar/internal/models"
	"github.com/sentinelstack/sentinel-soar/internal/utils"
)

// InvalidModeError reports a mode value outside the SystemMode enum.
type InvalidModeError struct {
	Value string
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("Invalid mode: %s", e.Value)
}

// Config tunes coordinator behaviour.
type Config struct {
	HealthCheckInterval time.Duration
	EmergencyThreshold  int
	DetectionInterval   time.Duration
	// RecoveryErrorLimit is the error count beyond which an agent is
	// scheduled for recovery.
	RecoveryErrorLimit int
	PerformanceWindow  int
}

// WorkflowSnapshot exposes the scheduler state needed by the status API.
type WorkflowSnapshot interface {
	ActiveIncidents() []string
	PendingCount() int
}

// Coordinator is the single per-process owner of the operating mode and the
// agent health records.
type Coordinator struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher agents.Dispatcher
	prober     agents.Prober
	workflows  WorkflowSnapshot

	mu     sync.Mutex
	mode   models.SystemMode
	health map[models.AgentKind]models.AgentHealth
	perf   map[models.AgentKind]*utils.RollingWindow

	monitoring atomic.Bool
	recoveries sync.WaitGroup

	now func() time.Time
}

// New constructs a coordinator starting in Monitoring mode.
func New(cfg Config, logger *slog.Logger, dispatcher agents.Dispatcher, prober agents.Prober, workflows WorkflowSnapshot) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.EmergencyThreshold <= 0 {
		cfg.EmergencyThreshold = 10
	}
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = time.Minute
	}
	if cfg.RecoveryErrorLimit <= 0 {
		cfg.RecoveryErrorLimit = 3
	}
	if cfg.PerformanceWindow <= 0 {
		cfg.PerformanceWindow = 100
	}

	c := &Coordinator{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		prober:     prober,
		workflows:  workflows,
		mode:       models.ModeMonitoring,
		health:     make(map[models.AgentKind]models.AgentHealth),
		perf:       make(map[models.AgentKind]*utils.RollingWindow),
		now:        time.Now,
	}
	c.publishMode(models.ModeMonitoring)
	return c
}

// Mode returns the current operating mode.
func (c *Coordinator) Mode() models.SystemMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the operating mode, rejecting values outside the enum.
func (c *Coordinator) SetMode(value string) error {
	mode, ok := models.ParseSystemMode(value)
	if !ok {
		return &InvalidModeError{Value: value}
	}

	c.mu.Lock()
	previous := c.mode
	c.mode = mode
	c.mu.Unlock()

	c.publishMode(mode)
	c.logger.Info("operating mode changed",
		slog.String("from", string(previous)),
		slog.String("to", string(mode)))
	return nil
}

// HandleDetectionBatch intercepts detection batches at or above the
// emergency threshold and runs the emergency path for them. It reports
// whether the batch was taken over.
func (c *Coordinator) HandleDetectionBatch(ctx context.Context, incidents []models.Incident) bool {
	if len(incidents) < c.cfg.EmergencyThreshold {
		return false
	}
	if err := c.ActivateEmergencyMode(ctx, incidents); err != nil {
		c.logger.Error("emergency activation failed", slog.Any("error", err))
	}
	return true
}

// ActivateEmergencyMode broadcasts a critical notification, dispatches
// every incident in the batch concurrently — deliberately bypassing the
// admission throttle as an overload valve — waits for all dispatches, then
// reverts to Monitoring.
func (c *Coordinator) ActivateEmergencyMode(ctx context.Context, incidents []models.Incident) error {
	c.setMode(models.ModeEmergency)
	c.logger.Warn("emergency mode activated", slog.Int("batch_size", len(incidents)))

	if err := c.dispatcher.Dispatch(ctx, agents.NewDispatchRequest(models.AgentCommunication, "broadcast", "", map[string]any{
		"kind":      "emergency_broadcast",
		"priority":  "critical",
		"incidents": len(incidents),
	})); err != nil {
		c.logger.Error("emergency broadcast failed", slog.Any("error", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, inc := range incidents {
		incident := inc
		g.Go(func() error {
			err := c.dispatcher.Dispatch(gctx, agents.NewDispatchRequest(models.AgentAnalysis, "analyze", incident.ID, map[string]any{
				"incident":  incident,
				"emergency": true,
			}))
			if err != nil {
				c.logger.Error("emergency dispatch failed",
					slog.String("incident_id", incident.ID),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.setMode(models.ModeMonitoring)
	c.logger.Info("emergency handled, reverting to monitoring")
	return nil
}

// Run drives the health-check loop until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.recoveries.Wait()
			return nil
		case <-ticker.C:
			c.CheckAgents(ctx)
		}
	}
}

// CheckAgents probes every worker agent once, updating the health records
// and scheduling recovery for agents past the error limit.
func (c *Coordinator) CheckAgents(ctx context.Context) {
	for _, agent := range models.AllAgents() {
		start := c.now()
		err := c.prober.Probe(ctx, agent)
		c.observe(agent, c.now().Sub(start))

		c.mu.Lock()
		record := c.health[agent]
		record.LastCheck = c.now()
		if err != nil {
			record.Status = models.AgentUnhealthy
			record.ErrorCount++
			record.LastError = err.Error()
			c.health[agent] = record
			overLimit := record.ErrorCount > c.cfg.RecoveryErrorLimit
			c.mu.Unlock()

			c.logger.Warn("agent health check failed",
				slog.String("agent", string(agent)),
				slog.Int("error_count", record.ErrorCount),
				slog.Any("error", err))
			if overLimit {
				c.scheduleRecovery(agent)
			}
			continue
		}

		record.Status = models.AgentHealthy
		record.ErrorCount = 0
		record.LastError = ""
		c.health[agent] = record
		c.mu.Unlock()
	}
}

// AgentHealth returns a copy of the health records.
func (c *Coordinator) AgentHealth() map[models.AgentKind]models.AgentHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[models.AgentKind]models.AgentHealth, len(c.health))
	for agent, record := range c.health {
		out[agent] = record
	}
	return out
}

// Status assembles the administrative status report.
func (c *Coordinator) Status() models.StatusReport {
	report := models.StatusReport{
		Mode:        c.Mode(),
		AgentHealth: c.AgentHealth(),
		Performance: c.performance(),
		Timestamp:   c.now(),
	}
	if c.workflows != nil {
		report.ActiveIncidents = c.workflows.ActiveIncidents()
		report.PendingCount = c.workflows.PendingCount()
	}
	return report
}

// StartMonitoring launches the continuous detection loop, reporting false
// when it is already running.
func (c *Coordinator) StartMonitoring(ctx context.Context) bool {
	if !c.monitoring.CompareAndSwap(false, true) {
		return false
	}

	go func() {
		defer c.monitoring.Store(false)
		ticker := time.NewTicker(c.cfg.DetectionInterval)
		defer ticker.Stop()

		c.logger.Info("continuous monitoring started",
			slog.Duration("interval", c.cfg.DetectionInterval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.TriggerScan(ctx); err != nil {
					c.logger.Warn("scheduled scan dispatch failed", slog.Any("error", err))
				}
			}
		}
	}()
	return true
}

// TriggerScan dispatches one detection pass.
func (c *Coordinator) TriggerScan(ctx context.Context) error {
	return c.dispatcher.Dispatch(ctx, agents.NewDispatchRequest(models.AgentDetection, "scan", "", map[string]any{
		"requested_at": c.now().UTC(),
	}))
}

func (c *Coordinator) scheduleRecovery(agent models.AgentKind) {
	c.logger.Warn("scheduling agent recovery", slog.String("agent", string(agent)))
	c.recoveries.Add(1)
	go func() {
		defer c.recoveries.Done()
		c.recoverAgent(agent)
	}()
}

// recoverAgent resets the agent's transport and clears its health record.
func (c *Coordinator) recoverAgent(agent models.AgentKind) {
	if err := c.prober.Reset(agent); err != nil {
		c.logger.Error("agent reset failed",
			slog.String("agent", string(agent)),
			slog.Any("error", err))
	}

	c.mu.Lock()
	record := c.health[agent]
	record.Status = models.AgentRecovered
	record.ErrorCount = 0
	record.LastError = ""
	record.LastCheck = c.now()
	c.health[agent] = record
	c.mu.Unlock()

	c.logger.Info("agent recovered", slog.String("agent", string(agent)))
}

func (c *Coordinator) setMode(mode models.SystemMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	c.publishMode(mode)
}

func (c *Coordinator) publishMode(mode models.SystemMode) {
	all := []string{
		string(models.ModeMonitoring),
		string(models.ModeIncidentResponse),
		string(models.ModeMaintenance),
		string(models.ModeEmergency),
	}
	metrics.SetMode(string(mode), all)
}

func (c *Coordinator) observe(agent models.AgentKind, d time.Duration) {
	c.mu.Lock()
	window, ok := c.perf[agent]
	if !ok {
		window = utils.NewRollingWindow(c.cfg.PerformanceWindow)
		c.perf[agent] = window
	}
	c.mu.Unlock()
	window.Observe(d)
}

func (c *Coordinator) performance() map[models.AgentKind]models.PerformanceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[models.AgentKind]models.PerformanceStats, len(c.perf))
	for agent, window := range c.perf {
		out[agent] = models.PerformanceStats{
			AverageMs: float64(window.Average()) / float64(time.Millisecond),
			Samples:   window.Count(),
		}
	}
	return out
}
