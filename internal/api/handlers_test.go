package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelstack/sentinel-soar/internal/coordinator"
	"github.com/sentinelstack/sentinel-soar/internal/models"
)

type fakeOrchestrator struct {
	mode       models.SystemMode
	scanErr    error
	scans      int
	monitoring bool
}

func (f *fakeOrchestrator) Status() models.StatusReport {
	return models.StatusReport{
		Mode:            f.mode,
		ActiveIncidents: []string{"inc-1"},
		PendingCount:    2,
		Timestamp:       time.Now(),
	}
}

func (f *fakeOrchestrator) SetMode(value string) error {
	mode, ok := models.ParseSystemMode(value)
	if !ok {
		return &coordinator.InvalidModeError{Value: value}
	}
	f.mode = mode
	return nil
}

func (f *fakeOrchestrator) TriggerScan(context.Context) error {
	f.scans++
	return f.scanErr
}

func (f *fakeOrchestrator) StartMonitoring(context.Context) bool {
	if f.monitoring {
		return false
	}
	f.monitoring = true
	return true
}

func perform(t *testing.T, orch Orchestrator, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := newRouter(orch, nil)
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := perform(t, &fakeOrchestrator{mode: models.ModeMonitoring}, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReportsOrchestratorState(t *testing.T) {
	rec := perform(t, &fakeOrchestrator{mode: models.ModeMonitoring}, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, models.ModeMonitoring, report.Mode)
	assert.Equal(t, []string{"inc-1"}, report.ActiveIncidents)
	assert.Equal(t, 2, report.PendingCount)
}

func TestSetModeAccepted(t *testing.T) {
	orch := &fakeOrchestrator{mode: models.ModeMonitoring}
	rec := perform(t, orch, http.MethodPost, "/api/v1/mode", `{"mode":"maintenance"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ModeMaintenance, orch.mode)
}

func TestSetModeRejectedWithExactMessage(t *testing.T) {
	orch := &fakeOrchestrator{mode: models.ModeMonitoring}
	rec := perform(t, orch, http.MethodPost, "/api/v1/mode", `{"mode":"panic"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "Invalid mode: panic", body["error"])
	assert.Equal(t, models.ModeMonitoring, orch.mode)
}

func TestSetModeMalformedBody(t *testing.T) {
	rec := perform(t, &fakeOrchestrator{}, http.MethodPost, "/api/v1/mode", `{"mode":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanDispatches(t *testing.T) {
	orch := &fakeOrchestrator{}
	rec := perform(t, orch, http.MethodPost, "/api/v1/scan", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, orch.scans)
}

func TestScanFailureReported(t *testing.T) {
	orch := &fakeOrchestrator{scanErr: assert.AnError}
	rec := perform(t, orch, http.MethodPost, "/api/v1/scan", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStartMonitoringOnceThenConflict(t *testing.T) {
	orch := &fakeOrchestrator{}
	router := newRouter(orch, nil)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/v1/monitoring/start", nil))
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/monitoring/start", nil))
	assert.Equal(t, http.StatusConflict, second.Code)
}
