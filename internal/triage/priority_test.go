package triage

import (
	"fmt"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

func defaultScorer() *Scorer {
	return NewScorer([]string{"privilege_escalation", "lateral_movement"})
}

func TestScoreCriticalIsCapped(t *testing.T) {
	now := time.Now()
	incident := models.Incident{
		ID:         "inc-1",
		Severity:   models.SeverityCritical,
		DetectedAt: now.Add(-5 * time.Minute),
		Metadata:   models.IncidentMetadata{Confidence: 0.5},
	}

	if got := defaultScorer().ScoreAt(incident, now); got != 100 {
		t.Fatalf("expected capped score 100, got %d", got)
	}
}

func TestScoreLowWithBoosts(t *testing.T) {
	now := time.Now()
	resources := make([]string, 6)
	for i := range resources {
		resources[i] = fmt.Sprintf("vm-%d", i)
	}
	incident := models.Incident{
		ID:         "inc-2",
		Severity:   models.SeverityLow,
		DetectedAt: now,
		Metadata: models.IncidentMetadata{
			Confidence:        0.9,
			AffectedResources: resources,
		},
	}

	// 25 base + 10 confidence + 15 resources.
	if got := defaultScorer().ScoreAt(incident, now); got != 50 {
		t.Fatalf("expected score 50, got %d", got)
	}
}

func TestScoreHighRiskAnomaly(t *testing.T) {
	now := time.Now()
	incident := models.Incident{
		ID:         "inc-3",
		Severity:   models.SeverityMedium,
		DetectedAt: now,
		Metadata:   models.IncidentMetadata{AnomalyType: "privilege_escalation"},
	}

	if got := defaultScorer().ScoreAt(incident, now); got != 70 {
		t.Fatalf("expected score 70, got %d", got)
	}
}

func TestScoreAgeBoost(t *testing.T) {
	scorer := defaultScorer()
	now := time.Now()

	cases := []struct {
		age  time.Duration
		want int
	}{
		{age: 10 * time.Minute, want: 25},
		{age: 30 * time.Minute, want: 25},
		{age: 41 * time.Minute, want: 26},
		{age: 75 * time.Minute, want: 29},
		{age: 6 * time.Hour, want: 35},
	}

	for _, tc := range cases {
		incident := models.Incident{
			ID:         "inc-age",
			Severity:   models.SeverityLow,
			DetectedAt: now.Add(-tc.age),
		}
		if got := scorer.ScoreAt(incident, now); got != tc.want {
			t.Fatalf("age %s: expected %d, got %d", tc.age, tc.want, got)
		}
	}
}

func TestScoreBounds(t *testing.T) {
	scorer := defaultScorer()
	now := time.Now()

	severities := []models.Severity{
		models.SeverityLow, models.SeverityMedium, models.SeverityHigh,
		models.SeverityCritical, models.Severity("unknown"),
	}
	for _, severity := range severities {
		incident := models.Incident{
			ID:         "inc-bounds",
			Severity:   severity,
			DetectedAt: now.Add(-48 * time.Hour),
			Metadata: models.IncidentMetadata{
				AnomalyType:       "lateral_movement",
				Confidence:        0.99,
				AffectedResources: make([]string, 20),
			},
		}
		got := scorer.ScoreAt(incident, now)
		if got < 0 || got > 100 {
			t.Fatalf("severity %q: score %d out of bounds", severity, got)
		}
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	now := time.Now()
	incident := models.Incident{
		ID:         "inc-det",
		Severity:   models.SeverityHigh,
		DetectedAt: now.Add(-90 * time.Minute),
		Metadata:   models.IncidentMetadata{Confidence: 0.85},
	}

	scorer := defaultScorer()
	first := scorer.ScoreAt(incident, now)
	for i := 0; i < 10; i++ {
		if got := scorer.ScoreAt(incident, now); got != first {
			t.Fatalf("score changed between evaluations: %d vs %d", first, got)
		}
	}
}
