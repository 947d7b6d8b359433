package triage

import (
	"time"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

// Scoring constants. The base score comes from severity; each boost is
// applied independently and the result is clamped to [0, 100].
const (
	highRiskBoost   = 20
	confidenceBoost = 10
	resourceBoost   = 15

	confidenceFloor   = 0.8
	resourceThreshold = 5

	ageGracePeriod = 30 * time.Minute
	ageBoostStep   = 10 * time.Minute
	ageBoostCap    = 10

	maxScore = 100
)

var severityBase = map[models.Severity]int{
	models.SeverityCritical: 100,
	models.SeverityHigh:     75,
	models.SeverityMedium:   50,
	models.SeverityLow:      25,
}

// Scorer computes incident priority. It is deterministic for a given
// incident snapshot and evaluation time, and carries no mutable state.
type Scorer struct {
	highRisk map[string]struct{}
	now      func() time.Time
}

// NewScorer builds a Scorer treating the listed anomaly types as high risk.
func NewScorer(highRiskAnomalies []string) *Scorer {
	highRisk := make(map[string]struct{}, len(highRiskAnomalies))
	for _, anomaly := range highRiskAnomalies {
		highRisk[anomaly] = struct{}{}
	}
	return &Scorer{highRisk: highRisk, now: time.Now}
}

// Score returns the incident priority in [0, 100] evaluated at the current
// time.
func (s *Scorer) Score(incident models.Incident) int {
	return s.ScoreAt(incident, s.now())
}

// ScoreAt returns the incident priority in [0, 100] evaluated at the given
// instant. Age contributes +1 per full ten minutes beyond a thirty-minute
// grace period, capped at +10.
func (s *Scorer) ScoreAt(incident models.Incident, at time.Time) int {
	score := severityBase[incident.Severity]

	if _, ok := s.highRisk[incident.Metadata.AnomalyType]; ok {
		score += highRiskBoost
	}
	if incident.Metadata.Confidence > confidenceFloor {
		score += confidenceBoost
	}
	if len(incident.Metadata.AffectedResources) > resourceThreshold {
		score += resourceBoost
	}

	if age := incident.Age(at); age > ageGracePeriod {
		boost := int((age - ageGracePeriod) / ageBoostStep)
		if boost > ageBoostCap {
			boost = ageBoostCap
		}
		score += boost
	}

	if score > maxScore {
		score = maxScore
	}
	if score < 0 {
		score = 0
	}
	return score
}
