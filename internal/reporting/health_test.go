package reporting

import (
	"testing"
	"time"
)

func TestScoreBlendsSignals(t *testing.T) {
	testCases := []struct {
		name        string
		pending     int64
		errored     int64
		successRate float64
		offline     time.Duration
		wantScore   int
		wantLevel   Level
	}{
		{name: "idle and online", successRate: 1, wantScore: 100, wantLevel: LevelHealthy},
		{name: "small backlog", pending: 2, successRate: 1, wantScore: 90, wantLevel: LevelHealthy},
		{name: "backlog is capped", pending: 40, successRate: 1, wantScore: 70, wantLevel: LevelDegraded},
		{name: "half the deliveries failed", successRate: 0.5, wantScore: 80, wantLevel: LevelHealthy},
		{name: "long outage", pending: 3, successRate: 1, offline: 90 * time.Minute, wantScore: 65, wantLevel: LevelDegraded},
		{name: "everything wrong", pending: 10, errored: 5, successRate: 0, offline: time.Hour, wantScore: 0, wantLevel: LevelCritical},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			score := Score(testCase.pending, testCase.errored, testCase.successRate, testCase.offline)
			if score != testCase.wantScore {
				t.Fatalf("expected score %d, got %d", testCase.wantScore, score)
			}
			if level := LevelFor(score); level != testCase.wantLevel {
				t.Fatalf("expected level %s, got %s", testCase.wantLevel, level)
			}
		})
	}
}

func TestSuccessRateDefaultsToOne(t *testing.T) {
	if rate := SuccessRate(0, 0); rate != 1 {
		t.Fatalf("expected 1 with no attempts, got %v", rate)
	}
	if rate := SuccessRate(3, 1); rate != 0.75 {
		t.Fatalf("expected 0.75, got %v", rate)
	}
}
