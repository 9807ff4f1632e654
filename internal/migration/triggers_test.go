package migration

import (
	"testing"
	"time"
)

func TestEvaluateTriggersThresholds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := TriggerConfig{
		MaxErrors:             10,
		MaxValidationFailures: 5,
		MaxSyncLagSeconds:     300,
		MaxMigrationTimeHours: 24,
	}
	base := Metrics{StartedAt: now.Add(-time.Hour)}

	cases := []struct {
		name   string
		mutate func(m *Metrics)
		reason TriggerReason
		fires  bool
	}{
		{"clean", func(m *Metrics) {}, TriggerNone, false},
		{"errors at limit", func(m *Metrics) { m.ErrorCount = 10 }, TriggerNone, false},
		{"errors over limit", func(m *Metrics) { m.ErrorCount = 11 }, TriggerErrorCount, true},
		{"validation at limit", func(m *Metrics) { m.ValidationFailureCount = 5 }, TriggerNone, false},
		{"validation over limit", func(m *Metrics) { m.ValidationFailureCount = 6 }, TriggerValidationFailures, true},
		{"lag at limit", func(m *Metrics) { m.SyncLagSeconds = 300 }, TriggerNone, false},
		{"lag over limit", func(m *Metrics) { m.SyncLagSeconds = 300.5 }, TriggerSyncLag, true},
		{"time over limit", func(m *Metrics) { m.StartedAt = now.Add(-25 * time.Hour) }, TriggerMigrationTime, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := base
			tc.mutate(&m)
			reason, fires := EvaluateTriggers(m, cfg, now)
			if fires != tc.fires {
				t.Fatalf("fires: want=%v got=%v", tc.fires, fires)
			}
			if reason != tc.reason {
				t.Fatalf("reason: want=%s got=%s", tc.reason, reason)
			}
		})
	}
}

func TestEvaluateTriggersZeroDisables(t *testing.T) {
	now := time.Now().UTC()
	m := Metrics{
		ErrorCount:             1000,
		ValidationFailureCount: 1000,
		SyncLagSeconds:         1e6,
		StartedAt:              now.Add(-1000 * time.Hour),
	}

	if reason, fires := EvaluateTriggers(m, TriggerConfig{}, now); fires {
		t.Fatalf("zero config must disable all triggers, fired %s", reason)
	}
}

func TestEvaluateTriggersPrecedence(t *testing.T) {
	// More than one threshold breached: error count is checked first.
	now := time.Now().UTC()
	m := Metrics{ErrorCount: 99, SyncLagSeconds: 1e6, StartedAt: now}
	cfg := TriggerConfig{MaxErrors: 1, MaxSyncLagSeconds: 1}

	reason, fires := EvaluateTriggers(m, cfg, now)
	if !fires || reason != TriggerErrorCount {
		t.Fatalf("want=%s fired, got=%s fires=%v", TriggerErrorCount, reason, fires)
	}
}
