package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHighSessionCountFiresAndResolves(t *testing.T) {
	hub := newTestHub()

	hub.SetGauge("sessions_active", nil, 1500)
	hub.TakeSnapshot()
	alerts := hub.EvaluateRules()

	require.Len(t, alerts, 1)
	assert.Equal(t, "high_session_count", alerts[0].Rule)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, float64(1500), alerts[0].Value)

	// value drops back under the threshold
	hub.SetGauge("sessions_active", nil, 10)
	hub.TakeSnapshot()
	alerts = hub.EvaluateRules()

	assert.Empty(t, alerts)
	history := hub.AlertHistory()
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ResolvedAt)
}

func TestDeadAgentsRuleFiresOnOne(t *testing.T) {
	hub := newTestHub()

	hub.RegisterAgentStatsProbe(func(ctx context.Context) AgentStats {
		return AgentStats{Total: 2, Active: 1, Dead: 1}
	})
	hub.collect(context.Background())

	alerts := hub.EvaluateRules()
	require.Len(t, alerts, 1)
	assert.Equal(t, "dead_agents", alerts[0].Rule)
}

func TestDurationDelaysFiring(t *testing.T) {
	hub := newTestHub()
	hub.AddRule(AlertRule{
		Name:      "sustained_goroutines",
		Signal:    "goroutines",
		Condition: ConditionGreaterThan,
		Threshold: 0, // always breached
		Duration:  time.Hour,
		Severity:  SeverityWarning,
		Enabled:   true,
	})

	hub.TakeSnapshot()
	alerts := hub.EvaluateRules()
	for _, a := range alerts {
		assert.NotEqual(t, "sustained_goroutines", a.Rule, "must not fire before duration elapses")
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	hub := newTestHub()
	hub.SetRuleEnabled("high_session_count", false)

	hub.SetGauge("sessions_active", nil, 5000)
	hub.TakeSnapshot()
	alerts := hub.EvaluateRules()

	assert.Empty(t, alerts)
}

func TestFiringAlertTracksLatestValue(t *testing.T) {
	hub := newTestHub()

	hub.SetGauge("sessions_active", nil, 1100)
	hub.TakeSnapshot()
	hub.EvaluateRules()

	hub.SetGauge("sessions_active", nil, 2200)
	hub.TakeSnapshot()
	alerts := hub.EvaluateRules()

	require.Len(t, alerts, 1)
	assert.Equal(t, float64(2200), alerts[0].Value)
}

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name      string
		condition AlertCondition
		value     float64
		threshold float64
		want      bool
	}{
		{"greater_than true", ConditionGreaterThan, 2, 1, true},
		{"greater_than false on equal", ConditionGreaterThan, 1, 1, false},
		{"less_than true", ConditionLessThan, 0.5, 1, true},
		{"less_than false", ConditionLessThan, 2, 1, false},
		{"equals true", ConditionEquals, 1, 1, true},
		{"equals false", ConditionEquals, 1.1, 1, false},
		{"unknown condition", AlertCondition("between"), 1, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.condition.holds(tt.value, tt.threshold))
		})
	}
}
