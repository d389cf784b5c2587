package metrics

import (
	"log/slog"
	"time"
)

// AlertCondition compares an observed value to the rule threshold
type AlertCondition string

const (
	ConditionGreaterThan AlertCondition = "greater_than"
	ConditionLessThan    AlertCondition = "less_than"
	ConditionEquals      AlertCondition = "equals"
)

// AlertSeverity grades a fired alert
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertRule watches one snapshot signal. Signals are named values derived
// from the latest snapshot, not raw metric families; see signalValue.
type AlertRule struct {
	Name      string         `json:"name"`
	Signal    string         `json:"signal"`
	Condition AlertCondition `json:"condition"`
	Threshold float64        `json:"threshold"`
	// Duration is how long the condition must hold before the alert
	// fires; zero fires on the first breach.
	Duration time.Duration `json:"duration"`
	Severity AlertSeverity `json:"severity"`
	Enabled  bool          `json:"enabled"`

	breachedSince time.Time
}

// Alert is one firing (or resolved) rule instance
type Alert struct {
	Rule       string        `json:"rule"`
	Signal     string        `json:"signal"`
	Severity   AlertSeverity `json:"severity"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	FiredAt    time.Time     `json:"firedAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

const alertHistorySize = 128

func defaultAlertRules() []*AlertRule {
	return []*AlertRule{
		{Name: "high_session_count", Signal: "active_sessions", Condition: ConditionGreaterThan, Threshold: 1000, Severity: SeverityWarning, Enabled: true},
		{Name: "high_error_rate", Signal: "error_rate", Condition: ConditionGreaterThan, Threshold: 0.05, Severity: SeverityCritical, Enabled: true},
		{Name: "dead_agents", Signal: "dead_agents", Condition: ConditionGreaterThan, Threshold: 0, Severity: SeverityWarning, Enabled: true},
		{Name: "high_latency", Signal: "average_latency_ms", Condition: ConditionGreaterThan, Threshold: 1000, Severity: SeverityWarning, Enabled: true},
	}
}

// AddRule installs an alert rule alongside the defaults
func (h *Hub) AddRule(rule AlertRule) {
	if h == nil {
		return
	}
	h.alertMu.Lock()
	h.rules = append(h.rules, &rule)
	h.alertMu.Unlock()
}

// SetRuleEnabled toggles a rule by name
func (h *Hub) SetRuleEnabled(name string, enabled bool) {
	if h == nil {
		return
	}
	h.alertMu.Lock()
	defer h.alertMu.Unlock()
	for _, r := range h.rules {
		if r.Name == name {
			r.Enabled = enabled
			if !enabled {
				r.breachedSince = time.Time{}
			}
		}
	}
}

// signalValue resolves a rule signal against the newest snapshot
func (h *Hub) signalValue(signal string, snap Snapshot) (float64, bool) {
	switch signal {
	case "active_sessions":
		return snap.ActiveSessions, true
	case "error_rate":
		return snap.Errors.Rate, true
	case "dead_agents":
		return float64(snap.Agents.Dead), true
	case "average_latency_ms":
		return snap.AverageOpDuration * 1000, true
	case "event_rate":
		return snap.EventRate, true
	case "pool_waiters":
		return float64(snap.Pool.Waiters), true
	case "goroutines":
		return float64(snap.System.Goroutines), true
	default:
		return 0, false
	}
}

func (c AlertCondition) holds(value, threshold float64) bool {
	switch c {
	case ConditionGreaterThan:
		return value > threshold
	case ConditionLessThan:
		return value < threshold
	case ConditionEquals:
		return value == threshold
	default:
		return false
	}
}

// EvaluateRules checks every enabled rule against the latest snapshot,
// firing and resolving alerts as conditions change. The loop calls this
// every AlertInterval; tests call it directly.
func (h *Hub) EvaluateRules() []Alert {
	if h == nil {
		return nil
	}
	snap, ok := h.LatestSnapshot()
	if !ok {
		snap = h.TakeSnapshot()
	}
	now := time.Now()

	h.alertMu.Lock()
	defer h.alertMu.Unlock()

	for _, rule := range h.rules {
		if !rule.Enabled {
			continue
		}
		value, ok := h.signalValue(rule.Signal, snap)
		if !ok {
			continue
		}

		breached := rule.Condition.holds(value, rule.Threshold)
		active, firing := h.active[rule.Name]

		switch {
		case breached && !firing:
			if rule.breachedSince.IsZero() {
				rule.breachedSince = now
			}
			if now.Sub(rule.breachedSince) < rule.Duration {
				continue
			}
			alert := &Alert{
				Rule:      rule.Name,
				Signal:    rule.Signal,
				Severity:  rule.Severity,
				Value:     value,
				Threshold: rule.Threshold,
				FiredAt:   now,
			}
			h.active[rule.Name] = alert
			h.pushHistory(alert)
			slog.Warn("Alert fired",
				"rule", rule.Name,
				"severity", rule.Severity,
				"value", value,
				"threshold", rule.Threshold)

		case breached && firing:
			active.Value = value

		case !breached:
			rule.breachedSince = time.Time{}
			if firing {
				resolved := now
				active.ResolvedAt = &resolved
				delete(h.active, rule.Name)
				slog.Info("Alert resolved", "rule", rule.Name, "value", value)
			}
		}
	}

	out := make([]Alert, 0, len(h.active))
	for _, a := range h.active {
		out = append(out, *a)
	}
	return out
}

func (h *Hub) pushHistory(a *Alert) {
	h.history = append(h.history, a)
	if len(h.history) > alertHistorySize {
		h.history = h.history[len(h.history)-alertHistorySize:]
	}
}

// ActiveAlerts returns the currently firing alerts
func (h *Hub) ActiveAlerts() []Alert {
	if h == nil {
		return nil
	}
	h.alertMu.Lock()
	defer h.alertMu.Unlock()
	out := make([]Alert, 0, len(h.active))
	for _, a := range h.active {
		out = append(out, *a)
	}
	return out
}

// AlertHistory returns fired alerts, oldest first, bounded
func (h *Hub) AlertHistory() []Alert {
	if h == nil {
		return nil
	}
	h.alertMu.Lock()
	defer h.alertMu.Unlock()
	out := make([]Alert, 0, len(h.history))
	for _, a := range h.history {
		out = append(out, *a)
	}
	return out
}
