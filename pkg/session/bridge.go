package session

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Amicidal/sigmachad-sub002/pkg/kg"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// perfRegressionThreshold marks event pairs whose perf delta falls below
// it as transitions.
const perfRegressionThreshold = -5.0

// handoffWindow is how many trailing events a joining agent is briefed on
const handoffWindow = 10

// SessionReader is the read capability the bridge needs. Store and
// CachedStore satisfy it; the bridge never writes.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Events(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error)
	Tail(ctx context.Context, sessionID string, n int) ([]models.SessionEvent, error)
	ListActive(ctx context.Context) ([]string, error)
}

// Bridge derives read-side analytics from session logs and, when a
// querier is attached, the knowledge graph. It holds no state of its own.
type Bridge struct {
	reader SessionReader
	kg     kg.Querier
}

// NewBridge creates a bridge; q may be nil when no KG is configured
func NewBridge(reader SessionReader, q kg.Querier) *Bridge {
	return &Bridge{reader: reader, kg: q}
}

// Transitions scans adjacent event pairs for meaningful regressions:
// working to broken flips, test_pass followed by broke, high or critical
// impact, and perf deltas below the regression threshold. A pair yields
// at most one transition, classified by the first matching rule. When
// entityID is set, only transitions touching that entity are returned.
func (b *Bridge) Transitions(ctx context.Context, sessionID, entityID string) ([]models.TransitionResult, error) {
	events, err := b.reader.Events(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	var results []models.TransitionResult
	for i := 1; i < len(events); i++ {
		prev, curr := events[i-1], events[i]
		reason, ok := classifyTransition(prev, curr)
		if !ok {
			continue
		}
		entityIDs := eventEntityIDs(curr)
		if entityID != "" && !slices.Contains(entityIDs, entityID) {
			continue
		}
		results = append(results, models.TransitionResult{
			SessionID: sessionID,
			FromSeq:   prev.Seq,
			ToSeq:     curr.Seq,
			Reason:    reason,
			Actor:     curr.Actor,
			EntityIDs: entityIDs,
			Timestamp: curr.Timestamp,
		})
	}

	if b.kg != nil && len(results) > 0 {
		if err := b.enrichTransitions(ctx, results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// enrichTransitions attaches KG rows to each transition in one query
func (b *Bridge) enrichTransitions(ctx context.Context, results []models.TransitionResult) error {
	union := make([]string, 0)
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, id := range r.EntityIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				union = append(union, id)
			}
		}
	}
	rows, err := kg.EntityContext(ctx, b.kg, union)
	if err != nil {
		return fmt.Errorf("failed to enrich transitions: %w", err)
	}

	byID := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok {
			byID[id] = row
		}
	}
	for i := range results {
		for _, id := range results[i].EntityIDs {
			if row, ok := byID[id]; ok {
				results[i].Context = append(results[i].Context, row)
			}
		}
	}
	return nil
}

func classifyTransition(prev, curr models.SessionEvent) (models.TransitionReason, bool) {
	if transitionTo(prev) == models.SessionStateWorking && transitionTo(curr) == models.SessionStateBroken {
		return models.TransitionReasonStateRegression, true
	}
	if prev.Type == models.EventTypeTestPass && curr.Type == models.EventTypeBroke {
		return models.TransitionReasonTestBreak, true
	}
	if curr.Impact != nil {
		if curr.Impact.Severity == models.SeverityHigh || curr.Impact.Severity == models.SeverityCritical {
			return models.TransitionReasonHighImpact, true
		}
		if curr.Impact.PerfDelta < perfRegressionThreshold {
			return models.TransitionReasonPerfRegression, true
		}
	}
	return "", false
}

func transitionTo(ev models.SessionEvent) models.SessionState {
	if ev.StateTransition == nil {
		return ""
	}
	return ev.StateTransition.To
}

func eventEntityIDs(ev models.SessionEvent) []string {
	if ev.Changes == nil {
		return nil
	}
	return ev.Changes.EntityIDs
}

// IsolateSession extracts the slice of a session attributable to one
// agent: their events, the anchors they contributed to, and their summed
// perf delta.
func (b *Bridge) IsolateSession(ctx context.Context, sessionID, agentID string) (*models.IsolationResult, error) {
	if agentID == "" {
		return nil, NewValidationError("agent id is required")
	}
	events, err := b.reader.Events(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	result := &models.IsolationResult{SessionID: sessionID, AgentID: agentID}
	entitySeen := make(map[string]struct{})
	var entityIDs []string
	for _, ev := range events {
		if ev.Actor != agentID {
			continue
		}
		result.Events = append(result.Events, ev)
		if ev.Impact != nil {
			result.PerfDelta += ev.Impact.PerfDelta
		}
		for _, id := range eventEntityIDs(ev) {
			if _, ok := entitySeen[id]; !ok {
				entitySeen[id] = struct{}{}
				entityIDs = append(entityIDs, id)
			}
		}
	}

	if b.kg != nil {
		for _, entityID := range entityIDs {
			anchors, err := kg.Anchors(ctx, b.kg, entityID)
			if err != nil {
				return nil, fmt.Errorf("failed to read anchors for isolation: %w", err)
			}
			for _, a := range anchors {
				if a.SessionID == sessionID && slices.Contains(a.Actors, agentID) {
					result.Anchors = append(result.Anchors, a)
				}
			}
		}
	}
	return result, nil
}

// HandoffContext briefs a joining agent: the recent event window, KG
// context for the entities it touches, who is active, and warning flags
// for recent breaks and high-impact changes.
func (b *Bridge) HandoffContext(ctx context.Context, sessionID, joiningAgent string) (*models.HandoffContextResult, error) {
	doc, err := b.reader.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	recent, err := b.reader.Tail(ctx, sessionID, handoffWindow)
	if err != nil {
		return nil, err
	}

	result := &models.HandoffContextResult{
		SessionID:    sessionID,
		JoiningAgent: joiningAgent,
		RecentEvents: recent,
		ActiveAgents: doc.AgentIDs,
	}

	var breaks, highImpact int
	entitySeen := make(map[string]struct{})
	var entityIDs []string
	for _, ev := range recent {
		if ev.Type == models.EventTypeBroke || transitionTo(ev) == models.SessionStateBroken {
			breaks++
		}
		if ev.Impact != nil && (ev.Impact.Severity == models.SeverityHigh || ev.Impact.Severity == models.SeverityCritical) {
			highImpact++
		}
		for _, id := range eventEntityIDs(ev) {
			if _, ok := entitySeen[id]; !ok {
				entitySeen[id] = struct{}{}
				entityIDs = append(entityIDs, id)
			}
		}
	}

	if breaks > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d breaking change(s) in the last %d events", breaks, len(recent)))
	}
	if highImpact > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d high-impact change(s) in the last %d events", highImpact, len(recent)))
	}
	if doc.State == models.SessionStateBroken {
		result.Warnings = append(result.Warnings, "session is currently broken")
	}

	if b.kg != nil && len(entityIDs) > 0 {
		rows, err := kg.EntityContext(ctx, b.kg, entityIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load entity context: %w", err)
		}
		result.EntityRows = rows
	}

	advisory := fmt.Sprintf("%d active agent(s): %s. %d recent event(s).",
		len(doc.AgentIDs), strings.Join(doc.AgentIDs, ", "), len(recent))
	if len(result.Warnings) > 0 {
		advisory += " Warnings: " + strings.Join(result.Warnings, "; ") + "."
	}
	result.Advisory = advisory
	return result, nil
}

// QuerySessionsByEntity unions KG-anchored sessions with live sessions
// whose recent events reference the entity, deduplicated by session id,
// then applies the option filters.
func (b *Bridge) QuerySessionsByEntity(ctx context.Context, entityID string, opts models.SessionsByEntityOptions) ([]models.EntitySession, error) {
	if entityID == "" {
		return nil, NewValidationError("entity id is required")
	}

	byID := make(map[string]*models.EntitySession)
	var order []string

	if b.kg != nil {
		anchors, err := kg.Anchors(ctx, b.kg, entityID)
		if err != nil {
			return nil, fmt.Errorf("failed to read anchors: %w", err)
		}
		for _, a := range anchors {
			byID[a.SessionID] = &models.EntitySession{
				SessionID: a.SessionID,
				Source:    models.EntitySessionSourceKG,
				Outcome:   a.Outcome,
				Agents:    a.Actors,
				PerfDelta: a.PerfDelta,
				Timestamp: a.Timestamp,
			}
			order = append(order, a.SessionID)
		}
	}

	if opts.IncludeActive {
		ids, err := b.reader.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		for _, sid := range ids {
			doc, err := b.reader.Get(ctx, sid)
			if err != nil {
				if IsNotFound(err) {
					continue // expired between list and read
				}
				return nil, err
			}
			recent := doc.RecentEvents
			if len(recent) == 0 {
				recent, err = b.reader.Tail(ctx, sid, handoffWindow)
				if err != nil {
					return nil, err
				}
			}
			if !eventsTouchEntity(recent, entityID) {
				continue
			}
			if existing, ok := byID[sid]; ok {
				existing.State = doc.State
				existing.Agents = doc.AgentIDs
				continue
			}
			byID[sid] = &models.EntitySession{
				SessionID: sid,
				Source:    models.EntitySessionSourceActive,
				State:     doc.State,
				Agents:    doc.AgentIDs,
			}
			order = append(order, sid)
		}
	}

	results := make([]models.EntitySession, 0, len(order))
	for _, sid := range order {
		es := byID[sid]
		if opts.AgentID != "" && !slices.Contains(es.Agents, opts.AgentID) {
			continue
		}
		if opts.State != "" && es.State != opts.State {
			continue
		}
		results = append(results, *es)
	}
	return results, nil
}

func eventsTouchEntity(events []models.SessionEvent, entityID string) bool {
	for _, ev := range events {
		if slices.Contains(eventEntityIDs(ev), entityID) {
			return true
		}
	}
	return false
}

// Aggregates rolls up session activity across a set of entities
func (b *Bridge) Aggregates(ctx context.Context, entityIDs []string, opts models.SessionsByEntityOptions) (*models.SessionAggregates, error) {
	if len(entityIDs) == 0 {
		return nil, NewValidationError("at least one entity id is required")
	}

	agg := &models.SessionAggregates{
		EntityIDs: entityIDs,
		Outcomes:  make(map[string]int),
		PerEntity: make(map[string]models.EntityAggregate),
	}
	sessions := make(map[string]struct{})
	agents := make(map[string]struct{})
	var deltas []float64

	for _, entityID := range entityIDs {
		hits, err := b.QuerySessionsByEntity(ctx, entityID, opts)
		if err != nil {
			return nil, err
		}

		entity := models.EntityAggregate{
			EntityID: entityID,
			Outcomes: make(map[string]int),
		}
		var entityDeltas []float64
		for _, h := range hits {
			sessions[h.SessionID] = struct{}{}
			for _, a := range h.Agents {
				agents[a] = struct{}{}
			}
			if h.Outcome != "" {
				agg.Outcomes[string(h.Outcome)]++
				entity.Outcomes[string(h.Outcome)]++
			}
			deltas = append(deltas, h.PerfDelta)
			entityDeltas = append(entityDeltas, h.PerfDelta)
		}
		entity.Sessions = len(hits)
		entity.PerfImpact = perfImpact(entityDeltas)
		agg.PerEntity[entityID] = entity
	}

	agg.Sessions = len(sessions)
	agg.ActiveAgents = len(agents)
	agg.PerfImpact = perfImpact(deltas)
	return agg, nil
}

// perfImpact folds deltas into total, average, and the worst (most
// negative) value.
func perfImpact(deltas []float64) models.PerfImpact {
	var impact models.PerfImpact
	if len(deltas) == 0 {
		return impact
	}
	impact.Worst = deltas[0]
	for _, d := range deltas {
		impact.Total += d
		if d < impact.Worst {
			impact.Worst = d
		}
	}
	impact.Avg = impact.Total / float64(len(deltas))
	return impact
}
