package rollback

import (
	"context"
	"sort"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// nearSimultaneousWindow is the gap under which ordering between two
// timestamped changes is considered unreliable.
const nearSimultaneousWindow = time.Minute

// timeBasedStrategy rolls back only the changes inside the operation's
// time window, newest first so later edits are undone before the earlier
// edits they may build on. Changes without a discoverable timestamp are
// excluded and reported.
type timeBasedStrategy struct{}

func (s *timeBasedStrategy) Kind() models.RollbackStrategyKind {
	return models.RollbackStrategyTimeBased
}

func (s *timeBasedStrategy) Validate(ctx context.Context, sc *StrategyContext) error {
	f := sc.TimeFilter
	if f == nil {
		return NewValidationError("time-based rollback requires a time filter")
	}
	if f.RollbackToTimestamp == nil && f.IncludeChangesAfter == nil &&
		f.ExcludeChangesAfter == nil && f.MaxChangeAge == nil {
		return NewValidationError("time filter sets no bounds")
	}
	return nil
}

func (s *timeBasedStrategy) EstimateTime(sc *StrategyContext) time.Duration {
	kept, _ := filterByTime(sc.Changes, sc.TimeFilter, time.Now())
	return time.Duration(len(kept)) * perChangeEstimate
}

func (s *timeBasedStrategy) Execute(ctx context.Context, sc *StrategyContext) error {
	if err := sc.RefreshState(ctx); err != nil {
		return err
	}
	kept, undated := filterByTime(sc.Changes, sc.TimeFilter, time.Now())
	for _, ch := range undated {
		sc.Log("warn", "Change has no timestamp, excluded from time-based rollback", map[string]any{
			"path": ch.Path,
		})
	}
	if len(kept) == 0 {
		sc.Log("info", "No changes inside the time window", map[string]any{
			"changes": len(sc.Changes),
			"undated": len(undated),
		})
		sc.Progress(100)
		return nil
	}

	if pairs := nearSimultaneous(kept); pairs > 0 {
		sc.Log("warn", "Near-simultaneous changes, ordering between them is unreliable", map[string]any{
			"pairs":  pairs,
			"window": nearSimultaneousWindow.String(),
		})
	}

	conflicts := sc.detectConflictsIn(kept)
	skip, overrides, err := sc.ResolveConflicts(ctx, conflicts)
	if err != nil {
		return err
	}
	changes := filterResolved(kept, skip, overrides)
	if len(changes) == 0 {
		sc.Progress(100)
		return nil
	}
	for i, ch := range changes {
		if err := sc.ApplyChanges(ctx, []Change{ch}); err != nil {
			return err
		}
		sc.Progress((i + 1) * 100 / len(changes))
	}
	return nil
}

// filterByTime keeps the timestamped changes the filter selects, sorted
// newest first. Undated changes come back separately.
func filterByTime(changes []Change, f *models.TimebasedFilter, now time.Time) (kept, undated []Change) {
	type dated struct {
		ch Change
		ts time.Time
	}
	var in []dated
	for _, ch := range changes {
		ts, ok := changeTimestamp(ch)
		if !ok {
			undated = append(undated, ch)
			continue
		}
		if f.RollbackToTimestamp != nil && !ts.After(*f.RollbackToTimestamp) {
			continue
		}
		if f.IncludeChangesAfter != nil && !ts.After(*f.IncludeChangesAfter) {
			continue
		}
		if f.ExcludeChangesAfter != nil && ts.After(*f.ExcludeChangesAfter) {
			continue
		}
		if f.MaxChangeAge != nil && now.Sub(ts) > *f.MaxChangeAge {
			continue
		}
		tsCopy := ts
		ch.Timestamp = &tsCopy
		in = append(in, dated{ch, ts})
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].ts.After(in[j].ts) })
	for _, d := range in {
		kept = append(kept, d.ch)
	}
	return kept, undated
}

// nearSimultaneous counts adjacent changes closer than the warning window
func nearSimultaneous(sorted []Change) int {
	pairs := 0
	for i := 1; i < len(sorted); i++ {
		a, b := sorted[i-1].Timestamp, sorted[i].Timestamp
		if a == nil || b == nil {
			continue
		}
		gap := a.Sub(*b)
		if gap < 0 {
			gap = -gap
		}
		if gap < nearSimultaneousWindow {
			pairs++
		}
	}
	return pairs
}

// timestampKeys are the property names a change's values are probed for
// when the change itself carries no timestamp.
var timestampKeys = []string{"timestamp", "updatedAt", "__timestamp"}

// changeTimestamp finds when a change happened: the change's own
// timestamp, then its metadata, then timestamp-ish properties on either
// value. The old value is probed first: in a live-to-snapshot diff it is
// the live side, whose timestamp dates the edit being undone.
func changeTimestamp(ch Change) (time.Time, bool) {
	if ch.Timestamp != nil {
		return *ch.Timestamp, true
	}
	for _, k := range timestampKeys {
		if v, ok := ch.Metadata[k]; ok {
			if ts, ok := parseTimeValue(v); ok {
				return ts, true
			}
		}
	}
	for _, side := range []any{ch.OldValue, ch.NewValue} {
		m, ok := asObject(side)
		if !ok {
			continue
		}
		for _, k := range timestampKeys {
			if v, ok := m[k]; ok {
				if ts, ok := parseTimeValue(v); ok {
					return ts, true
				}
			}
		}
	}
	return time.Time{}, false
}

func parseTimeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
