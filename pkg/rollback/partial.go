package rollback

import (
	"context"
	"strings"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// partialStrategy rolls back only the changes matched by the operation's
// selections. Higher-priority selections claim changes first, dependencies
// order the application, and everything unselected stays untouched.
type partialStrategy struct{}

func (s *partialStrategy) Kind() models.RollbackStrategyKind {
	return models.RollbackStrategyPartial
}

func (s *partialStrategy) Validate(ctx context.Context, sc *StrategyContext) error {
	if len(sc.Selections) == 0 {
		return NewValidationError("partial rollback requires at least one selection")
	}
	for i, sel := range sc.Selections {
		if sel.Type == "" {
			return NewValidationError("selection %d has no type", i)
		}
		if len(sel.Identifiers) == 0 {
			return NewValidationError("selection %d (%s) has no identifiers", i, sel.Type)
		}
	}
	return nil
}

func (s *partialStrategy) EstimateTime(sc *StrategyContext) time.Duration {
	selected, _ := selectChanges(sc.Changes, sc.Selections)
	return time.Duration(len(selected)) * perChangeEstimate
}

func (s *partialStrategy) Execute(ctx context.Context, sc *StrategyContext) error {
	if err := sc.RefreshState(ctx); err != nil {
		return err
	}
	selected, notes := selectChanges(sc.Changes, sc.Selections)
	for _, n := range notes {
		sc.Log("warn", n.msg, n.data)
	}
	if len(selected) == 0 {
		sc.Log("info", "No changes matched the selections", map[string]any{
			"selections": len(sc.Selections),
			"changes":    len(sc.Changes),
		})
		sc.Progress(100)
		return nil
	}

	ordered, depNotes := orderByDependencies(selected)
	for _, n := range depNotes {
		sc.Log("warn", n.msg, n.data)
	}

	conflicts := sc.detectConflictsIn(ordered)
	skip, overrides, err := sc.ResolveConflicts(ctx, conflicts)
	if err != nil {
		return err
	}
	changes := filterResolved(ordered, skip, overrides)
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

type selectionNote struct {
	msg  string
	data map[string]any
}

// selectChanges walks selections in descending priority and claims the
// changes each one matches. A change already claimed by a higher-priority
// selection is kept there and flagged. Returned changes keep priority
// order.
func selectChanges(changes []Change, selections []models.PartialSelection) ([]Change, []selectionNote) {
	ordered := make([]models.PartialSelection, len(selections))
	copy(ordered, selections)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority > ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	claimed := make(map[string]int) // change key -> claiming priority
	var selected []Change
	var notes []selectionNote
	for _, sel := range ordered {
		for _, ch := range changes {
			if !matchesSelection(ch, sel) {
				continue
			}
			key := string(ch.Op) + "|" + ch.Path
			if prio, dup := claimed[key]; dup {
				notes = append(notes, selectionNote{
					msg: "Change matched by multiple selections, keeping higher priority",
					data: map[string]any{
						"path":     ch.Path,
						"kept":     prio,
						"ignored":  sel.Priority,
						"selector": sel.Type,
					},
				})
				continue
			}
			claimed[key] = sel.Priority
			selected = append(selected, ch)
		}
	}
	return selected, notes
}

// matchesSelection reports whether a change belongs to a selection. A
// selection naming a snapshot type only sees changes of that type; other
// selection kinds (namespace, component) match across types. Identifiers
// prefix-match the first inner path segment, Exclude wins over Include.
func matchesSelection(ch Change, sel models.PartialSelection) bool {
	typ, inner := splitTypedPath(ch.Path)
	if models.SnapshotType(sel.Type).IsValid() && string(typ) != sel.Type {
		return false
	}

	first := topSegment(inner)
	matched := false
	for _, id := range sel.Identifiers {
		if strings.HasPrefix(first, id) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, ex := range sel.Exclude {
		if strings.HasPrefix(inner, ex) {
			return false
		}
	}
	if len(sel.Include) > 0 {
		for _, in := range sel.Include {
			if strings.HasPrefix(inner, in) {
				return true
			}
		}
		return false
	}
	return true
}

// orderByDependencies topologically sorts selected changes. Dependencies
// come from an explicit dependsOn list in change metadata, plus the
// implicit rule that relationship changes apply after entity changes. A
// cycle falls back to selection order with a warning.
func orderByDependencies(changes []Change) ([]Change, []selectionNote) {
	n := len(changes)
	byPath := make(map[string]int, n)
	for i, ch := range changes {
		byPath[ch.Path] = i
	}

	deps := make([]map[int]struct{}, n)
	for i, ch := range changes {
		deps[i] = make(map[int]struct{})
		for _, p := range dependsOn(ch) {
			if j, ok := byPath[p]; ok && j != i {
				deps[i][j] = struct{}{}
			}
		}
		if typ, _ := splitTypedPath(ch.Path); typ == models.SnapshotTypeRelationship {
			for j, other := range changes {
				if otherTyp, _ := splitTypedPath(other.Path); otherTyp == models.SnapshotTypeEntity {
					deps[i][j] = struct{}{}
				}
			}
		}
	}

	emitted := make([]bool, n)
	out := make([]Change, 0, n)
	var notes []selectionNote
	for len(out) < n {
		progressed := false
		for i := range changes {
			if emitted[i] {
				continue
			}
			ready := true
			for j := range deps[i] {
				if !emitted[j] {
					ready = false
					break
				}
			}
			if ready {
				emitted[i] = true
				out = append(out, changes[i])
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for i := range changes {
				if !emitted[i] {
					stuck = append(stuck, changes[i].Path)
					out = append(out, changes[i])
					emitted[i] = true
				}
			}
			notes = append(notes, selectionNote{
				msg:  "Dependency cycle among selected changes, applying in selection order",
				data: map[string]any{"paths": stuck},
			})
		}
	}
	return out, notes
}

// dependsOn reads the explicit dependency paths off a change's metadata
func dependsOn(ch Change) []string {
	raw, ok := ch.Metadata["dependsOn"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
