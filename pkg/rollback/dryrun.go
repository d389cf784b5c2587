package rollback

import (
	"context"
	"sort"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// Preview is what a rollback would do, computed without touching live
// state. Affected entries are "<type>:<identifier>" strings.
type Preview struct {
	TotalChanges          int                 `json:"totalChanges"`
	ByOp                  map[ChangeOp]int    `json:"byOp"`
	EstimatedDuration     time.Duration       `json:"estimatedDuration"`
	Conflicts             []models.Conflict   `json:"conflicts,omitempty"`
	AffectedEntities      []string            `json:"affectedEntities,omitempty"`
	AffectedRelationships []string            `json:"affectedRelationships,omitempty"`
	AffectedFiles         []string            `json:"affectedFiles,omitempty"`
	Dependencies          PreviewDependencies `json:"dependencies"`
	Warnings              []string            `json:"warnings,omitempty"`
}

// PreviewDependencies describes the dependency structure of the previewed
// changes. Required paths are dependencies outside the selected set;
// affected paths are dependencies the operation itself will apply.
type PreviewDependencies struct {
	Required []string   `json:"required,omitempty"`
	Affected []string   `json:"affected,omitempty"`
	Circular [][]string `json:"circular,omitempty"`
}

// dryRunStrategy computes a preview of the operation: which changes would
// apply after selections and time filters, what they would touch, and
// which conflicts stand in the way. Nothing is mutated.
type dryRunStrategy struct{}

func (s *dryRunStrategy) Kind() models.RollbackStrategyKind {
	return models.RollbackStrategyDryRun
}

func (s *dryRunStrategy) Validate(ctx context.Context, sc *StrategyContext) error {
	return nil
}

func (s *dryRunStrategy) EstimateTime(sc *StrategyContext) time.Duration {
	return time.Duration(len(sc.Changes)) * time.Millisecond
}

func (s *dryRunStrategy) Execute(ctx context.Context, sc *StrategyContext) error {
	if err := sc.RefreshState(ctx); err != nil {
		return err
	}
	changes := sc.Changes
	var warnings []string

	if len(sc.Selections) > 0 {
		selected, notes := selectChanges(changes, sc.Selections)
		ordered, depNotes := orderByDependencies(selected)
		for _, n := range append(notes, depNotes...) {
			warnings = append(warnings, n.msg)
			sc.Log("warn", n.msg, n.data)
		}
		changes = ordered
	}
	if sc.TimeFilter != nil {
		kept, undated := filterByTime(changes, sc.TimeFilter, time.Now())
		for _, ch := range undated {
			warnings = append(warnings, "no timestamp: "+ch.Path)
		}
		changes = kept
	}

	preview := &Preview{
		TotalChanges:      len(changes),
		ByOp:              make(map[ChangeOp]int),
		EstimatedDuration: time.Duration(len(changes)) * perChangeEstimate,
		Conflicts:         sc.detectConflictsIn(changes),
		Dependencies:      previewDependencies(changes),
		Warnings:          warnings,
	}

	entities := make(map[string]struct{})
	relationships := make(map[string]struct{})
	files := make(map[string]struct{})
	for _, ch := range changes {
		preview.ByOp[ch.Op]++
		typ, inner := splitTypedPath(ch.Path)
		entry := string(typ) + ":" + topSegment(inner)
		switch typ {
		case models.SnapshotTypeEntity:
			entities[entry] = struct{}{}
		case models.SnapshotTypeRelationship:
			relationships[entry] = struct{}{}
		case models.SnapshotTypeFile:
			files[entry] = struct{}{}
		}
	}
	preview.AffectedEntities = sortedKeys(entities)
	preview.AffectedRelationships = sortedKeys(relationships)
	preview.AffectedFiles = sortedKeys(files)

	sc.Preview = preview
	sc.Progress(100)
	sc.Log("info", "Dry run complete", map[string]any{
		"total_changes": preview.TotalChanges,
		"conflicts":     len(preview.Conflicts),
		"warnings":      len(warnings),
	})
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// previewDependencies maps the explicit dependsOn edges of the previewed
// changes and finds cycles among them by depth-first search.
func previewDependencies(changes []Change) PreviewDependencies {
	inSet := make(map[string]struct{}, len(changes))
	for _, ch := range changes {
		inSet[ch.Path] = struct{}{}
	}

	adj := make(map[string][]string)
	required := make(map[string]struct{})
	affected := make(map[string]struct{})
	for _, ch := range changes {
		for _, dep := range dependsOn(ch) {
			adj[ch.Path] = append(adj[ch.Path], dep)
			if _, ok := inSet[dep]; ok {
				affected[dep] = struct{}{}
			} else {
				required[dep] = struct{}{}
			}
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(changes))
	var stack []string
	var cycles [][]string
	var visit func(p string)
	visit = func(p string) {
		state[p] = inStack
		stack = append(stack, p)
		for _, dep := range adj[p] {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			switch state[dep] {
			case unvisited:
				visit(dep)
			case inStack:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle := append([]string(nil), stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[p] = done
	}
	for _, ch := range changes {
		if state[ch.Path] == unvisited {
			visit(ch.Path)
		}
	}

	return PreviewDependencies{
		Required: sortedKeys(required),
		Affected: sortedKeys(affected),
		Circular: cycles,
	}
}
