package rollback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

func TestPartialValidateRequiresSelections(t *testing.T) {
	st := &partialStrategy{}

	sc := newStrategyContext(nil)
	err := st.Validate(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least one selection")

	sc.Selections = []models.PartialSelection{{Identifiers: []string{"auth"}}}
	err = st.Validate(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selection 0 has no type")

	sc.Selections = []models.PartialSelection{{Type: "entity"}}
	err = st.Validate(context.Background(), sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selection 0 (entity) has no identifiers")

	sc.Selections = []models.PartialSelection{{Type: "entity", Identifiers: []string{"auth"}}}
	assert.NoError(t, st.Validate(context.Background(), sc))
}

func TestSelectChangesClaimsByPriority(t *testing.T) {
	changes := []Change{
		{Op: ChangeUpdate, Path: "entity:auth.mode", NewValue: "a"},
		{Op: ChangeUpdate, Path: "entity:billing.mode", NewValue: "b"},
	}
	selections := []models.PartialSelection{
		{Type: "entity", Identifiers: []string{"auth", "billing"}, Priority: 1},
		{Type: "entity", Identifiers: []string{"auth"}, Priority: 5},
	}

	selected, notes := selectChanges(changes, selections)
	require.Len(t, selected, 2)
	// the priority-5 selection claims auth first
	assert.Equal(t, "entity:auth.mode", selected[0].Path)
	assert.Equal(t, "entity:billing.mode", selected[1].Path)

	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].msg, "multiple selections")
	assert.Equal(t, 5, notes[0].data["kept"])
	assert.Equal(t, 1, notes[0].data["ignored"])
}

func TestMatchesSelection(t *testing.T) {
	cases := []struct {
		name string
		path string
		sel  models.PartialSelection
		want bool
	}{
		{
			name: "snapshot type gates other types",
			path: "session_state:auth.mode",
			sel:  models.PartialSelection{Type: "entity", Identifiers: []string{"auth"}},
			want: false,
		},
		{
			name: "namespace selector matches across types",
			path: "session_state:auth.mode",
			sel:  models.PartialSelection{Type: "namespace", Identifiers: []string{"auth"}},
			want: true,
		},
		{
			name: "identifier prefixes the first segment",
			path: "entity:auth-service.mode",
			sel:  models.PartialSelection{Type: "entity", Identifiers: []string{"auth"}},
			want: true,
		},
		{
			name: "unmatched identifier",
			path: "entity:billing.mode",
			sel:  models.PartialSelection{Type: "entity", Identifiers: []string{"auth"}},
			want: false,
		},
		{
			name: "exclude wins over identifier match",
			path: "entity:auth.secrets.key",
			sel: models.PartialSelection{
				Type: "entity", Identifiers: []string{"auth"}, Exclude: []string{"auth.secrets"},
			},
			want: false,
		},
		{
			name: "include narrows the match",
			path: "entity:auth.other",
			sel: models.PartialSelection{
				Type: "entity", Identifiers: []string{"auth"}, Include: []string{"auth.mode"},
			},
			want: false,
		},
		{
			name: "include keeps listed paths",
			path: "entity:auth.mode",
			sel: models.PartialSelection{
				Type: "entity", Identifiers: []string{"auth"}, Include: []string{"auth.mode"},
			},
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := matchesSelection(Change{Op: ChangeUpdate, Path: tc.path}, tc.sel)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOrderByDependenciesImplicitRelationshipRule(t *testing.T) {
	changes := []Change{
		{Op: ChangeUpdate, Path: "relationship:rel-1.props", NewValue: 1},
		{Op: ChangeUpdate, Path: "entity:ent-1.props", NewValue: 2},
	}
	ordered, notes := orderByDependencies(changes)
	require.Empty(t, notes)
	require.Len(t, ordered, 2)
	assert.Equal(t, "entity:ent-1.props", ordered[0].Path)
	assert.Equal(t, "relationship:rel-1.props", ordered[1].Path)
}

func TestOrderByDependenciesExplicit(t *testing.T) {
	changes := []Change{
		{Op: ChangeUpdate, Path: "entity:a", Metadata: map[string]any{"dependsOn": "entity:b"}},
		{Op: ChangeUpdate, Path: "entity:b", Metadata: map[string]any{"dependsOn": []any{"entity:c"}}},
		{Op: ChangeUpdate, Path: "entity:c"},
	}
	ordered, notes := orderByDependencies(changes)
	require.Empty(t, notes)
	paths := []string{ordered[0].Path, ordered[1].Path, ordered[2].Path}
	assert.Equal(t, []string{"entity:c", "entity:b", "entity:a"}, paths)
}

func TestOrderByDependenciesCycleFallsBack(t *testing.T) {
	changes := []Change{
		{Op: ChangeUpdate, Path: "entity:a", Metadata: map[string]any{"dependsOn": "entity:b"}},
		{Op: ChangeUpdate, Path: "entity:b", Metadata: map[string]any{"dependsOn": "entity:a"}},
	}
	ordered, notes := orderByDependencies(changes)
	require.Len(t, ordered, 2)
	assert.Equal(t, "entity:a", ordered[0].Path)
	assert.Equal(t, "entity:b", ordered[1].Path)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].msg, "Dependency cycle")
}

func TestPartialExecuteTouchesOnlySelected(t *testing.T) {
	sc := newStrategyContext([]Change{
		{Op: ChangeUpdate, Path: "entity:auth.mode", OldValue: "edited", NewValue: "initial"},
		{Op: ChangeUpdate, Path: "entity:billing.plan", OldValue: "pro", NewValue: "free"},
	})
	sc.Selections = []models.PartialSelection{
		{Type: "entity", Identifiers: []string{"auth"}, Priority: 1},
	}
	src := newMemSource(models.SnapshotTypeEntity, Map{
		"auth":    Map{"mode": "edited"},
		"billing": Map{"plan": "pro"},
	})
	sc.sources[models.SnapshotTypeEntity] = src

	st := &partialStrategy{}
	require.NoError(t, st.Execute(context.Background(), sc))

	assert.Equal(t, "initial", src.get("auth", "mode"))
	assert.Equal(t, "pro", src.get("billing", "plan"))
	assert.Equal(t, 1, src.restoreCount())
}

func TestPartialExecuteNoMatchesIsNoOp(t *testing.T) {
	sc := newStrategyContext([]Change{
		{Op: ChangeUpdate, Path: "entity:billing.plan", OldValue: "pro", NewValue: "free"},
	})
	sc.Selections = []models.PartialSelection{
		{Type: "entity", Identifiers: []string{"auth"}, Priority: 1},
	}
	src := newMemSource(models.SnapshotTypeEntity, Map{"billing": Map{"plan": "pro"}})
	sc.sources[models.SnapshotTypeEntity] = src

	var progress int
	sc.progress = func(p int) { progress = p }

	require.NoError(t, (&partialStrategy{}).Execute(context.Background(), sc))
	assert.Equal(t, 100, progress)
	assert.Equal(t, 0, src.restoreCount())
}
