package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// immediateStrategy applies every change in one pass, reporting progress
// per change. This is the default for small diffs.
type immediateStrategy struct{}

func (s *immediateStrategy) Kind() models.RollbackStrategyKind {
	return models.RollbackStrategyImmediate
}

func (s *immediateStrategy) Validate(ctx context.Context, sc *StrategyContext) error {
	return nil
}

func (s *immediateStrategy) EstimateTime(sc *StrategyContext) time.Duration {
	return time.Duration(len(sc.Changes)) * perChangeEstimate
}

func (s *immediateStrategy) Execute(ctx context.Context, sc *StrategyContext) error {
	if err := sc.RefreshState(ctx); err != nil {
		return err
	}
	conflicts := sc.DetectConflicts()
	skip, overrides, err := sc.ResolveConflicts(ctx, conflicts)
	if err != nil {
		return err
	}
	changes := filterResolved(sc.Changes, skip, overrides)
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

// gradualStrategy applies changes in delayed batches so a large rollback
// trickles into live state instead of landing all at once. It refuses
// small diffs where batching is pure overhead.
type gradualStrategy struct {
	batchSize int
	delay     time.Duration
}

func (s *gradualStrategy) Kind() models.RollbackStrategyKind {
	return models.RollbackStrategyGradual
}

func (s *gradualStrategy) Validate(ctx context.Context, sc *StrategyContext) error {
	if len(sc.Changes) <= 5 {
		return newError(CodeStrategyRejected, sc.Operation.ID,
			fmt.Sprintf("gradual rollback needs more than 5 changes, got %d", len(sc.Changes)), nil)
	}
	return nil
}

func (s *gradualStrategy) EstimateTime(sc *StrategyContext) time.Duration {
	n := len(sc.Changes)
	batches := (n + s.effectiveBatchSize() - 1) / s.effectiveBatchSize()
	est := time.Duration(n) * perChangeEstimate
	if batches > 1 {
		est += time.Duration(batches-1) * s.delay
	}
	return est
}

func (s *gradualStrategy) effectiveBatchSize() int {
	if s.batchSize <= 0 {
		return 10
	}
	return s.batchSize
}

func (s *gradualStrategy) Execute(ctx context.Context, sc *StrategyContext) error {
	if err := sc.RefreshState(ctx); err != nil {
		return err
	}
	conflicts := sc.DetectConflicts()
	skip, overrides, err := sc.ResolveConflicts(ctx, conflicts)
	if err != nil {
		return err
	}
	changes := filterResolved(sc.Changes, skip, overrides)
	if len(changes) == 0 {
		sc.Progress(100)
		return nil
	}

	size := s.effectiveBatchSize()
	batch := 0
	for start := 0; start < len(changes); start += size {
		if start > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.delay):
			}
		}
		end := start + size
		if end > len(changes) {
			end = len(changes)
		}
		if err := sc.ApplyChanges(ctx, changes[start:end]); err != nil {
			return err
		}
		batch++
		sc.Progress(end * 100 / len(changes))
		sc.Log("info", "Applied rollback batch", map[string]any{
			"batch":   batch,
			"changes": end - start,
			"applied": end,
			"total":   len(changes),
		})
	}
	return nil
}

// safeStrategy backs up live state first, verifies every change after
// applying it, and restores the backup on any divergence. It refuses
// rollback points old enough that verification against them is
// meaningless.
type safeStrategy struct {
	maxAge time.Duration
}

func (s *safeStrategy) Kind() models.RollbackStrategyKind {
	return models.RollbackStrategySafe
}

func (s *safeStrategy) Validate(ctx context.Context, sc *StrategyContext) error {
	age := time.Since(sc.Point.CreatedAt)
	if age > s.maxAge {
		return newError(CodeStrategyRejected, sc.Point.ID,
			fmt.Sprintf("rollback point is %s old, safe strategy accepts at most %s", age.Round(time.Minute), s.maxAge), nil)
	}
	for _, ch := range sc.Changes {
		_, inner := splitTypedPath(ch.Path)
		if _, err := parsePath(inner); err != nil {
			return newError(CodeStrategyRejected, sc.Operation.ID, "change path is not applicable", err)
		}
		if ch.FromPath != "" {
			_, from := splitTypedPath(ch.FromPath)
			if _, err := parsePath(from); err != nil {
				return newError(CodeStrategyRejected, sc.Operation.ID, "change source path is not applicable", err)
			}
		}
	}
	return nil
}

func (s *safeStrategy) EstimateTime(sc *StrategyContext) time.Duration {
	// every change is applied and then re-read for verification
	return 2 * time.Duration(len(sc.Changes)) * perChangeEstimate
}

func (s *safeStrategy) Execute(ctx context.Context, sc *StrategyContext) error {
	if err := sc.RefreshState(ctx); err != nil {
		return err
	}
	conflicts := sc.DetectConflicts()
	skip, overrides, err := sc.ResolveConflicts(ctx, conflicts)
	if err != nil {
		return err
	}
	changes := filterResolved(sc.Changes, skip, overrides)
	if len(changes) == 0 {
		sc.Progress(100)
		return nil
	}

	if err := sc.MakeBackup(); err != nil {
		return err
	}
	for i, ch := range changes {
		if err := sc.ApplyChanges(ctx, []Change{ch}); err != nil {
			return s.undo(ctx, sc, ch.Path, err)
		}
		if err := s.verify(sc, ch); err != nil {
			return s.undo(ctx, sc, ch.Path, err)
		}
		sc.Progress((i + 1) * 100 / len(changes))
	}
	sc.DropBackup()
	return nil
}

// undo restores the pre-operation backup after a failed or unverifiable
// change.
func (s *safeStrategy) undo(ctx context.Context, sc *StrategyContext, path string, cause error) error {
	sc.Log("error", "Safe rollback failed, restoring backup", map[string]any{
		"path":  path,
		"error": cause.Error(),
	})
	if rerr := sc.RestoreBackup(context.WithoutCancel(ctx)); rerr != nil {
		return fmt.Errorf("safe rollback failed at %q: %w (backup restore also failed: %v)", path, cause, rerr)
	}
	sc.Log("info", "Backup restored", map[string]any{"ref": sc.backupRef()})
	return fmt.Errorf("safe rollback failed at %q, live state restored from backup: %w", path, cause)
}

// verify re-reads the change target and confirms the apply took
func (s *safeStrategy) verify(sc *StrategyContext, ch Change) error {
	post, exists := sc.liveValue(ch.Path)
	switch ch.Op {
	case ChangeDelete:
		if exists {
			return fmt.Errorf("value at %q still present after delete", ch.Path)
		}
	case ChangeUpdate, ChangeCreate, ChangeMove:
		if !exists {
			return fmt.Errorf("value at %q missing after apply", ch.Path)
		}
		if ch.Op != ChangeMove && !sc.engine.DeepEquals(post, ch.NewValue) {
			return fmt.Errorf("value at %q diverged from rollback target after apply", ch.Path)
		}
	}
	return nil
}

// forceStrategy applies everything in one shot with no conflict detection.
// Last resort for state too diverged for the other strategies.
type forceStrategy struct{}

func (s *forceStrategy) Kind() models.RollbackStrategyKind {
	return models.RollbackStrategyForce
}

func (s *forceStrategy) Validate(ctx context.Context, sc *StrategyContext) error {
	return nil
}

func (s *forceStrategy) EstimateTime(sc *StrategyContext) time.Duration {
	return time.Duration(len(sc.Changes)) * perChangeEstimate
}

func (s *forceStrategy) Execute(ctx context.Context, sc *StrategyContext) error {
	if err := sc.RefreshState(ctx); err != nil {
		return err
	}
	sc.Log("warn", "Force rollback, conflict detection disabled", map[string]any{
		"changes": len(sc.Changes),
	})
	if err := sc.ApplyChanges(ctx, sc.Changes); err != nil {
		return err
	}
	sc.Progress(100)
	return nil
}
