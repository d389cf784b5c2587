// Package migration copies live sessions between Redis instances and
// verifies the copy. A run reads session hashes and event logs from the
// source pool and replays them into the target pool batch by batch,
// preserving TTLs; validation re-reads both sides afterwards and reports
// per-session discrepancies.
package migration

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
)

const sessionKeyPrefix = "session:"

func sessionKey(id string) string { return sessionKeyPrefix + id }
func eventsKey(id string) string  { return "events:" + id }

// Validation mismatch reasons. The strings are part of the report
// contract; operators grep for them.
const (
	ReasonMissingAtTarget = "Session missing at target"
	ReasonEventCount      = "Event count mismatch"
	ReasonState           = "State mismatch"
	ReasonMetadata        = "Metadata mismatch"
)

// Report summarizes one migration run
type Report struct {
	Requested int           `json:"requested"`
	Migrated  int           `json:"migrated"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Mismatch is one validation discrepancy
type Mismatch struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// ValidationReport is the outcome of comparing every source session
// against its copy at the target.
type ValidationReport struct {
	TotalChecked int        `json:"totalChecked"`
	Passed       int        `json:"passed"`
	Failed       int        `json:"failed"`
	Mismatches   []Mismatch `json:"mismatches"`
}

// Migrator copies sessions from a source pool to a target pool. Both
// pools are owned by the caller; Close only stops new work.
type Migrator struct {
	source *kv.Pool
	target *kv.Pool
	cfg    *config.MigrationConfig
	logger *slog.Logger
	closed atomic.Bool
}

// NewMigrator creates a migrator between the two pools.
func NewMigrator(source, target *kv.Pool, cfg *config.MigrationConfig, logger *slog.Logger) *Migrator {
	if cfg == nil {
		cfg = config.DefaultMigrationConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{source: source, target: target, cfg: cfg, logger: logger}
}

// Migrate copies the named sessions to the target; an empty list means
// every session found at the source. Sessions copy in batches of
// BatchSize with up to Concurrency copies in flight per batch, and
// cancellation is honored between batches. A session that vanished from
// the source after being requested is skipped, not failed.
func (m *Migrator) Migrate(ctx context.Context, sessionIDs []string) (*Report, error) {
	if m.closed.Load() {
		return nil, newError(CodeClosed, "", "migrator is shut down", nil)
	}

	start := time.Now()
	ids := sessionIDs
	if len(ids) == 0 {
		var err error
		if ids, err = m.listSessions(ctx); err != nil {
			return nil, err
		}
	}

	var migrated, skipped atomic.Int64
	for offset := 0; offset < len(ids); offset += m.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, newError(CodeCancelled, "", "cancelled between batches", err)
		}
		end := offset + m.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.Concurrency)
		for _, id := range ids[offset:end] {
			id := id
			g.Go(func() error {
				copied, err := m.copySession(gctx, id)
				if err != nil {
					return err
				}
				if copied {
					migrated.Add(1)
				} else {
					skipped.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	report := &Report{
		Requested: len(ids),
		Migrated:  int(migrated.Load()),
		Skipped:   int(skipped.Load()),
		Duration:  time.Since(start),
	}
	m.logger.Info("Migration run complete",
		"requested", report.Requested,
		"migrated", report.Migrated,
		"skipped", report.Skipped,
		"duration", report.Duration)
	return report, nil
}

// copySession moves one session hash and its event log. Returns false
// when the session is gone from the source.
func (m *Migrator) copySession(ctx context.Context, sessionID string) (bool, error) {
	var (
		hash      map[string]string
		events    []kv.ScoredMember
		hashTTL   time.Duration
		eventsTTL time.Duration
	)
	err := m.source.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		if hash, err = f.HGetAll(ctx, sessionKey(sessionID)); err != nil {
			return err
		}
		if len(hash) == 0 {
			return nil
		}
		if events, err = f.ZRangeWithScores(ctx, eventsKey(sessionID), 0, -1); err != nil {
			return err
		}
		if hashTTL, err = f.TTL(ctx, sessionKey(sessionID)); err != nil {
			return err
		}
		eventsTTL, err = f.TTL(ctx, eventsKey(sessionID))
		return err
	})
	if err != nil {
		return false, newError(CodeSourceFailed, sessionID, "failed to read session", err)
	}
	if len(hash) == 0 {
		m.logger.Warn("Session missing at source, skipping", "session_id", sessionID)
		return false, nil
	}

	err = m.target.Execute(ctx, kv.ConnTypeWrite, func(ctx context.Context, f *kv.Facade) error {
		fields := make(map[string]any, len(hash))
		for k, v := range hash {
			fields[k] = v
		}
		pipe := f.Client().Pipeline()
		// Replace rather than merge so re-running a migration converges on
		// the source state.
		pipe.Del(ctx, sessionKey(sessionID), eventsKey(sessionID))
		pipe.HSet(ctx, sessionKey(sessionID), fields)
		for _, member := range events {
			pipe.ZAdd(ctx, eventsKey(sessionID), redis.Z{Score: member.Score, Member: member.Member})
		}
		if hashTTL > 0 {
			pipe.Expire(ctx, sessionKey(sessionID), hashTTL)
		}
		if eventsTTL > 0 {
			pipe.Expire(ctx, eventsKey(sessionID), eventsTTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return false, newError(CodeTargetFailed, sessionID, "failed to write session", err)
	}
	return true, nil
}

// Validate compares every source session against the target and reports
// what differs. A source session that disappeared mid-validation is not
// counted; there is nothing left to hold the target to.
func (m *Migrator) Validate(ctx context.Context) (*ValidationReport, error) {
	if m.closed.Load() {
		return nil, newError(CodeClosed, "", "migrator is shut down", nil)
	}

	ids, err := m.listSessions(ctx)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{Mismatches: []Mismatch{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, newError(CodeCancelled, "", "validation cancelled", err)
		}
		src, err := m.digest(ctx, m.source, id)
		if err != nil {
			return nil, newError(CodeSourceFailed, id, "failed to summarize source session", err)
		}
		if !src.exists {
			continue
		}
		dst, err := m.digest(ctx, m.target, id)
		if err != nil {
			return nil, newError(CodeTargetFailed, id, "failed to summarize target session", err)
		}

		report.TotalChecked++
		reasons := compare(src, dst)
		if len(reasons) == 0 {
			report.Passed++
			continue
		}
		report.Failed++
		for _, reason := range reasons {
			report.Mismatches = append(report.Mismatches, Mismatch{SessionID: id, Reason: reason})
		}
	}

	m.logger.Info("Migration validation complete",
		"total_checked", report.TotalChecked,
		"passed", report.Passed,
		"failed", report.Failed)
	return report, nil
}

// Ping verifies both instances answer. Serves as the health probe for
// this component.
func (m *Migrator) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return newError(CodeClosed, "", "migrator is shut down", nil)
	}
	err := m.source.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		return f.Ping(ctx)
	})
	if err != nil {
		return newError(CodeSourceFailed, "", "source ping failed", err)
	}
	err = m.target.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		return f.Ping(ctx)
	})
	if err != nil {
		return newError(CodeTargetFailed, "", "target ping failed", err)
	}
	return nil
}

// Close stops new work. Idempotent.
func (m *Migrator) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.logger.Info("Migration service closed")
	return nil
}

// listSessions enumerates session ids at the source. Nested keys under
// the session: prefix (recovery data and the like) are not sessions.
func (m *Migrator) listSessions(ctx context.Context) ([]string, error) {
	var keys []string
	err := m.source.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		var err error
		keys, err = f.Keys(ctx, sessionKeyPrefix+"*")
		return err
	})
	if err != nil {
		return nil, newError(CodeSourceFailed, "", "failed to list sessions", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, sessionKeyPrefix)
		if id == "" || strings.Contains(id, ":") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// digest is the comparable summary of one session on one instance
type digest struct {
	exists   bool
	events   int64
	state    string
	metadata string
}

func (m *Migrator) digest(ctx context.Context, pool *kv.Pool, sessionID string) (*digest, error) {
	d := &digest{}
	err := pool.Execute(ctx, kv.ConnTypeRead, func(ctx context.Context, f *kv.Facade) error {
		n, err := f.Exists(ctx, sessionKey(sessionID))
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		d.exists = true
		if d.events, err = f.ZCard(ctx, eventsKey(sessionID)); err != nil {
			return err
		}
		if d.state, err = hashField(ctx, f, sessionKey(sessionID), "state"); err != nil {
			return err
		}
		d.metadata, err = hashField(ctx, f, sessionKey(sessionID), "metadata")
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// hashField reads one hash field, mapping a missing field to ""
func hashField(ctx context.Context, f *kv.Facade, key, field string) (string, error) {
	val, err := f.HGet(ctx, key, field)
	if err != nil {
		if kv.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return val, nil
}

func compare(src, dst *digest) []string {
	if !dst.exists {
		return []string{ReasonMissingAtTarget}
	}
	var reasons []string
	if src.events != dst.events {
		reasons = append(reasons, ReasonEventCount)
	}
	if src.state != dst.state {
		reasons = append(reasons, ReasonState)
	}
	if src.metadata != dst.metadata {
		reasons = append(reasons, ReasonMetadata)
	}
	return reasons
}
