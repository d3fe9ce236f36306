package autosave

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/metrics"
	"go.uber.org/zap"
)

const (
	opCoordinatorNew     = "autosave.coordinator.new"
	opLoadDraft          = "autosave.load_draft"
	opListSnapshots      = "autosave.list_snapshots"
	fieldDraftID         = "draft_id"
	fieldSnapshotID      = "snapshot_id"
	fieldVersion         = "version"
	reasonMissingRepo    = "missing_repository"
	reasonInvalidLimit   = "invalid_snapshot_limit"
	reasonQueryFailed    = "query_failed"
	reasonDraftNotFound  = "draft_not_found"
	defaultSnapshotLimit = 20
)

var (
	errMissingRepository    = errors.New("draft repository is required")
	errInvalidSnapshotLimit = errors.New("snapshot limit must be at least 1")
	noOpLogger              = zap.NewNop()
)

// CoordinatorConfig describes the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Repository    *drafts.Repository
	Clock         Clock
	SnapshotLimit int
	Logger        *zap.Logger
	Metrics       *metrics.Collector
}

// Coordinator runs flushes and restores against the repository, one at a time per draft.
type Coordinator struct {
	repository    *drafts.Repository
	clock         Clock
	snapshotLimit int64
	locks         *keyedMutex
	logger        *zap.Logger
	metrics       *metrics.Collector
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Repository == nil {
		return nil, drafts.NewServiceError(opCoordinatorNew, reasonMissingRepo, errMissingRepository)
	}
	limit := cfg.SnapshotLimit
	if limit == 0 {
		limit = defaultSnapshotLimit
	}
	if limit < 1 {
		return nil, drafts.NewServiceError(opCoordinatorNew, reasonInvalidLimit, errInvalidSnapshotLimit)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		repository:    cfg.Repository,
		clock:         clock,
		snapshotLimit: int64(limit),
		locks:         newKeyedMutex(),
		logger:        logger,
		metrics:       cfg.Metrics,
	}, nil
}

// SnapshotLimit returns the ring bound.
func (c *Coordinator) SnapshotLimit() int {
	return int(c.snapshotLimit)
}

// Clock returns the clock used for timestamps and timers.
func (c *Coordinator) Clock() Clock {
	return c.clock
}

// Flush persists update as the next version of draftID. An empty update is skipped.
func (c *Coordinator) Flush(ctx context.Context, draftID drafts.DraftID, update drafts.Fields) (drafts.FlushResult, error) {
	if update.IsEmpty() {
		c.metrics.ObserveFlush(metrics.ResultSkipped, 0, 0)
		return drafts.FlushResult{Skipped: true}, nil
	}

	unlock := c.locks.Lock(draftID.String())
	defer unlock()

	startedAt := time.Now()
	result, err := c.repository.ApplyFlush(ctx, draftID, update, c.clock.Now(), c.snapshotLimit)
	elapsed := time.Since(startedAt)
	if err != nil {
		c.metrics.ObserveFlush(metrics.ResultError, elapsed, 0)
		return drafts.FlushResult{}, err
	}
	c.metrics.ObserveFlush(metrics.ResultOK, elapsed, result.Evicted)
	c.logger.Debug("draft flushed",
		zap.String(fieldDraftID, draftID.String()),
		zap.Int64(fieldVersion, result.Draft.Version),
		zap.Int64(fieldSnapshotID, result.Snapshot.SnapshotID),
		zap.Int64("evicted", result.Evicted),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// Restore makes snapshotID's content the next version of draftID without touching history.
// Naming attributes present in naming are applied in the same write.
func (c *Coordinator) Restore(ctx context.Context, draftID drafts.DraftID, snapshotID drafts.SnapshotID, naming drafts.Fields) (drafts.Draft, error) {
	unlock := c.locks.Lock(draftID.String())
	defer unlock()

	restored, err := c.repository.ApplyRestore(ctx, draftID, snapshotID, naming, c.clock.Now())
	if err != nil {
		if errors.Is(err, drafts.ErrSnapshotNotFound) {
			c.metrics.ObserveRestore(metrics.ResultNotFound)
		} else {
			c.metrics.ObserveRestore(metrics.ResultError)
		}
		return drafts.Draft{}, err
	}
	c.metrics.ObserveRestore(metrics.ResultOK)
	c.logger.Info("draft restored",
		zap.String(fieldDraftID, draftID.String()),
		zap.Int64(fieldSnapshotID, snapshotID.Int64()),
		zap.Int64(fieldVersion, restored.Version))
	return restored, nil
}

// Draft returns the persisted draft for hydration.
func (c *Coordinator) Draft(ctx context.Context, draftID drafts.DraftID) (drafts.Draft, error) {
	draft, err := c.repository.FindDraft(ctx, draftID)
	if err != nil {
		c.logError(opLoadDraft, reasonQueryFailed, err, zap.String(fieldDraftID, draftID.String()))
		return drafts.Draft{}, drafts.NewServiceError(opLoadDraft, reasonQueryFailed, drafts.StorageError(err))
	}
	if draft == nil {
		return drafts.Draft{}, drafts.NewServiceError(opLoadDraft, reasonDraftNotFound, drafts.ErrDraftNotFound)
	}
	return *draft, nil
}

// Snapshots lists the retained snapshots of draftID, newest first.
func (c *Coordinator) Snapshots(ctx context.Context, draftID drafts.DraftID) ([]drafts.Snapshot, error) {
	snapshots, err := c.repository.ListSnapshots(ctx, draftID)
	if err != nil {
		c.logError(opListSnapshots, reasonQueryFailed, err, zap.String(fieldDraftID, draftID.String()))
		return nil, drafts.NewServiceError(opListSnapshots, reasonQueryFailed, drafts.StorageError(err))
	}
	return snapshots, nil
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("autosave coordinator error", attrs...)
}
