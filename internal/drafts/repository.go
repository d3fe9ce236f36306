package drafts

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnDraftID     = "draft_id"
	columnSnapshotID  = "snapshot_id"
	queryDraftID      = columnDraftID + " = ?"
	querySnapshotIDIn = columnSnapshotID + " IN ?"
	orderOldestFirst  = "created_at_ms ASC, " + columnSnapshotID + " ASC"
	orderNewestFirst  = "created_at_ms DESC, " + columnSnapshotID + " DESC"
	opRepositoryNew   = "drafts.repository.new"
	reasonMissingDB   = "missing_database"
	minSnapshotLimit  = 1
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// RepositoryConfig describes the dependencies of a Repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Repository provides typed access to the drafts and draft_snapshots tables.
// A Repository obtained inside Transaction is bound to that transaction.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository wraps an open store handle.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opRepositoryNew, reasonMissingDB, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{db: cfg.Database, logger: logger}, nil
}

// Logger returns the repository logger.
func (r *Repository) Logger() *zap.Logger {
	if r == nil || r.logger == nil {
		return noOpLogger
	}
	return r.logger
}

// Transaction runs fn against a transaction-scoped repository. Returning an error rolls back every write.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Repository{db: transaction, logger: r.logger})
	})
}

// FindDraft returns the draft row or nil when the identity has never been written.
func (r *Repository) FindDraft(ctx context.Context, draftID DraftID) (*Draft, error) {
	var draft Draft
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryDraftID, draftID.String()).
		Take(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &draft, nil
}

// UpsertDraft inserts the row or replaces every column of the existing row.
func (r *Repository) UpsertDraft(ctx context.Context, draft *Draft) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnDraftID}},
			UpdateAll: true,
		}).
		Create(draft).Error
}

// AppendSnapshot inserts a snapshot row and fills in its store-assigned identifier.
func (r *Repository) AppendSnapshot(ctx context.Context, snapshot *Snapshot) error {
	snapshot.SnapshotID = 0
	return r.db.WithContext(ctx).Create(snapshot).Error
}

// CountSnapshots returns the number of snapshots held for the draft.
func (r *Repository) CountSnapshots(ctx context.Context, draftID DraftID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Snapshot{}).
		Where(queryDraftID, draftID.String()).
		Count(&count).Error
	return count, err
}

// EvictOldestSnapshots deletes the n oldest snapshots of the draft, ordered by creation
// time with ties broken by ascending identifier. It returns the number of rows removed.
func (r *Repository) EvictOldestSnapshots(ctx context.Context, draftID DraftID, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	var victims []int64
	if err := r.db.WithContext(ctx).
		Model(&Snapshot{}).
		Where(queryDraftID, draftID.String()).
		Order(orderOldestFirst).
		Limit(int(n)).
		Pluck(columnSnapshotID, &victims).Error; err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where(querySnapshotIDIn, victims).
		Delete(&Snapshot{})
	return result.RowsAffected, result.Error
}

// PruneSnapshots enforces the ring bound and returns how many rows were evicted.
func (r *Repository) PruneSnapshots(ctx context.Context, draftID DraftID, limit int64) (int64, error) {
	if limit < minSnapshotLimit {
		limit = minSnapshotLimit
	}
	count, err := r.CountSnapshots(ctx, draftID)
	if err != nil {
		return 0, err
	}
	if count <= limit {
		return 0, nil
	}
	return r.EvictOldestSnapshots(ctx, draftID, count-limit)
}

// FindSnapshot returns the snapshot or nil when it does not exist.
func (r *Repository) FindSnapshot(ctx context.Context, snapshotID SnapshotID) (*Snapshot, error) {
	var snapshot Snapshot
	err := r.db.WithContext(ctx).
		Where(columnSnapshotID+" = ?", snapshotID.Int64()).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListSnapshots returns the snapshots of a draft, newest first.
func (r *Repository) ListSnapshots(ctx context.Context, draftID DraftID) ([]Snapshot, error) {
	snapshots := make([]Snapshot, 0)
	err := r.db.WithContext(ctx).
		Where(queryDraftID, draftID.String()).
		Order(orderNewestFirst).
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}
