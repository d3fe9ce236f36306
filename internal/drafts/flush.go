package drafts

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	opFlush                    = "drafts.flush"
	opRestore                  = "drafts.restore"
	fieldDraftID               = "draft_id"
	fieldSnapshotID            = "snapshot_id"
	reasonDraftSelectFailed    = "draft_select_failed"
	reasonDraftUpsertFailed    = "draft_upsert_failed"
	reasonSnapshotInsertFailed = "snapshot_insert_failed"
	reasonSnapshotPruneFailed  = "snapshot_prune_failed"
	reasonSnapshotLookupFailed = "snapshot_lookup_failed"
	reasonSnapshotNotFound     = "snapshot_not_found"
	reasonTransactionFailed    = "transaction_failed"
)

// FlushResult reports what a flush persisted.
type FlushResult struct {
	Draft    Draft
	Snapshot Snapshot
	Evicted  int64
	Skipped  bool
}

// ApplyFlush persists update as the next draft version, appends a snapshot of its content
// and trims the snapshot ring to snapshotLimit, all in one transaction. An empty update
// writes nothing.
func (r *Repository) ApplyFlush(ctx context.Context, draftID DraftID, update Fields, appliedAt time.Time, snapshotLimit int64) (FlushResult, error) {
	if update.IsEmpty() {
		return FlushResult{Skipped: true}, nil
	}

	var result FlushResult
	txErr := r.Transaction(ctx, func(tx *Repository) error {
		prior, err := tx.FindDraft(ctx, draftID)
		if err != nil {
			r.logError(opFlush, reasonDraftSelectFailed, err, zap.String(fieldDraftID, draftID.String()))
			return NewServiceError(opFlush, reasonDraftSelectFailed, StorageError(err))
		}

		outcome := composeFlush(draftID, prior, update, appliedAt)
		if err := tx.UpsertDraft(ctx, &outcome.Draft); err != nil {
			r.logError(opFlush, reasonDraftUpsertFailed, err, zap.String(fieldDraftID, draftID.String()))
			return NewServiceError(opFlush, reasonDraftUpsertFailed, StorageError(err))
		}
		if err := tx.AppendSnapshot(ctx, &outcome.Snapshot); err != nil {
			r.logError(opFlush, reasonSnapshotInsertFailed, err, zap.String(fieldDraftID, draftID.String()))
			return NewServiceError(opFlush, reasonSnapshotInsertFailed, StorageError(err))
		}
		evicted, err := tx.PruneSnapshots(ctx, draftID, snapshotLimit)
		if err != nil {
			r.logError(opFlush, reasonSnapshotPruneFailed, err, zap.String(fieldDraftID, draftID.String()))
			return NewServiceError(opFlush, reasonSnapshotPruneFailed, StorageError(err))
		}

		result = FlushResult{
			Draft:    outcome.Draft,
			Snapshot: outcome.Snapshot,
			Evicted:  evicted,
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return FlushResult{}, txErr
		}
		r.logError(opFlush, reasonTransactionFailed, txErr, zap.String(fieldDraftID, draftID.String()))
		return FlushResult{}, NewServiceError(opFlush, reasonTransactionFailed, StorageError(txErr))
	}
	return result, nil
}

// ApplyRestore makes the content of snapshotID the next draft version. Naming attributes
// come from the current row overlaid with those present in naming; content attributes of
// naming are ignored. No snapshot is written or evicted.
func (r *Repository) ApplyRestore(ctx context.Context, draftID DraftID, snapshotID SnapshotID, naming Fields, appliedAt time.Time) (Draft, error) {
	var restored Draft
	txErr := r.Transaction(ctx, func(tx *Repository) error {
		snapshot, err := tx.FindSnapshot(ctx, snapshotID)
		if err != nil {
			r.logError(opRestore, reasonSnapshotLookupFailed, err,
				zap.String(fieldDraftID, draftID.String()),
				zap.Int64(fieldSnapshotID, snapshotID.Int64()))
			return NewServiceError(opRestore, reasonSnapshotLookupFailed, StorageError(err))
		}
		if snapshot == nil || snapshot.DraftID != draftID.String() {
			return NewServiceError(opRestore, reasonSnapshotNotFound, ErrSnapshotNotFound)
		}

		current, err := tx.FindDraft(ctx, draftID)
		if err != nil {
			r.logError(opRestore, reasonDraftSelectFailed, err, zap.String(fieldDraftID, draftID.String()))
			return NewServiceError(opRestore, reasonDraftSelectFailed, StorageError(err))
		}

		restored = composeRestore(draftID, current, naming, *snapshot, appliedAt)
		if err := tx.UpsertDraft(ctx, &restored); err != nil {
			r.logError(opRestore, reasonDraftUpsertFailed, err, zap.String(fieldDraftID, draftID.String()))
			return NewServiceError(opRestore, reasonDraftUpsertFailed, StorageError(err))
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return Draft{}, txErr
		}
		r.logError(opRestore, reasonTransactionFailed, txErr, zap.String(fieldDraftID, draftID.String()))
		return Draft{}, NewServiceError(opRestore, reasonTransactionFailed, StorageError(txErr))
	}
	return restored, nil
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.Logger().Error("drafts repository error", attrs...)
}
