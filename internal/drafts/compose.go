package drafts

import "time"

// FlushOutcome is the next state computed for a flush.
type FlushOutcome struct {
	Draft    Draft
	Snapshot Snapshot
}

// composeFlush merges update over prior and captures the content of the result.
// Version starts at 1 and increments by exactly one.
func composeFlush(draftID DraftID, prior *Draft, update Fields, appliedAt time.Time) FlushOutcome {
	base := Fields{}
	var priorVersion int64
	if prior != nil {
		base = prior.Fields()
		priorVersion = prior.Version
	}

	next := base.Merge(update)
	appliedAtMs := appliedAt.UTC().UnixMilli()
	return FlushOutcome{
		Draft:    newDraftRow(draftID, next, appliedAtMs, nextVersion(priorVersion)),
		Snapshot: newSnapshotRow(draftID, next.Content(), appliedAtMs),
	}
}

// composeRestore keeps naming attributes of current overlaid with naming, and takes
// content from snapshot.
func composeRestore(draftID DraftID, current *Draft, naming Fields, snapshot Snapshot, appliedAt time.Time) Draft {
	base := Fields{}
	var currentVersion int64
	if current != nil {
		base = current.Fields()
		currentVersion = current.Version
	}
	next := base.Merge(naming.Naming()).WithContent(snapshot.Content())
	return newDraftRow(draftID, next, appliedAt.UTC().UnixMilli(), nextVersion(currentVersion))
}

func nextVersion(prior int64) int64 {
	next := prior + 1
	if next <= 0 {
		next = 1
	}
	return next
}
