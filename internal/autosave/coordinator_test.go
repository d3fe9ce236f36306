package autosave

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCoordinatorValidatesConfig(t *testing.T) {
	harness := newTestHarness(t, 20)

	_, err := NewCoordinator(CoordinatorConfig{})
	assert.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{Repository: harness.repository, SnapshotLimit: -1})
	assert.Error(t, err)

	coordinator, err := NewCoordinator(CoordinatorConfig{Repository: harness.repository})
	require.NoError(t, err)
	assert.Equal(t, defaultSnapshotLimit, coordinator.SnapshotLimit())
	assert.IsType(t, SystemClock{}, coordinator.Clock())
}

func TestCoordinatorSkipsEmptyUpdate(t *testing.T) {
	harness := newTestHarness(t, 20)
	result, err := harness.coordinator.Flush(context.Background(), mustDraftID(t, "draft-empty"), drafts.Fields{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	_, found := harness.storedDraft(t, "draft-empty")
	assert.False(t, found)
}

func TestCoordinatorSerializesFlushesPerDraft(t *testing.T) {
	harness := newTestHarness(t, 50)
	draftID := mustDraftID(t, "draft-concurrent")
	const writers = 8

	updates := make([]drafts.Fields, writers)
	for index := range updates {
		updates[index] = docEdit(t, fmt.Sprintf(`{"writer":%d}`, index))
	}

	var wg sync.WaitGroup
	versions := make([]int64, writers)
	errs := make([]error, writers)
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			result, err := harness.coordinator.Flush(context.Background(), draftID, updates[index])
			versions[index] = result.Draft.Version
			errs[index] = err
		}(index)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for index, version := range versions {
		assert.Equal(t, int64(index+1), version)
	}
	assert.Len(t, harness.snapshots(t, "draft-concurrent"), writers)
	assert.Zero(t, harness.coordinator.locks.size())
}

func TestCoordinatorRestoreUnknownSnapshot(t *testing.T) {
	harness := newTestHarness(t, 20)
	missing, err := drafts.NewSnapshotID(7)
	require.NoError(t, err)

	_, err = harness.coordinator.Restore(context.Background(), mustDraftID(t, "draft-1"), missing, drafts.Fields{})
	assert.ErrorIs(t, err, drafts.ErrSnapshotNotFound)
	_, found := harness.storedDraft(t, "draft-1")
	assert.False(t, found)
}
