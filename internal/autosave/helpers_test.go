package autosave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testDelay = time.Second

var (
	testDatabaseSequence atomic.Int64
	testEpoch            = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
)

type testHarness struct {
	db          *gorm.DB
	repository  *drafts.Repository
	clock       *ManualClock
	coordinator *Coordinator
	hub         *LifecycleHub
	status      *StatusDispatcher
}

func newTestHarness(t *testing.T, snapshotLimit int) *testHarness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, db.AutoMigrate(&drafts.Draft{}, &drafts.Snapshot{}))

	repository, err := drafts.NewRepository(drafts.RepositoryConfig{Database: db, Logger: zap.NewNop()})
	require.NoError(t, err)

	clock := NewManualClock(testEpoch)
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Repository:    repository,
		Clock:         clock,
		SnapshotLimit: snapshotLimit,
	})
	require.NoError(t, err)

	return &testHarness{
		db:          db,
		repository:  repository,
		clock:       clock,
		coordinator: coordinator,
		hub:         NewLifecycleHub(),
		status:      NewStatusDispatcher(),
	}
}

func (h *testHarness) newSession(t *testing.T, rawID string) *Session {
	t.Helper()
	session, err := NewSession(SessionConfig{
		DraftID:            mustDraftID(t, rawID),
		Coordinator:        h.coordinator,
		Delay:              testDelay,
		ForcedFlushTimeout: 5 * time.Second,
		Lifecycle:          h.hub.Source(rawID),
		Status:             h.status,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Close(context.Background())
	})
	return session
}

func (h *testHarness) newManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerConfig{
		Coordinator:        h.coordinator,
		Delay:              testDelay,
		ForcedFlushTimeout: 5 * time.Second,
		Lifecycle:          h.hub,
		Status:             h.status,
	})
	require.NoError(t, err)
	return manager
}

// failSnapshotInserts makes every snapshot insert fail while the returned flag is set.
func (h *testHarness) failSnapshotInserts(t *testing.T) *atomic.Bool {
	t.Helper()
	var failing atomic.Bool
	err := h.db.Callback().Create().Before("gorm:create").Register("test:fail_snapshot_insert", func(tx *gorm.DB) {
		if failing.Load() && tx.Statement.Table == "draft_snapshots" {
			_ = tx.AddError(errInjectedStorage)
		}
	})
	require.NoError(t, err)
	return &failing
}

func (h *testHarness) storedDraft(t *testing.T, rawID string) (drafts.Draft, bool) {
	t.Helper()
	draft, err := h.repository.FindDraft(context.Background(), mustDraftID(t, rawID))
	require.NoError(t, err)
	if draft == nil {
		return drafts.Draft{}, false
	}
	return *draft, true
}

func (h *testHarness) snapshots(t *testing.T, rawID string) []drafts.Snapshot {
	t.Helper()
	snapshots, err := h.repository.ListSnapshots(context.Background(), mustDraftID(t, rawID))
	require.NoError(t, err)
	return snapshots
}

var errInjectedStorage = errors.New("injected storage failure")

func mustDraftID(t *testing.T, raw string) drafts.DraftID {
	t.Helper()
	draftID, err := drafts.NewDraftID(raw)
	require.NoError(t, err)
	return draftID
}

func docEdit(t *testing.T, raw string) drafts.Fields {
	t.Helper()
	state, err := drafts.NewDocState([]byte(raw))
	require.NoError(t, err)
	return drafts.Fields{DocState: state}
}

func drain(stream <-chan StatusEvent) []StatusEvent {
	var events []StatusEvent
	for {
		select {
		case event := <-stream:
			events = append(events, event)
		default:
			return events
		}
	}
}
