package drafts

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDatabaseSequence atomic.Int64

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Draft{}, &Snapshot{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestRepository(testContext *testing.T) (*Repository, *gorm.DB) {
	testContext.Helper()
	db := openTestDatabase(testContext)
	repository, err := NewRepository(RepositoryConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build repository: %v", err)
	}
	return repository, db
}

func mustDraftID(testContext *testing.T, raw string) DraftID {
	testContext.Helper()
	draftID, err := NewDraftID(raw)
	if err != nil {
		testContext.Fatalf("invalid draft id %q: %v", raw, err)
	}
	return draftID
}

func docUpdate(testContext *testing.T, raw string) Fields {
	testContext.Helper()
	state, err := NewDocState([]byte(raw))
	if err != nil {
		testContext.Fatalf("invalid doc state %q: %v", raw, err)
	}
	return Fields{DocState: state}
}

func epoch(offset time.Duration) time.Time {
	return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).Add(offset)
}
