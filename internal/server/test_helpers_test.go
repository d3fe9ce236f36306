package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/autosave"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/metrics"
	"github.com/gin-gonic/gin"
	githubsqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDatabaseSequence atomic.Int64

type testStack struct {
	handler http.Handler
	manager *autosave.Manager
	metrics *metrics.Collector
}

type stackOptions struct {
	tokens TokenValidator
	ids    IDProvider
}

func newTestStack(t *testing.T, options stackOptions) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, testDatabaseSequence.Add(1))
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&drafts.Draft{}, &drafts.Snapshot{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	repository, err := drafts.NewRepository(drafts.RepositoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	collector := metrics.NewCollector()
	coordinator, err := autosave.NewCoordinator(autosave.CoordinatorConfig{
		Repository:    repository,
		SnapshotLimit: 3,
		Metrics:       collector,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	manager, err := autosave.NewManager(autosave.ManagerConfig{
		Coordinator:        coordinator,
		Delay:              time.Hour,
		ForcedFlushTimeout: 5 * time.Second,
		Metrics:            collector,
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	t.Cleanup(func() {
		_ = manager.Shutdown(context.Background())
		_ = sqlDB.Close()
	})

	handler, err := NewHTTPHandler(Dependencies{
		Manager:           manager,
		Tokens:            options.tokens,
		Metrics:           collector,
		IDs:               options.ids,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testStack{handler: handler, manager: manager, metrics: collector}
}

func (s *testStack) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for index := 0; index+1 < len(headers); index += 2 {
		request.Header.Set(headers[index], headers[index+1])
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

type staticIDProvider struct {
	id  string
	err error
}

func (p staticIDProvider) NewID() (string, error) {
	return p.id, p.err
}

type stubTokenValidator struct {
	subject     string
	validateErr error
}

func (s stubTokenValidator) ValidateToken(string) (string, error) {
	return s.subject, s.validateErr
}
