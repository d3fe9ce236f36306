package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/draftsafe/internal/auth"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/autosave"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/drafts"
	"github.com/MarcoPoloResearchLab/draftsafe/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "draftsafe_subject"
	accessTokenQuery  = "access_token"
	draftIDParam      = "id"
)

var (
	errMissingManager       = errors.New("autosave manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator validates bearer tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// IDProvider mints identities for new drafts.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

type Dependencies struct {
	Manager *autosave.Manager
	// Tokens is optional; without it the API is unauthenticated.
	Tokens            TokenValidator
	Metrics           *metrics.Collector
	IDs               IDProvider
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Manager == nil {
		return nil, errMissingManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := deps.IDs
	if ids == nil {
		ids = uuidProvider{}
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		manager:   deps.Manager,
		tokens:    deps.Tokens,
		ids:       ids,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	api := router.Group("/drafts")
	if deps.Tokens != nil {
		api.Use(handler.authorizeRequest)
	}
	api.POST("", handler.handleCreateDraft)
	api.GET("/:id", handler.handleGetDraft)
	api.PATCH("/:id", handler.handleUpdateDraft)
	api.POST("/:id/lifecycle", handler.handleLifecycle)
	api.GET("/:id/snapshots", handler.handleListSnapshots)
	api.POST("/:id/restore", handler.handleRestore)
	api.GET("/:id/status", handler.handleStatusStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	manager   *autosave.Manager
	tokens    TokenValidator
	ids       IDProvider
	heartbeat time.Duration
	logger    *zap.Logger
}

type selectionPayload struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type updateRequestPayload struct {
	ProjectName *string           `json:"project_name"`
	PromptName  *string           `json:"prompt_name"`
	DocState    json.RawMessage   `json:"doc_state"`
	Selection   *selectionPayload `json:"selection"`
}

type draftResponsePayload struct {
	DraftID     string            `json:"draft_id"`
	ProjectName *string           `json:"project_name"`
	PromptName  *string           `json:"prompt_name"`
	DocState    drafts.DocState   `json:"doc_state"`
	Selection   *selectionPayload `json:"selection"`
	Version     int64             `json:"version"`
	UpdatedAtMs int64             `json:"updated_at_ms"`
	Saving      bool              `json:"saving"`
	Pending     bool              `json:"pending"`
}

type snapshotResponsePayload struct {
	SnapshotID  int64             `json:"snapshot_id"`
	DocState    drafts.DocState   `json:"doc_state"`
	Selection   *selectionPayload `json:"selection"`
	CreatedAtMs int64             `json:"created_at_ms"`
}

type lifecycleRequestPayload struct {
	Signal string `json:"signal"`
}

type restoreRequestPayload struct {
	SnapshotID int64 `json:"snapshot_id"`
}

func (h *httpHandler) handleCreateDraft(c *gin.Context) {
	rawID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to mint draft id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
		return
	}
	draftID, err := drafts.NewDraftID(rawID)
	if err != nil {
		h.logger.Error("minted draft id rejected", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"draft_id": draftID.String()})
}

func (h *httpHandler) handleGetDraft(c *gin.Context) {
	draftID, ok := h.draftID(c)
	if !ok {
		return
	}
	draft, err := h.manager.Draft(c.Request.Context(), draftID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.draftResponse(draftID, draft))
}

func (h *httpHandler) handleUpdateDraft(c *gin.Context) {
	draftID, ok := h.draftID(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update, err := request.fields()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	if err := h.manager.Merge(draftID, update); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"draft_id": draftID.String(), "pending": true})
}

func (h *httpHandler) handleLifecycle(c *gin.Context) {
	draftID, ok := h.draftID(c)
	if !ok {
		return
	}
	var request lifecycleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	signal, err := autosave.ParseSignal(request.Signal)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signal"})
		return
	}

	h.manager.Signal(draftID, signal)

	draft, err := h.manager.Draft(c.Request.Context(), draftID)
	if errors.Is(err, drafts.ErrDraftNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.draftResponse(draftID, draft))
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	draftID, ok := h.draftID(c)
	if !ok {
		return
	}
	snapshots, err := h.manager.Snapshots(c.Request.Context(), draftID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]snapshotResponsePayload, 0, len(snapshots))
	for _, snapshot := range snapshots {
		content := snapshot.Content()
		response = append(response, snapshotResponsePayload{
			SnapshotID:  snapshot.SnapshotID,
			DocState:    content.DocState,
			Selection:   newSelectionPayload(content.Selection),
			CreatedAtMs: snapshot.CreatedAtMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"draft_id": draftID.String(), "snapshots": response})
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	draftID, ok := h.draftID(c)
	if !ok {
		return
	}
	var request restoreRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshotID, err := drafts.NewSnapshotID(request.SnapshotID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot_id"})
		return
	}
	restored, err := h.manager.Restore(c.Request.Context(), draftID, snapshotID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.draftResponse(draftID, restored))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// EventSource cannot set headers, so the status stream may pass its token in the query.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if c.Request.Method == http.MethodGet {
		return strings.TrimSpace(c.Query(accessTokenQuery))
	}
	return ""
}

func (h *httpHandler) draftID(c *gin.Context) (drafts.DraftID, bool) {
	draftID, err := drafts.NewDraftID(c.Param(draftIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_draft_id"})
		return "", false
	}
	return draftID, true
}

func (h *httpHandler) draftResponse(draftID drafts.DraftID, draft drafts.Draft) draftResponsePayload {
	fields := draft.Fields()
	response := draftResponsePayload{
		DraftID:     draftID.String(),
		ProjectName: fields.ProjectName,
		PromptName:  fields.PromptName,
		DocState:    fields.DocState,
		Selection:   newSelectionPayload(fields.Selection),
		Version:     draft.Version,
		UpdatedAtMs: draft.UpdatedAtMs,
	}
	if session, ok := h.manager.Lookup(draftID); ok {
		response.Saving = session.Saving()
		response.Pending = session.HasPending()
	}
	return response
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	body := gin.H{"error": reason}
	var serviceErr *drafts.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("draft request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, drafts.ErrDraftNotFound):
		return http.StatusNotFound, "draft_not_found"
	case errors.Is(err, drafts.ErrSnapshotNotFound):
		return http.StatusNotFound, "snapshot_not_found"
	case errors.Is(err, drafts.ErrInvalidDraftID),
		errors.Is(err, drafts.ErrInvalidSnapshotID),
		errors.Is(err, drafts.ErrInvalidSelection),
		errors.Is(err, drafts.ErrInvalidDocState):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, drafts.ErrStorageFailure):
		return http.StatusServiceUnavailable, "storage_failure"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (p updateRequestPayload) fields() (drafts.Fields, error) {
	fields := drafts.Fields{
		ProjectName: p.ProjectName,
		PromptName:  p.PromptName,
	}
	if len(p.DocState) > 0 && string(p.DocState) != "null" {
		docState, err := drafts.NewDocState(p.DocState)
		if err != nil {
			return drafts.Fields{}, err
		}
		fields.DocState = docState
	}
	if p.Selection != nil {
		selection, err := drafts.NewSelection(p.Selection.From, p.Selection.To)
		if err != nil {
			return drafts.Fields{}, err
		}
		fields.Selection = &selection
	}
	return fields, nil
}

func newSelectionPayload(selection *drafts.Selection) *selectionPayload {
	if selection == nil {
		return nil
	}
	return &selectionPayload{From: selection.From, To: selection.To}
}
