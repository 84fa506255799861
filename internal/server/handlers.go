package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quorumlabs/quorum/internal/auth"
	"github.com/quorumlabs/quorum/internal/billing"
	"github.com/quorumlabs/quorum/internal/debate"
	"github.com/quorumlabs/quorum/internal/ledger"
	"github.com/quorumlabs/quorum/internal/model"
	"github.com/quorumlabs/quorum/internal/storage"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db           *storage.DB
	jwtMgr       *auth.JWTManager
	orchestrator *debate.Orchestrator
	ledger       *ledger.Ledger
	billingSvc   *billing.Service
	logger       *slog.Logger
	version      string
	maxBodyBytes int64
	adminKeyHash string // Argon2id hash of the bootstrap admin key; empty disables token minting.
}

// HandlersDeps bundles the constructor arguments for Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Orchestrator        *debate.Orchestrator
	Ledger              *ledger.Ledger
	BillingSvc          *billing.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	AdminKeyHash        string
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:           deps.DB,
		jwtMgr:       deps.JWTMgr,
		orchestrator: deps.Orchestrator,
		ledger:       deps.Ledger,
		billingSvc:   deps.BillingSvc,
		logger:       deps.Logger,
		version:      deps.Version,
		maxBodyBytes: deps.MaxRequestBodyBytes,
		adminKeyHash: deps.AdminKeyHash,
	}
}

// HandleHealth responds to GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleMintToken responds to POST /v1/auth/token. It is the dev/bootstrap
// path for issuing user JWTs and is guarded by the admin API key.
func (h *Handlers) HandleMintToken(w http.ResponseWriter, r *http.Request) {
	if h.adminKeyHash == "" {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "token minting is disabled")
		return
	}
	key := r.Header.Get("X-Admin-Key")
	if key == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing admin key")
		return
	}
	ok, err := auth.VerifySecret(key, h.adminKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid admin key")
		return
	}

	var req struct {
		UserID uuid.UUID `json:"user_id"`
		Email  string    `json:"email"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		req.UserID = uuid.New()
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID, req.Email)
	if err != nil {
		h.logger.Error("mint token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"user_id":    req.UserID,
		"expires_at": expiresAt,
	})
}

// HandleListModels responds to GET /v1/models with the model catalog.
func (h *Handlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"models":        model.AllModels(),
		"summary_model": model.SummaryModel,
	})
}

// HandleStartDebate responds to POST /v1/debates.
func (h *Handlers) HandleStartDebate(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.StartDebateRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	req.UserID = claims.UserID()

	resp, err := h.orchestrator.Start(r.Context(), req)
	switch {
	case errors.Is(err, ledger.ErrBudgetExceeded):
		writeError(w, r, http.StatusPaymentRequired, model.ErrCodeBudgetExceeded, "weekly budget exceeded")
		return
	case errors.Is(err, debate.ErrUnsupportedAttachment):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case err != nil:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandleGetDebate responds to GET /v1/debates/{message_id}.
func (h *Handlers) HandleGetDebate(w http.ResponseWriter, r *http.Request) {
	messageID, err := uuid.Parse(r.PathValue("message_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid message id")
		return
	}

	run, err := h.orchestrator.GetRun(r.Context(), messageID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no debate run for message")
		return
	}
	if err != nil {
		h.logger.Error("get debate run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	if run.UserID != ClaimsFromContext(r.Context()).UserID() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no debate run for message")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleGetThreadDebate responds to GET /v1/threads/{thread_id}/debate with
// the most recent run for the thread.
func (h *Handlers) HandleGetThreadDebate(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid thread id")
		return
	}

	run, err := h.orchestrator.GetLatestRunForThread(r.Context(), threadID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no debate run for thread")
		return
	}
	if err != nil {
		h.logger.Error("get thread debate", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	if run.UserID != ClaimsFromContext(r.Context()).UserID() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no debate run for thread")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListThreadMessages responds to GET /v1/threads/{thread_id}/messages.
// Hidden synthesis instructions are filtered out.
func (h *Handlers) HandleListThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid thread id")
		return
	}

	thread, err := h.db.GetThread(r.Context(), threadID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
		return
	}
	if err != nil {
		h.logger.Error("get thread", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load thread")
		return
	}
	if thread.UserID != ClaimsFromContext(r.Context()).UserID() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
		return
	}

	msgs, err := h.db.ListMessages(r.Context(), threadID, true)
	if err != nil {
		h.logger.Error("list messages", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load messages")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"thread":   thread,
		"messages": msgs,
	})
}

// HandleUsage responds to GET /v1/usage with the current week's budget
// status, aggregate, and events.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID := ClaimsFromContext(r.Context()).UserID()

	status, err := h.ledger.BudgetStatus(r.Context(), userID)
	if err != nil {
		h.logger.Error("budget status", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load usage")
		return
	}

	weekStart := model.WeekStartUTC(time.Now())
	weekly, err := h.db.GetWeeklyUsage(r.Context(), userID, weekStart)
	if err != nil {
		h.logger.Error("weekly usage", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load usage")
		return
	}
	events, err := h.db.ListUsageEvents(r.Context(), userID, weekStart)
	if err != nil {
		h.logger.Error("usage events", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load usage")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"budget": status,
		"week":   weekly,
		"events": events,
	})
}

// HandleReUp responds to POST /v1/usage/reup.
func (h *Handlers) HandleReUp(w http.ResponseWriter, r *http.Request) {
	userID := ClaimsFromContext(r.Context()).UserID()

	resp, err := h.ledger.ReUp(r.Context(), userID)
	if errors.Is(err, ledger.ErrReUpNotEligible) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("re-up", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to apply re-up")
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}
