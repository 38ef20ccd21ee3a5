package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	scheduler *scoring.Scheduler
	engine    *rules.Engine
	rollupTTL time.Duration
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	ttl := deps.RollupTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Handler{
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		scheduler: deps.Scheduler,
		engine:    deps.Engine,
		rollupTTL: ttl,
		version:   deps.Version,
	}
}

// TransactionRequest is the body of POST /transactions and POST /scoring/preview.
type TransactionRequest struct {
	AccountID      string   `json:"accountId"`
	Name           string   `json:"name,omitempty"`
	MerchantName   *string  `json:"merchantName,omitempty"`
	Amount         *float64 `json:"amount"`
	Currency       string   `json:"currency,omitempty"`
	Date           string   `json:"date,omitempty"`
	PaymentChannel *string  `json:"paymentChannel,omitempty"`
	Pending        bool     `json:"pending"`
}

// CreateTransactionResponse is the response for POST /transactions.
type CreateTransactionResponse struct {
	Transaction      *domain.Transaction `json:"transaction"`
	ScoringScheduled bool                `json:"scoringScheduled"`
}

// ReviewRequest is the body of POST /transactions/{id}/review.
type ReviewRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// EnqueueRequest is the body of POST /scoring/enqueue.
type EnqueueRequest struct {
	IDs []any `json:"ids"`
}

// EnqueueResponse is the response for POST /scoring/enqueue.
type EnqueueResponse struct {
	Scheduled bool `json:"scheduled"`
	Count     int  `json:"count"` // distinct IDs
}

// PreviewResponse is the response for POST /scoring/preview.
type PreviewResponse struct {
	Result   domain.ScoringResult `json:"result"`
	Features []float64            `json:"features,omitempty"`
	Scaled   []float64            `json:"scaled,omitempty"`
}

// CreateTransaction handles POST /transactions. The stored row is scheduled
// for background scoring; the response does not wait for it.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required")
		return
	}
	if req.Date == "" {
		req.Date = time.Now().UTC().Format(domain.DateLayout)
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	tx := &domain.Transaction{
		UserID:         userID,
		AccountID:      req.AccountID,
		Name:           req.Name,
		MerchantName:   req.MerchantName,
		Amount:         *req.Amount,
		Currency:       req.Currency,
		Date:           req.Date,
		PaymentChannel: req.PaymentChannel,
		Pending:        req.Pending,
	}

	id, err := h.repo.SaveTransaction(ctx, tx)
	if err != nil {
		h.writeRepoError(w, "failed to save transaction", err)
		return
	}

	scheduled := false
	if h.scheduler != nil {
		scheduled = h.scheduler.EnqueueIDs(id)
	}

	writeJSON(w, http.StatusCreated, CreateTransactionResponse{
		Transaction:      tx,
		ScoringScheduled: scheduled,
	})
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID, ok := parseID(w, r)
	if !ok {
		return
	}
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	tx, err := h.repo.GetTransaction(ctx, GetUserID(ctx), txID)
	if err != nil {
		h.writeRepoError(w, "failed to get transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// RemoveTransaction handles DELETE /transactions/{id}. Removed rows leave
// scoring and rollups but stay stored.
func (h *Handler) RemoveTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	txID, ok := parseID(w, r)
	if !ok {
		return
	}
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.RemoveTransaction(ctx, userID, txID); err != nil {
		h.writeRepoError(w, "failed to remove transaction", err)
		return
	}
	h.invalidateRollup(ctx, userID)

	w.WriteHeader(http.StatusNoContent)
}

// ReviewTransaction handles POST /transactions/{id}/review. A non-pending
// status shields the row from later rescoring.
func (h *Handler) ReviewTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	txID, ok := parseID(w, r)
	if !ok {
		return
	}

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	status, err := domain.ParseReviewStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.SetReview(ctx, userID, txID, status, userID, req.Note); err != nil {
		h.writeRepoError(w, "failed to record review", err)
		return
	}
	h.invalidateRollup(ctx, userID)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     txID,
		"status": status,
	})
}

// GetRiskRollup handles GET /risks/rollup, serving from cache when possible.
func (h *Handler) GetRiskRollup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.cache != nil {
		rollup, err := h.cache.GetRollup(ctx, userID)
		if err != nil {
			slog.Warn("risk rollup cache read failed", "user_id", userID, "error", err)
		} else if rollup != nil {
			w.Header().Set(CacheHeader, "HIT")
			writeJSON(w, http.StatusOK, rollup)
			return
		}
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	rollup, err := h.repo.RiskRollup(ctx, userID)
	if err != nil {
		h.writeRepoError(w, "failed to compute risk rollup", err)
		return
	}

	if h.cache != nil {
		if err := h.cache.SetRollup(ctx, userID, rollup, h.rollupTTL); err != nil {
			slog.Warn("risk rollup cache write failed", "user_id", userID, "error", err)
		}
	}

	w.Header().Set(CacheHeader, "MISS")
	writeJSON(w, http.StatusOK, rollup)
}

// ListPendingReview handles GET /risks/pending?limit=N.
func (h *Handler) ListPendingReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultPendingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPendingLimit)
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	txs, err := h.repo.ListPendingReview(ctx, GetUserID(ctx), limit)
	if err != nil {
		h.writeRepoError(w, "failed to list pending review", err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// EnqueueScoring handles POST /scoring/enqueue. IDs may be numbers or
// numeric strings; one malformed ID rejects the batch.
func (h *Handler) EnqueueScoring(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scoring not available")
		return
	}

	var req EnqueueRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	ids, err := domain.ParseTxIDs(req.IDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids = domain.DistinctTxIDs(ids)

	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		Scheduled: h.scheduler.EnqueueIDs(ids...),
		Count:     len(ids),
	})
}

// PreviewScore handles POST /scoring/preview: scores a raw transaction
// through the pipeline without storing anything.
func (h *Handler) PreviewScore(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil || h.scheduler.Loader() == nil {
		writeError(w, http.StatusServiceUnavailable, "scoring not available")
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	predictor, err := h.scheduler.Loader().Get()
	if err != nil {
		slog.Error("scoring pipeline unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "scoring pipeline unavailable")
		return
	}

	row := domain.ScoringRow{
		UserID:         GetUserID(r.Context()),
		Amount:         req.Amount,
		PaymentChannel: req.PaymentChannel,
		Pending:        req.Pending,
		MerchantName:   req.MerchantName,
	}
	if req.Date != "" {
		row.Date = &req.Date
	}

	if p, ok := predictor.(*scoring.Pipeline); ok {
		exp := p.Explain(row)
		writeJSON(w, http.StatusOK, PreviewResponse{
			Result:   exp.Result,
			Features: exp.Features[:],
			Scaled:   exp.Scaled[:],
		})
		return
	}

	writeJSON(w, http.StatusOK, PreviewResponse{Result: predictor.Predict(row)})
}

// ModelInfo handles GET /scoring/model. It never triggers a load.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil || h.scheduler.Loader() == nil {
		writeError(w, http.StatusServiceUnavailable, "scoring not available")
		return
	}
	loader := h.scheduler.Loader()

	info := map[string]any{
		"path":   loader.Path(),
		"loaded": loader.Loaded(),
		"loads":  loader.Loads(),
	}
	if loader.Loaded() {
		if predictor, err := loader.Get(); err == nil {
			if p, ok := predictor.(*scoring.Pipeline); ok {
				info["bundle"] = p.Bundle().Summary()
			}
		}
	}

	writeJSON(w, http.StatusOK, info)
}

// ListAlertRules handles GET /alerts/rules.
func (h *Handler) ListAlertRules(w http.ResponseWriter, r *http.Request) {
	loaded := []*domain.AlertRule{}
	if h.engine != nil {
		loaded = h.engine.GetLoadedRules()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready handles GET /ready. Every configured backing service must answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("eventBus", h.bus.Ping)
	}

	resp := map[string]any{
		"ready":  ready,
		"checks": checks,
	}
	if h.scheduler != nil {
		scoringInfo := map[string]any{
			"enabled":  h.scheduler.Enabled(),
			"inFlight": h.scheduler.InFlight(),
		}
		if h.scheduler.Loader() != nil {
			scoringInfo["modelLoaded"] = h.scheduler.Loader().Loaded()
		}
		resp["scoring"] = scoringInfo
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) invalidateRollup(ctx context.Context, userID string) {
	if h.cache == nil {
		return
	}
	if err := cache.InvalidateRollup(ctx, h.cache, userID); err != nil {
		slog.Warn("failed to invalidate risk rollup", "user_id", userID, "error", err)
	}
}

func (h *Handler) writeRepoError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "transaction id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
