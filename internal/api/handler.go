package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// reportCacheTTL bounds how long a finished report is served from cache.
const reportCacheTTL = 15 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	detector *pipeline.Detector
	engine   *rules.Engine
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, detector *pipeline.Detector, engine *rules.Engine, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		detector: detector,
		engine:   engine,
		version:  version,
	}
}

// ScoreRequest is the request body for POST /score.
type ScoreRequest struct {
	Transactions []domain.TransactionRequest `json:"transactions"`

	// Config tunes this run only; unset fields keep the server defaults.
	Config *ScoreOverrides `json:"config,omitempty"`
}

// ScoreOverrides is the per-request subset of the detection tuning
// surface. The merged configuration is validated like any other.
type ScoreOverrides struct {
	ContaminationFraction  *float64 `json:"contaminationFraction,omitempty"`
	SigmaThreshold         *float64 `json:"sigmaThreshold,omitempty"`
	VelocityWindowMinutes  *int     `json:"velocityWindowMinutes,omitempty"`
	VelocityCountThreshold *int     `json:"velocityCountThreshold,omitempty"`
	LargeAmountCeiling     *float64 `json:"largeAmountCeiling,omitempty"`
	NewMerchantMultiple    *float64 `json:"newMerchantMultiple,omitempty"`
}

func (o *ScoreOverrides) apply(cfg domain.DetectionConfig) domain.DetectionConfig {
	if o.ContaminationFraction != nil {
		cfg.ContaminationFraction = *o.ContaminationFraction
	}
	if o.SigmaThreshold != nil {
		cfg.SigmaThreshold = *o.SigmaThreshold
	}
	if o.VelocityWindowMinutes != nil {
		cfg.VelocityWindowMinutes = *o.VelocityWindowMinutes
	}
	if o.VelocityCountThreshold != nil {
		cfg.VelocityCountThreshold = *o.VelocityCountThreshold
	}
	if o.LargeAmountCeiling != nil {
		cfg.LargeAmountCeiling = *o.LargeAmountCeiling
	}
	if o.NewMerchantMultiple != nil {
		cfg.NewMerchantMultiple = *o.NewMerchantMultiple
	}
	return cfg
}

// Score handles POST /score: scores an inline batch synchronously.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	traceID := GetTraceID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	detector := h.detector
	if req.Config != nil {
		d, err := pipeline.New(req.Config.apply(h.detector.Config()), pipeline.WithCustomRules(h.engine))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		detector = d
	}

	txs := make([]domain.Transaction, 0, len(req.Transactions))
	for i := range req.Transactions {
		tx := req.Transactions[i].ToTransaction(userID)
		tx.ID = uuid.New().String()
		txs = append(txs, *tx)
	}

	report, err := detector.Detect(ctx, txs)
	if err != nil {
		slog.Error("scoring failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "scoring failed",
		})
		return
	}
	report.UserID = userID
	report.Metadata.TraceID = traceID

	h.persistReport(r, userID, report)

	writeJSON(w, http.StatusOK, report)
}

// ScoreStoredRequest selects the stored window for POST /score/stored
// and /score/async. Zero times mean an unbounded side.
type ScoreStoredRequest struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// ScoreStored handles POST /score/stored: scores previously ingested
// transactions in the requested window.
func (h *Handler) ScoreStored(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	traceID := GetTraceID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var req ScoreStoredRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	txs, err := h.repo.ListTransactions(ctx, userID, req.Since, req.Until)
	if err != nil {
		slog.Error("failed to load transactions", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load transactions",
		})
		return
	}

	report, err := h.detector.Detect(ctx, txs)
	if err != nil {
		slog.Error("scoring failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "scoring failed",
		})
		return
	}
	report.UserID = userID
	report.Metadata.TraceID = traceID

	h.persistReport(r, userID, report)

	writeJSON(w, http.StatusOK, report)
}

// ScoreAsync handles POST /score/async: queues a scoring request on the
// event bus and returns immediately. The finished report is announced
// on the report-completed topic and retrievable via GET /reports/{id}.
func (h *Handler) ScoreAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var req ScoreStoredRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	requestID := uuid.New().String()
	payload, _ := json.Marshal(map[string]any{
		"requestId": requestID,
		"userId":    userID,
		"since":     req.Since,
		"until":     req.Until,
	})

	if err := h.bus.Publish(ctx, userID, domain.TopicScoringRequested, payload); err != nil {
		slog.Error("failed to queue scoring request", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to queue scoring request",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "queued",
		"requestId": requestID,
	})
}

// persistReport saves and caches a finished report. Failures are logged
// but never fail the scoring response.
func (h *Handler) persistReport(r *http.Request, userID string, report *domain.Report) {
	ctx := r.Context()
	if h.repo != nil {
		if err := h.repo.SaveReport(ctx, userID, report); err != nil {
			slog.Error("failed to save report", "report_id", report.ID, "error", err)
		}
	}
	if h.cache != nil {
		if err := h.cache.SetReport(ctx, userID, report.ID, report, reportCacheTTL); err != nil {
			slog.Error("failed to cache report", "report_id", report.ID, "error", err)
		}
	}
}

// GetReport retrieves a report by ID, cache first.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	reportID := chi.URLParam(r, "id")

	if reportID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "report id is required",
		})
		return
	}

	if h.cache != nil {
		if cached, err := h.cache.GetReport(ctx, userID, reportID); err == nil && cached != nil {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	report, err := h.repo.GetReport(ctx, userID, reportID)
	if err != nil {
		slog.Error("failed to get report", "id", reportID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "report not found",
		})
		return
	}

	if h.cache != nil {
		_ = h.cache.SetReport(ctx, userID, reportID, report, reportCacheTTL)
	}

	writeJSON(w, http.StatusOK, report)
}

// ListReports returns the most recent reports for the user.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	reports, err := h.repo.ListReports(ctx, userID, limit)
	if err != nil {
		slog.Error("failed to list reports", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list reports",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

// CreateTransaction handles POST /transactions: ingests one transaction.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Type != string(domain.TypeExpense) && req.Type != string(domain.TypeIncome) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type must be 'expense' or 'income'",
		})
		return
	}
	if !domain.ValidAmount(req.Amount) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be a finite number",
		})
		return
	}

	tx := req.ToTransaction(userID)
	tx.ID = uuid.New().String()

	if err := h.repo.SaveTransaction(ctx, userID, tx); err != nil {
		slog.Error("failed to save transaction", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, userID, txID)
	if err != nil {
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetBaselines returns per-category spending baselines over the stored
// history, applying the same exclusions as a scoring run.
func (h *Handler) GetBaselines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var since, until time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			until = t
		}
	}

	txs, err := h.repo.ListTransactions(ctx, userID, since, until)
	if err != nil {
		slog.Error("failed to load transactions", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load transactions",
		})
		return
	}

	matrix, _ := features.Build(txs)
	baselines := stats.Baselines(matrix.Transactions)

	out := make([]domain.CategoryBaseline, 0, len(baselines))
	for _, b := range baselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })

	writeJSON(w, http.StatusOK, map[string]any{
		"baselines": out,
		"count":     len(out),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
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

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all custom rules loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule creates a new custom rule for the calling user.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		UserID:      userID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	// Validate CEL expression before persisting
	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, userID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name, "user_id", userID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads the calling user's rules from the database into
// the engine. This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rule engine not available",
		})
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, userID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules), "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
