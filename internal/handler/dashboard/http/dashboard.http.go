package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/krobus00/halal-trading-service/internal/config"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/infrastructure"
	"github.com/krobus00/halal-trading-service/internal/repository"
	"github.com/krobus00/halal-trading-service/internal/service/orchestrator"
	"github.com/krobus00/halal-trading-service/internal/service/portfolio"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

type PortfolioQuery interface {
	Orders(ctx context.Context, filter repository.OrderFilter) ([]entity.Order, error)
	Order(ctx context.Context, id string) (entity.OrderDetail, error)
	Positions(ctx context.Context) []entity.Position
	Trades(ctx context.Context, symbol string, limit, offset uint64) ([]entity.TradeRecord, error)
	Stats(ctx context.Context) (entity.PortfolioStats, error)
	Reconciliations(ctx context.Context, onlyDiscrepancies bool, limit uint64) ([]entity.ReconciliationReport, error)
}

type SignalPublisher interface {
	PublishSignal(ctx context.Context, signal entity.Signal) error
}

type ComplianceService interface {
	Evaluate(ctx context.Context, symbol string) entity.ComplianceVerdict
	Invalidate(ctx context.Context, symbol string) error
}

type ComplianceOverrides interface {
	Upsert(ctx context.Context, attrs entity.ComplianceAttributes) error
}

type ComplianceOverrideRequest struct {
	AssetClass               entity.AssetClass `json:"asset_class"`
	DebtRatio                *float64          `json:"debt_ratio"`
	InterestIncomeRatio      *float64          `json:"interest_income_ratio"`
	CashRatio                *float64          `json:"cash_ratio"`
	NonCompliantRevenueRatio *float64          `json:"non_compliant_revenue_ratio"`
	BusinessActivities       []string          `json:"business_activities"`
	Whitelisted              *bool             `json:"whitelisted"`
	TokenCategories          []string          `json:"token_categories"`
	Note                     string            `json:"note"`
}

type SignalAcceptedResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type Handler struct {
	queries    PortfolioQuery
	signals    SignalPublisher
	compliance ComplianceService
	overrides  ComplianceOverrides
	apiKeys    []config.APIKeyConfig
	ready      func(ctx context.Context) error
	now        func() time.Time
}

func NewDashboardHTTPHandler(queries PortfolioQuery, signals SignalPublisher, compliance ComplianceService, overrides ComplianceOverrides, apiKeys []config.APIKeyConfig, ready func(ctx context.Context) error) *Handler {
	return &Handler{
		queries:    queries,
		signals:    signals,
		compliance: compliance,
		overrides:  overrides,
		apiKeys:    apiKeys,
		ready:      ready,
		now:        time.Now,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(infrastructure.HTTPSecurityHeaders)
	r.Use(infrastructure.HTTPAccessLog)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", h.Healthz)

	r.Route("/dashboard/v1", func(r chi.Router) {
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Get("/positions", h.ListPositions)
		r.Get("/trades", h.ListTrades)
		r.Get("/stats", h.GetStats)
		r.Get("/reconciliations", h.ListReconciliations)
		r.Get("/compliance/{symbol}", h.GetComplianceVerdict)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAPIKey)
			r.Post("/signals", h.SubmitSignal)
			r.Put("/compliance/{symbol}", h.PutComplianceOverride)
		})
	})

	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	orders, err := h.queries.Orders(r.Context(), repository.OrderFilter{
		Symbol: r.URL.Query().Get("symbol"),
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": orders})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	detail, err := h.queries.Order(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, portfolio.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": detail})
}

func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.queries.Positions(r.Context())})
}

func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	trades, err := h.queries.Trades(r.Context(), r.URL.Query().Get("symbol"), limit, offset)
	if err != nil {
		internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": trades})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.Stats(r.Context())
	if err != nil {
		if errors.Is(err, entity.ErrGatewayTransport) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "broker unavailable"})
			return
		}
		internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	limit, _, err := pagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	onlyDiscrepancies, _ := strconv.ParseBool(r.URL.Query().Get("discrepancies"))

	reports, err := h.queries.Reconciliations(r.Context(), onlyDiscrepancies, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": reports})
}

func (h *Handler) GetComplianceVerdict(w http.ResponseWriter, r *http.Request) {
	verdict := h.compliance.Evaluate(r.Context(), chi.URLParam(r, "symbol"))
	writeJSON(w, http.StatusOK, map[string]any{"data": verdict})
}

func (h *Handler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var signal entity.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	signal.Symbol = strings.ToUpper(strings.TrimSpace(signal.Symbol))
	signal.Side = entity.OrderSide(strings.ToUpper(strings.TrimSpace(string(signal.Side))))
	signal.OrderType = entity.OrderType(strings.ToUpper(strings.TrimSpace(string(signal.OrderType))))
	if strings.TrimSpace(signal.RequestID) == "" {
		signal.RequestID = uuid.NewString()
	}
	if signal.EmittedAt.IsZero() {
		signal.EmittedAt = h.now().UTC()
	}

	if err := signal.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	err := h.signals.PublishSignal(r.Context(), signal)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrPublishSignalFailed):
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		default:
			internalError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, SignalAcceptedResponse{
		RequestID: signal.RequestID,
		Status:    "queued",
	})
}

func (h *Handler) PutComplianceOverride(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req ComplianceOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	attrs, err := mapOverrideToAttributes(chi.URLParam(r, "symbol"), req, h.now().UTC())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if err := h.overrides.Upsert(r.Context(), attrs); err != nil {
		internalError(w, r, err)
		return
	}

	if err := h.compliance.Invalidate(r.Context(), attrs.AssetID); err != nil {
		logrus.WithField("symbol", attrs.AssetID).WithError(err).Warn("failed to invalidate cached verdict")
	}

	verdict := h.compliance.Evaluate(r.Context(), attrs.AssetID)
	writeJSON(w, http.StatusOK, map[string]any{"data": verdict})
}

func mapOverrideToAttributes(symbol string, req ComplianceOverrideRequest, now time.Time) (entity.ComplianceAttributes, error) {
	assetID := strings.ToUpper(strings.TrimSpace(symbol))
	if assetID == "" {
		return entity.ComplianceAttributes{}, errors.New("symbol is required")
	}

	assetClass := entity.AssetClass(strings.ToLower(strings.TrimSpace(string(req.AssetClass))))
	if assetClass != entity.AssetClassEquity && assetClass != entity.AssetClassToken {
		return entity.ComplianceAttributes{}, errors.New("asset_class must be equity or token")
	}

	for _, ratio := range []*float64{req.DebtRatio, req.InterestIncomeRatio, req.CashRatio, req.NonCompliantRevenueRatio} {
		if ratio != nil && (*ratio < 0 || *ratio > 1) {
			return entity.ComplianceAttributes{}, errors.New("ratios must be fractions between 0 and 1")
		}
	}

	attrs := entity.ComplianceAttributes{
		AssetID:                  assetID,
		SchemaVersion:            entity.ComplianceAttributesSchemaVersion,
		AssetClass:               assetClass,
		DebtRatio:                nullFloat(req.DebtRatio),
		InterestIncomeRatio:      nullFloat(req.InterestIncomeRatio),
		CashRatio:                nullFloat(req.CashRatio),
		NonCompliantRevenueRatio: nullFloat(req.NonCompliantRevenueRatio),
		BusinessActivities:       nonNilStrings(req.BusinessActivities),
		Whitelisted:              nullBool(req.Whitelisted),
		TokenCategories:          nonNilStrings(req.TokenCategories),
		Source:                   "operator",
		FetchedAt:                now,
		Note:                     nullString(req.Note),
	}

	return attrs, nil
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := validateAPIKey(h.apiKeys, r.Header.Get("X-API-Key"), h.now().UTC()); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pagination(r *http.Request) (limit, offset uint64, err error) {
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, errors.New("invalid limit")
		}
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	logrus.WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	}).WithError(err).Error("dashboard request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
