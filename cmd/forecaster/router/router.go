// Package router configures HTTP routes for the forecaster's HTTP API.
//
// Routes configured:
//   - POST /v1/forecast - Run the ensemble for a tenant and store the result
//   - GET /forecast/current?tenant=<id> - Latest stored forecast
//   - POST /v1/evaluate - Score the latest forecast against actuals
//   - GET /v1/plan?tenant=<id> - Renewable integration summary
//   - GET /v1/models - Model inventory
//   - POST /v1/models/reload - Re-scan the artifact directory
//   - GET /v1/tenants - Configured tenants
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// Forecasts older than the stale threshold are still served, with an
// X-Gridcast-Stale header.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/gridcast/pkg/api"
	"github.com/HatiCode/gridcast/pkg/ensemble"
	"github.com/HatiCode/gridcast/pkg/evaluation"
	"github.com/HatiCode/gridcast/pkg/httpx"
	"github.com/HatiCode/gridcast/pkg/planning"
	"github.com/HatiCode/gridcast/pkg/series"
	"github.com/HatiCode/gridcast/pkg/service"
	"github.com/HatiCode/gridcast/pkg/storage"
	"github.com/HatiCode/gridcast/pkg/tenants"
)

// StaleHeader is set to "true" on forecasts older than the stale threshold.
const StaleHeader = "X-Gridcast-Stale"

const (
	maxBodyBytes = 4 << 20
	readTimeout  = 2 * time.Second
)

// Service is the forecaster API the routes delegate to.
type Service interface {
	Forecast(ctx context.Context, req api.ForecastRequest) (*ensemble.Result, error)
	Latest(ctx context.Context, tenant string) (*ensemble.Result, bool, error)
	Evaluate(ctx context.Context, req api.EvaluateRequest) (evaluation.Report, error)
	Plan(ctx context.Context, tenant string) (planning.Plan, error)
	Models() api.ModelsInfo
	Reload(ctx context.Context) api.ModelsInfo
	Tenants() []api.TenantInfo
}

// SetupRoutes configures HTTP endpoints for the forecaster. health may be nil.
func SetupRoutes(svc Service, health func() error, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger}

	mux := http.NewServeMux()

	if health != nil {
		mux.Handle("/healthz", httpx.HealthHandlerWithCheck(health))
	} else {
		mux.Handle("/healthz", httpx.HealthHandler())
	}
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/forecast", h.forecast)
	mux.HandleFunc("GET /forecast/current", h.current)
	mux.HandleFunc("POST /v1/evaluate", h.evaluate)
	mux.HandleFunc("GET /v1/plan", h.plan)
	mux.HandleFunc("GET /v1/models", h.models)
	mux.HandleFunc("POST /v1/models/reload", h.reload)
	mux.HandleFunc("GET /v1/tenants", h.tenants)

	return httpx.Chain(mux,
		httpx.RecoveryMiddleware(logger),
		httpx.RequestIDMiddleware(),
		httpx.LoggingMiddleware(logger),
	)
}

type handlers struct {
	svc    Service
	logger *slog.Logger
}

func (h *handlers) forecast(w http.ResponseWriter, r *http.Request) {
	var req api.ForecastRequest
	if err := httpx.DecodeJSON(r, maxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.svc.Forecast(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, res)
}

func (h *handlers) current(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	res, stale, err := h.svc.Latest(ctx, r.URL.Query().Get("tenant"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if stale {
		w.Header().Set(StaleHeader, "true")
	}
	h.write(w, http.StatusOK, res)
}

func (h *handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	var req api.EvaluateRequest
	if err := httpx.DecodeJSON(r, maxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err)
		return
	}

	report, err := h.svc.Evaluate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, report)
}

func (h *handlers) plan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	plan, err := h.svc.Plan(ctx, r.URL.Query().Get("tenant"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.write(w, http.StatusOK, plan)
}

func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, h.svc.Models())
}

func (h *handlers) reload(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, h.svc.Reload(r.Context()))
}

func (h *handlers) tenants(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, h.svc.Tenants())
}

func (h *handlers) write(w http.ResponseWriter, status int, v any) {
	if err := httpx.WriteJSON(w, status, v); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

// fail maps service errors to status codes. Unexpected errors are logged and
// reported without detail.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", httpx.RequestID(r.Context()),
			"error", err,
		)
		httpx.WriteErrorMessage(w, status, "internal server error")
		return
	}
	httpx.WriteError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ensemble.ErrInvalidRequest),
		errors.Is(err, series.ErrNotContiguous),
		errors.Is(err, storage.ErrInvalidTenant):
		return http.StatusBadRequest
	case errors.Is(err, tenants.ErrUnknownTenant),
		errors.Is(err, service.ErrNoForecast):
		return http.StatusNotFound
	case errors.Is(err, evaluation.ErrMetricNotComputable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
