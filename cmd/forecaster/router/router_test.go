package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/HatiCode/gridcast/pkg/api"
	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/ensemble"
	"github.com/HatiCode/gridcast/pkg/evaluation"
	"github.com/HatiCode/gridcast/pkg/httpx"
	"github.com/HatiCode/gridcast/pkg/planning"
	"github.com/HatiCode/gridcast/pkg/series"
	"github.com/HatiCode/gridcast/pkg/service"
	"github.com/HatiCode/gridcast/pkg/storage"
	"github.com/HatiCode/gridcast/pkg/tenants"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newService builds a service with no model artifacts, so every forecast is
// answered by the synthetic fallback.
func newService(t *testing.T, now func() time.Time) *service.Service {
	t.Helper()
	logger := discardLogger()

	models := artifacts.NewStore(t.TempDir(), logger)
	models.Reload(context.Background())

	svc, err := service.New(models, tenants.Default(), storage.NewMemoryStore(), service.Options{
		Ensemble:     ensemble.Options{Logger: logger, Now: now},
		FallbackSeed: 7,
		StaleAfter:   2 * time.Hour,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	return svc
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func historyJSON(t *testing.T, tenant string, end time.Time, values ...float64) string {
	t.Helper()
	req := api.ForecastRequest{Tenant: tenant, HorizonHours: 6, History: series.FromValues(tenant, end, values).Points}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestHealthEndpoint(t *testing.T) {
	h := SetupRoutes(newService(t, time.Now), nil, discardLogger())

	w := do(t, h, http.MethodGet, "/healthz", "")

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); body != "OK" {
		t.Errorf("body = %q, want %q", body, "OK")
	}
	if w.Header().Get(httpx.RequestIDHeader) == "" {
		t.Error("request id header should be set")
	}
}

func TestHealthEndpoint_CheckFails(t *testing.T) {
	h := SetupRoutes(newService(t, time.Now), func() error { return errors.New("redis down") }, discardLogger())

	w := do(t, h, http.MethodGet, "/healthz", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := SetupRoutes(newService(t, time.Now), nil, discardLogger())

	w := do(t, h, http.MethodGet, "/metrics", "")

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Content-Type header should be set for metrics endpoint")
	}
}

func TestForecast_ThenCurrent(t *testing.T) {
	now := time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)
	h := SetupRoutes(newService(t, func() time.Time { return now }), nil, discardLogger())

	w := do(t, h, http.MethodGet, "/forecast/current?tenant=windpower", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("current before forecast: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	body := historyJSON(t, "windpower", now.Add(-time.Hour), 100, 110, 120, 115)
	w = do(t, h, http.MethodPost, "/v1/forecast", body)
	if w.Code != http.StatusOK {
		t.Fatalf("forecast: status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[ensemble.Result](t, w)
	if res.Tenant != "windpower" {
		t.Errorf("tenant = %q, want windpower", res.Tenant)
	}
	if len(res.Points) != 6 {
		t.Fatalf("points = %d, want 6", len(res.Points))
	}
	if !res.Fallback {
		t.Error("expected fallback forecast without artifacts")
	}
	for i, p := range res.Points {
		if p.LowerBound > p.PointEstimate || p.PointEstimate > p.UpperBound {
			t.Errorf("point %d bounds out of order: %v <= %v <= %v", i, p.LowerBound, p.PointEstimate, p.UpperBound)
		}
	}

	w = do(t, h, http.MethodGet, "/forecast/current?tenant=windpower", "")
	if w.Code != http.StatusOK {
		t.Fatalf("current: status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[ensemble.Result](t, w); got.ID != res.ID {
		t.Errorf("current id = %q, want %q", got.ID, res.ID)
	}
	if w.Header().Get(StaleHeader) != "" {
		t.Error("fresh forecast should not be marked stale")
	}
}

func TestCurrent_Stale(t *testing.T) {
	now := time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)
	clock := &now
	h := SetupRoutes(newService(t, func() time.Time { return *clock }), nil, discardLogger())

	w := do(t, h, http.MethodPost, "/v1/forecast", `{"tenant":"greengrid","horizonHours":3,"history":[]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("forecast: status = %d, body = %s", w.Code, w.Body.String())
	}

	*clock = now.Add(3 * time.Hour)
	w = do(t, h, http.MethodGet, "/forecast/current?tenant=greengrid", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get(StaleHeader) != "true" {
		t.Errorf("%s = %q, want true", StaleHeader, w.Header().Get(StaleHeader))
	}
}

func TestForecast_BadRequests(t *testing.T) {
	h := SetupRoutes(newService(t, time.Now), nil, discardLogger())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"tenant":`, http.StatusBadRequest},
		{"unknown field", `{"tenant":"solartech","site":"maseru"}`, http.StatusBadRequest},
		{"horizon too large", `{"tenant":"solartech","horizonHours":1000}`, http.StatusBadRequest},
		{"negative horizon", `{"tenant":"solartech","horizonHours":-1}`, http.StatusBadRequest},
		{"gap in history", `{"tenant":"solartech","history":[{"timestamp":"2025-03-11T00:00:00Z","value":1},{"timestamp":"2025-03-11T03:00:00Z","value":2}]}`, http.StatusBadRequest},
		{"missing tenant", `{"horizonHours":3}`, http.StatusBadRequest},
		{"unknown tenant", `{"tenant":"acme"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v1/forecast", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if msg := decode[httpx.ErrorResponse](t, w).Error; msg == "" {
				t.Error("error message should not be empty")
			}
		})
	}
}

func TestForecast_MethodNotAllowed(t *testing.T) {
	h := SetupRoutes(newService(t, time.Now), nil, discardLogger())

	w := do(t, h, http.MethodGet, "/v1/forecast", "")

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestEvaluateAndPlan(t *testing.T) {
	now := time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)
	h := SetupRoutes(newService(t, func() time.Time { return now }), nil, discardLogger())

	w := do(t, h, http.MethodPost, "/v1/forecast", `{"tenant":"solartech","horizonHours":24}`)
	if w.Code != http.StatusOK {
		t.Fatalf("forecast: status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[ensemble.Result](t, w)

	actuals, err := json.Marshal(api.EvaluateRequest{Tenant: "solartech", Actuals: res.Values()[:12]})
	if err != nil {
		t.Fatal(err)
	}
	w = do(t, h, http.MethodPost, "/v1/evaluate", string(actuals))
	if w.Code != http.StatusOK {
		t.Fatalf("evaluate: status = %d, body = %s", w.Code, w.Body.String())
	}
	report := decode[evaluation.Report](t, w)
	if report.Overlap != 12 {
		t.Errorf("overlap = %d, want 12", report.Overlap)
	}
	if report.Ensemble.RMSE != 0 {
		t.Errorf("RMSE against own values = %v, want 0", report.Ensemble.RMSE)
	}

	w = do(t, h, http.MethodPost, "/v1/evaluate", `{"tenant":"solartech","actuals":[]}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("evaluate without actuals: status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}

	w = do(t, h, http.MethodGet, "/v1/plan?tenant=solartech", "")
	if w.Code != http.StatusOK {
		t.Fatalf("plan: status = %d, body = %s", w.Code, w.Body.String())
	}
	plan := decode[planning.Plan](t, w)
	if plan.ResultID != res.ID {
		t.Errorf("plan result id = %q, want %q", plan.ResultID, res.ID)
	}
	if len(plan.Hours) != 24 {
		t.Errorf("plan hours = %d, want 24", len(plan.Hours))
	}

	w = do(t, h, http.MethodGet, "/v1/plan?tenant=windpower", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("plan without forecast: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestModelsAndTenants(t *testing.T) {
	h := SetupRoutes(newService(t, time.Now), nil, discardLogger())

	w := do(t, h, http.MethodGet, "/v1/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("models: status = %d", w.Code)
	}
	info := decode[api.ModelsInfo](t, w)
	if info.Loaded != 0 {
		t.Errorf("loaded = %d, want 0", info.Loaded)
	}
	if len(info.Kinds) != len(artifacts.Kinds) {
		t.Errorf("kinds = %d, want %d", len(info.Kinds), len(artifacts.Kinds))
	}

	w = do(t, h, http.MethodPost, "/v1/models/reload", "")
	if w.Code != http.StatusOK {
		t.Errorf("reload: status = %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/v1/tenants", "")
	if w.Code != http.StatusOK {
		t.Fatalf("tenants: status = %d", w.Code)
	}
	list := decode[[]api.TenantInfo](t, w)
	if len(list) != 4 {
		t.Fatalf("tenants = %d, want 4", len(list))
	}
	defaults := 0
	for _, ti := range list {
		if ti.Default {
			defaults++
			if ti.ID != "onepower" {
				t.Errorf("default tenant = %q, want onepower", ti.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("default tenants = %d, want 1", defaults)
	}
}

type failingService struct {
	Service
	err error
}

func (f failingService) Latest(context.Context, string) (*ensemble.Result, bool, error) {
	return nil, false, f.err
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       int
		hideDetail bool
	}{
		{"invalid request", fmt.Errorf("%w: bad", ensemble.ErrInvalidRequest), http.StatusBadRequest, false},
		{"invalid tenant id", storage.ErrInvalidTenant, http.StatusBadRequest, false},
		{"unknown tenant", fmt.Errorf("%w: acme", tenants.ErrUnknownTenant), http.StatusNotFound, false},
		{"no forecast", service.ErrNoForecast, http.StatusNotFound, false},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, false},
		{"unexpected", errors.New("redis: connection refused"), http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := SetupRoutes(failingService{err: tt.err}, nil, discardLogger())

			w := do(t, h, http.MethodGet, "/forecast/current?tenant=solartech", "")

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			msg := decode[httpx.ErrorResponse](t, w).Error
			if tt.hideDetail && strings.Contains(msg, "redis") {
				t.Errorf("internal error leaked detail: %q", msg)
			}
		})
	}
}
