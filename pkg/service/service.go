// Package service wires the forecasting components into the operations
// exposed by gridcast: forecast, latest snapshot, evaluation, integration
// planning and model inventory. Transports call a single Service so HTTP,
// gRPC and the scheduler behave identically.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/gridcast/pkg/api"
	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/ensemble"
	"github.com/HatiCode/gridcast/pkg/evaluation"
	"github.com/HatiCode/gridcast/pkg/models"
	"github.com/HatiCode/gridcast/pkg/planning"
	"github.com/HatiCode/gridcast/pkg/series"
	"github.com/HatiCode/gridcast/pkg/storage"
	"github.com/HatiCode/gridcast/pkg/tenants"
)

// ErrNoForecast is returned when a tenant has no stored forecast yet.
var ErrNoForecast = errors.New("no forecast available")

// Models is the artifact side the service needs: the provider used by the
// ensemble plus inventory and reload.
type Models interface {
	artifacts.Provider
	Status() []artifacts.KindStatus
	Dir() string
	Reload(ctx context.Context)
}

// Recorder receives service telemetry. A nil Recorder disables it.
type Recorder interface {
	ObserveForecast(result *ensemble.Result, duration time.Duration)
	RecordError(component, reason string)
}

// Options configures a Service.
type Options struct {
	Ensemble ensemble.Options

	// FallbackSeed seeds each tenant's synthetic generator.
	FallbackSeed uint64

	// StaleAfter marks stored results older than this as stale. Zero never does.
	StaleAfter time.Duration

	Logger   *slog.Logger
	Recorder Recorder
}

// Service is safe for concurrent use.
type Service struct {
	models     Models
	registry   *tenants.Registry
	store      storage.Store
	combiners  map[string]*ensemble.Combiner
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	recorder   Recorder
}

// New builds one combiner per tenant. Each tenant's fallback follows its
// time zone and holiday calendar.
func New(m Models, registry *tenants.Registry, store storage.Store, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ensemble.Logger == nil {
		opts.Ensemble.Logger = opts.Logger
	}
	if opts.Ensemble.Now == nil {
		opts.Ensemble.Now = time.Now
	}

	s := &Service{
		models:     m,
		registry:   registry,
		store:      store,
		combiners:  make(map[string]*ensemble.Combiner),
		staleAfter: opts.StaleAfter,
		now:        opts.Ensemble.Now,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
	}

	for _, t := range registry.List() {
		loc, err := t.Location()
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		holidays, err := models.HolidayCalendar(t.Holidays)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		fallback := models.NewSynthetic(opts.FallbackSeed,
			models.WithLocation(loc),
			models.WithHolidays(holidays),
			models.WithClock(opts.Ensemble.Now),
		)
		s.combiners[t.ID] = ensemble.New(m, fallback, opts.Ensemble)
	}
	return s, nil
}

// Tenants returns the public view of every tenant.
func (s *Service) Tenants() []api.TenantInfo {
	list := s.registry.List()
	out := make([]api.TenantInfo, 0, len(list))
	for _, t := range list {
		out = append(out, api.TenantInfo{
			ID:            t.ID,
			Name:          t.Name,
			Currency:      t.Currency,
			Timezone:      t.Timezone,
			HorizonHours:  t.Horizon(),
			CapacityMW:    t.CapacityMW,
			NeuralEnabled: t.NeuralEnabled(),
			Default:       t.ID == s.registry.DefaultID(),
		})
	}
	return out
}

// tenant looks up a tenant by id. An empty id is an invalid request, never
// the default tenant, so a caller cannot overwrite another tenant's snapshot.
func (s *Service) tenant(id string) (tenants.Tenant, error) {
	if id == "" {
		return tenants.Tenant{}, fmt.Errorf("%w: tenant is required", ensemble.ErrInvalidRequest)
	}
	return s.registry.Get(id)
}

// Forecast resolves the tenant, runs the ensemble and stores the result as
// the tenant's latest snapshot. A failure to store is logged, not returned.
func (s *Service) Forecast(ctx context.Context, req api.ForecastRequest) (*ensemble.Result, error) {
	t, err := s.tenant(req.Tenant)
	if err != nil {
		return nil, err
	}
	horizon := req.HorizonHours
	if horizon == 0 {
		horizon = t.Horizon()
	}
	return s.forecast(ctx, t, horizon, series.Historical{Tenant: t.ID, Points: req.History})
}

// ForecastHistory is Forecast for a collected series, using the tenant's
// default horizon.
func (s *Service) ForecastHistory(ctx context.Context, tenant string, history series.Historical) (*ensemble.Result, error) {
	t, err := s.tenant(tenant)
	if err != nil {
		return nil, err
	}
	return s.forecast(ctx, t, t.Horizon(), history)
}

func (s *Service) forecast(ctx context.Context, t tenants.Tenant, horizon int, history series.Historical) (*ensemble.Result, error) {
	start := time.Now()

	res, err := s.combiners[t.ID].Forecast(ctx, ensemble.Request{
		Tenant:       t.ID,
		HorizonHours: horizon,
		History:      history,
		Disabled:     t.Disabled(),
	})
	if err != nil {
		s.recordError("ensemble", "invalid_request")
		return nil, err
	}

	if s.recorder != nil {
		s.recorder.ObserveForecast(res, time.Since(start))
	}

	if err := s.store.Put(ctx, res); err != nil {
		s.recordError("store", "put_failed")
		s.logger.Error("failed to store forecast", "tenant", t.ID, "error", err)
	}

	s.logger.Info("forecast complete",
		"tenant", t.ID,
		"id", res.ID,
		"horizon", horizon,
		"history_points", history.Len(),
		"fallback", res.Fallback,
		"excluded", len(res.Excluded),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// Latest returns the tenant's stored forecast and whether it is stale.
func (s *Service) Latest(ctx context.Context, tenant string) (*ensemble.Result, bool, error) {
	t, err := s.tenant(tenant)
	if err != nil {
		return nil, false, err
	}

	res, found, err := s.store.GetLatest(ctx, t.ID)
	if err != nil {
		s.recordError("store", "get_failed")
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("%w for tenant %s", ErrNoForecast, t.ID)
	}

	stale := s.staleAfter > 0 && res.Age(s.now()) > s.staleAfter
	return res, stale, nil
}

// Evaluate scores the tenant's latest forecast against actuals.
func (s *Service) Evaluate(ctx context.Context, req api.EvaluateRequest) (evaluation.Report, error) {
	res, _, err := s.Latest(ctx, req.Tenant)
	if err != nil {
		return evaluation.Report{}, err
	}
	return evaluation.Evaluate(res, req.Actuals)
}

// Plan summarises renewable integration over the tenant's latest forecast.
func (s *Service) Plan(ctx context.Context, tenant string) (planning.Plan, error) {
	t, err := s.tenant(tenant)
	if err != nil {
		return planning.Plan{}, err
	}
	res, _, err := s.Latest(ctx, t.ID)
	if err != nil {
		return planning.Plan{}, err
	}

	policy := planning.DefaultPolicy(t.CapacityMW)
	if policy.Location, err = t.Location(); err != nil {
		return planning.Plan{}, err
	}
	return planning.Build(res, policy)
}

// Models returns the model inventory.
func (s *Service) Models() api.ModelsInfo {
	md, hasMD := s.models.Metadata()

	info := api.ModelsInfo{Directory: s.models.Dir()}
	if hasMD {
		td := md.TrainingDate
		info.TrainingDate = &td
	}
	for _, st := range s.models.Status() {
		k := api.KindInfo{KindStatus: st, Model: st.Kind.ShortName()}
		if rec, ok := md.Models[st.Kind]; hasMD && ok {
			k.Metrics = &rec
		}
		if st.Available {
			info.Loaded++
		}
		info.Kinds = append(info.Kinds, k)
	}
	return info
}

// Reload re-scans the artifact directory and returns the new inventory.
func (s *Service) Reload(ctx context.Context) api.ModelsInfo {
	s.models.Reload(ctx)
	info := s.Models()
	s.logger.Info("models reloaded", "dir", info.Directory, "loaded", info.Loaded)
	return info
}

func (s *Service) recordError(component, reason string) {
	if s.recorder != nil {
		s.recorder.RecordError(component, reason)
	}
}
