// Package main implements the scheduled forecast loop.
//
// This file contains the Forecaster type which runs, for every tenant with a
// history source:
//
//	collect → ensemble forecast → store
//
// Each tenant has its own goroutine ticking at the schedule interval, so a
// slow source delays only its own tenant. Tenants without a source are only
// forecast on request through the HTTP and gRPC APIs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/gridcast/pkg/ensemble"
	"github.com/HatiCode/gridcast/pkg/series"
	"github.com/HatiCode/gridcast/pkg/sources"
	"github.com/HatiCode/gridcast/pkg/tenants"
)

// HistoryForecaster forecasts a tenant from collected history and stores the
// result.
type HistoryForecaster interface {
	ForecastHistory(ctx context.Context, tenant string, history series.Historical) (*ensemble.Result, error)
}

// Telemetry receives scheduler measurements. A nil Telemetry disables them.
type Telemetry interface {
	RecordCollect(tenant, source string, duration time.Duration)
	RecordError(component, reason string)
}

// SourceFactory builds a tenant's history source.
type SourceFactory func(cfg sources.Config) (sources.Source, error)

type job struct {
	tenant string
	source sources.Source
}

// Forecaster orchestrates the per-tenant forecast loops.
type Forecaster struct {
	svc       HistoryForecaster
	jobs      []job
	window    time.Duration
	logger    *slog.Logger
	telemetry Telemetry
}

// New creates a Forecaster for every tenant in registry that has a source.
func New(
	svc HistoryForecaster,
	registry *tenants.Registry,
	newSource SourceFactory,
	window time.Duration,
	logger *slog.Logger,
	telemetry Telemetry,
) (*Forecaster, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Forecaster{
		svc:       svc,
		window:    window,
		logger:    logger,
		telemetry: telemetry,
	}

	for _, t := range registry.List() {
		if t.Source == nil {
			continue
		}
		src, err := newSource(*t.Source)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		f.jobs = append(f.jobs, job{tenant: t.ID, source: src})
	}
	return f, nil
}

// Tenants returns the ids of the scheduled tenants.
func (f *Forecaster) Tenants() []string {
	out := make([]string, len(f.jobs))
	for i, j := range f.jobs {
		out[i] = j.tenant
	}
	return out
}

// Run executes every tenant's forecast loop at the given interval.
// Blocks until context is canceled.
func (f *Forecaster) Run(ctx context.Context, interval time.Duration) error {
	if len(f.jobs) == 0 {
		f.logger.Info("no tenant has a history source, scheduler idle")
		<-ctx.Done()
		return ctx.Err()
	}

	f.logger.Info("starting forecast loop",
		"interval", interval,
		"window", f.window,
		"tenants", f.Tenants(),
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range f.jobs {
		g.Go(func() error {
			return f.loop(ctx, j, interval)
		})
	}
	return g.Wait()
}

func (f *Forecaster) loop(ctx context.Context, j job, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := f.tick(ctx, j); err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Error("initial forecast tick failed", "tenant", j.tenant, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forecast loop stopped", "tenant", j.tenant)
			return ctx.Err()
		case <-ticker.C:
			if err := f.tick(ctx, j); err != nil && !errors.Is(err, context.Canceled) {
				f.logger.Error("forecast tick failed", "tenant", j.tenant, "error", err)
			}
		}
	}
}

// Tick performs one forecast cycle for every scheduled tenant, one after
// another. Exported for testing purposes.
func (f *Forecaster) Tick(ctx context.Context) error {
	var errs []error
	for _, j := range f.jobs {
		if err := f.tick(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", j.tenant, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Forecaster) tick(ctx context.Context, j job) error {
	start := time.Now()

	history, err := j.source.Collect(ctx, j.tenant, f.window)
	collectDuration := time.Since(start)
	if err != nil {
		f.recordError("source", "collect_failed")
		return fmt.Errorf("collect: %w", err)
	}
	if f.telemetry != nil {
		f.telemetry.RecordCollect(j.tenant, j.source.Name(), collectDuration)
	}
	if history.Len() == 0 {
		f.logger.Warn("source returned no history", "tenant", j.tenant, "source", j.source.Name())
	}

	res, err := f.svc.ForecastHistory(ctx, j.tenant, history)
	if err != nil {
		f.recordError("scheduler", "forecast_failed")
		return fmt.Errorf("forecast: %w", err)
	}

	f.logger.Info("forecast tick complete",
		"tenant", j.tenant,
		"source", j.source.Name(),
		"history_points", history.Len(),
		"fallback", res.Fallback,
		"collect_ms", collectDuration.Milliseconds(),
		"total_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (f *Forecaster) recordError(component, reason string) {
	if f.telemetry != nil {
		f.telemetry.RecordError(component, reason)
	}
}
