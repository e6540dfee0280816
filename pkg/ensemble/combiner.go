// Package ensemble blends the outputs of all usable forecasting adapters into
// one forecast with uncertainty bounds, degrading to a synthetic curve when no
// adapter can answer.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/models"
	"github.com/HatiCode/gridcast/pkg/series"
)

// ErrInvalidRequest is returned for requests rejected before any model runs.
var ErrInvalidRequest = errors.New("invalid forecast request")

const (
	DefaultMinHorizon     = 1
	DefaultMaxHorizon     = 168
	DefaultAnchorMultiple = 3.0
)

// Options tunes a Combiner. Zero values select the defaults.
type Options struct {
	MinHorizon int
	MaxHorizon int

	// Timeout bounds the model strategy. When it expires the synthetic
	// fallback answers instead. Zero disables the bound.
	Timeout time.Duration

	// AnchorMultiple is how many historical RMSEs the first step may deviate
	// from the last observation before it is flagged.
	AnchorMultiple float64

	// IntervalLevel is the central coverage of the bounds (e.g. 0.90).
	// Zero means one weighted standard deviation.
	IntervalLevel float64

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MinHorizon <= 0 {
		o.MinHorizon = DefaultMinHorizon
	}
	if o.MaxHorizon <= 0 {
		o.MaxHorizon = DefaultMaxHorizon
	}
	if o.AnchorMultiple <= 0 {
		o.AnchorMultiple = DefaultAnchorMultiple
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// PredictorFactory builds an adapter for an artifact.
type PredictorFactory func(*artifacts.Artifact) (models.Predictor, error)

// FallbackGenerator produces the degraded forecast.
type FallbackGenerator interface {
	Name() string
	Profile(history series.Historical) (mean, amplitude float64)
	Predict(ctx context.Context, history series.Historical, horizon int) ([]float64, error)
}

// Combiner runs an ordered list of strategies for each request. The model
// strategy blends every active adapter; the fallback strategy always answers.
type Combiner struct {
	provider artifacts.Provider
	fallback FallbackGenerator
	build    PredictorFactory
	opts     Options
	z        float64
	logger   *slog.Logger

	// predictors caches one adapter per kind together with the artifact it
	// was built from. A reload replaces the artifact pointer, which replaces
	// the entry and releases the old artifact.
	predictors sync.Map // artifacts.Kind -> cachedPredictor

	strategies []strategy
}

type strategy struct {
	name    string
	timeout bool
	run     func(ctx context.Context, a *attempt) (*Result, error)
}

// attempt carries per-request state across strategies.
type attempt struct {
	req      Request
	stamps   []time.Time
	excluded []Exclusion
	reason   Reason
}

// New creates a Combiner over provider. A nil fallback uses a synthetic
// generator seeded with 0 and sharing the combiner's clock.
func New(provider artifacts.Provider, fallback FallbackGenerator, opts Options) *Combiner {
	opts.applyDefaults()
	if fallback == nil {
		fallback = models.NewSynthetic(0, models.WithClock(opts.Now))
	}
	c := &Combiner{
		provider: provider,
		fallback: fallback,
		build:    models.BuildPredictor,
		opts:     opts,
		z:        ZScore(opts.IntervalLevel),
		logger:   opts.Logger,
	}
	c.strategies = []strategy{
		{name: "models", timeout: true, run: c.modelStrategy},
		{name: "fallback", run: c.fallbackStrategy},
	}
	return c
}

// WithPredictorFactory replaces the adapter constructor. It is meant for tests.
func (c *Combiner) WithPredictorFactory(f PredictorFactory) *Combiner {
	c.build = f
	return c
}

// Options returns the effective options.
func (c *Combiner) Options() Options {
	return c.opts
}

// Validate checks a request without running any model.
func (c *Combiner) Validate(req Request) error {
	if req.Tenant == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if req.HorizonHours < c.opts.MinHorizon || req.HorizonHours > c.opts.MaxHorizon {
		return fmt.Errorf("%w: horizon %d outside [%d, %d]",
			ErrInvalidRequest, req.HorizonHours, c.opts.MinHorizon, c.opts.MaxHorizon)
	}
	if req.History.Tenant != "" && req.History.Tenant != req.Tenant {
		return fmt.Errorf("%w: history belongs to tenant %q", ErrInvalidRequest, req.History.Tenant)
	}
	if err := req.History.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Forecast produces a blended forecast for the request. The only error it
// returns wraps ErrInvalidRequest; every other failure degrades to the
// synthetic fallback.
func (c *Combiner) Forecast(ctx context.Context, req Request) (*Result, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}

	a := &attempt{
		req:    req,
		stamps: req.History.Future(req.HorizonHours, c.opts.Now()),
	}

	var lastErr error
	for _, s := range c.strategies {
		res, err := c.runStrategy(ctx, s, a)
		if err != nil {
			lastErr = err
			c.logger.Debug("forecast strategy declined", "tenant", req.Tenant, "strategy", s.name, "error", err)
			continue
		}

		res.ID = uuid.NewString()
		res.Tenant = req.Tenant
		res.GeneratedAt = c.opts.Now()
		res.HorizonHours = req.HorizonHours
		res.IntervalLevel = FormatIntervalLevel(c.opts.IntervalLevel)
		res.Excluded = a.excluded
		if res.Fallback {
			res.FallbackReason = a.reason
			c.logger.Warn("serving synthetic forecast", "tenant", req.Tenant, "reason", a.reason)
		}
		return res, nil
	}
	return nil, fmt.Errorf("all forecast strategies failed: %w", lastErr)
}

func (c *Combiner) runStrategy(ctx context.Context, s strategy, a *attempt) (*Result, error) {
	if !s.timeout || c.opts.Timeout <= 0 {
		return s.run(ctx, a)
	}

	tctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	// Copy so a late strategy cannot race with the fallback over a.
	shadow := &attempt{req: a.req, stamps: a.stamps}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.run(tctx, shadow)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		a.excluded = shadow.excluded
		a.reason = shadow.reason
		return out.res, out.err
	case <-tctx.Done():
		a.reason = ReasonTimeout
		return nil, fmt.Errorf("strategy %s: %w", s.name, tctx.Err())
	}
}

type modelOutput struct {
	kind   artifacts.Kind
	name   string
	values []float64
	rmse   float64
	floor  float64
}

type cachedPredictor struct {
	artifact  *artifacts.Artifact
	predictor models.Predictor
}

func (c *Combiner) modelStrategy(ctx context.Context, a *attempt) (*Result, error) {
	available := c.provider.AvailableKinds()
	metadata, hasMetadata := c.provider.Metadata()
	_, histStd := a.req.History.Stats()

	var active []modelOutput
	for _, kind := range artifacts.Kinds {
		name := kind.ShortName()

		if slices.Contains(a.req.Disabled, kind) {
			a.exclude(kind, ReasonDisabled, "disabled for tenant")
			continue
		}
		if !slices.Contains(available, kind) {
			a.exclude(kind, ReasonUnavailable, "")
			continue
		}

		art, predictor, err := c.predictor(kind)
		if err != nil {
			a.exclude(kind, ReasonUnavailable, err.Error())
			continue
		}

		values, err := predictor.Predict(ctx, a.req.History, a.req.HorizonHours)
		switch {
		case errors.Is(err, models.ErrInsufficientHistory):
			a.exclude(kind, ReasonInsufficientHistory, err.Error())
			continue
		case ctx.Err() != nil:
			a.reason = ReasonTimeout
			return nil, ctx.Err()
		case err != nil:
			c.logger.Warn("model prediction failed", "tenant", a.req.Tenant, "model", name, "error", err)
			a.exclude(kind, ReasonError, err.Error())
			continue
		case len(values) != a.req.HorizonHours:
			a.exclude(kind, ReasonError, fmt.Sprintf("returned %d values, want %d", len(values), a.req.HorizonHours))
			continue
		}

		out := modelOutput{kind: kind, name: name, values: values}
		if hasMetadata {
			out.rmse, _ = metadata.RMSE(kind)
		}
		out.floor = spreadFloor(art, out.rmse, histStd)
		active = append(active, out)
	}

	if len(active) == 0 {
		a.reason = ReasonNoActiveModels
		return nil, errors.New("no active models")
	}

	return c.blend(a, active), nil
}

func (c *Combiner) predictor(kind artifacts.Kind) (*artifacts.Artifact, models.Predictor, error) {
	art, err := c.provider.Load(kind)
	if err != nil {
		return nil, nil, err
	}
	if v, ok := c.predictors.Load(kind); ok {
		if cp := v.(cachedPredictor); cp.artifact == art {
			return art, cp.predictor, nil
		}
	}
	p, err := c.build(art)
	if err != nil {
		return nil, nil, err
	}
	c.predictors.Store(kind, cachedPredictor{artifact: art, predictor: p})
	return art, p, nil
}

// spreadFloor is the minimum half-width an adapter contributes: its recorded
// RMSE, else the residual standard deviation stored with a seasonal model,
// else the history's standard deviation.
func spreadFloor(art *artifacts.Artifact, rmse, histStd float64) float64 {
	if rmse > 0 && !math.IsInf(rmse, 0) {
		return rmse
	}
	if art != nil && art.Seasonal != nil && art.Seasonal.ResidualStdDev > 0 {
		return art.Seasonal.ResidualStdDev
	}
	return histStd
}

// weights returns inverse-RMSE weights normalized to sum to one. Any missing
// or non-positive RMSE, or all RMSEs being equal, yields equal weights.
func weights(active []modelOutput) []float64 {
	w := make([]float64, len(active))
	equal := false
	for i, m := range active {
		if m.rmse <= 0 || math.IsNaN(m.rmse) || math.IsInf(m.rmse, 0) {
			equal = true
			break
		}
		w[i] = 1 / m.rmse
	}
	if !equal && floats.Max(w) == floats.Min(w) {
		equal = true
	}
	if equal {
		for i := range w {
			w[i] = 1
		}
	}
	floats.Scale(1/floats.Sum(w), w)
	return w
}

func (c *Combiner) blend(a *attempt, active []modelOutput) *Result {
	w := weights(active)

	floor := 0.0
	for _, m := range active {
		if m.floor > 0 && (floor == 0 || m.floor < floor) {
			floor = m.floor
		}
	}

	perModel := make(map[string][]float64, len(active))
	for _, m := range active {
		perModel[m.name] = m.values
	}

	excludedContribs := make([]Contribution, 0, len(a.excluded))
	for _, e := range a.excluded {
		excludedContribs = append(excludedContribs, Contribution{Model: e.Model, Status: StatusExcluded, Reason: e.Reason})
	}

	points := make([]Point, a.req.HorizonHours)
	column := make([]float64, len(active))
	for i := range points {
		for j, m := range active {
			column[j] = m.values[i]
		}
		mean, std := stat.PopMeanStdDev(column, w)
		spread := c.z*std + floor

		contribs := make([]Contribution, 0, len(active)+len(excludedContribs))
		for j, m := range active {
			contribs = append(contribs, Contribution{Model: m.name, Weight: w[j], Status: StatusActive})
		}
		contribs = append(contribs, excludedContribs...)

		points[i] = Point{
			Timestamp:     a.stamps[i],
			PointEstimate: mean,
			LowerBound:    mean - spread,
			UpperBound:    mean + spread,
			Contributions: contribs,
		}
	}

	if len(points) > 0 {
		points[0].AnchorFlagged = c.anchorFlagged(a.req.History, active)
	}

	return &Result{Points: points, PerModel: perModel}
}

// anchorFlagged reports whether every active model's first step is further
// from the last observation than AnchorMultiple times its tolerance. Models
// without a recorded RMSE use the history's standard deviation.
func (c *Combiner) anchorFlagged(history series.Historical, active []modelOutput) bool {
	last, ok := history.Last()
	if !ok || len(active) == 0 {
		return false
	}
	_, histStd := history.Stats()

	for _, m := range active {
		tol := m.rmse
		if tol <= 0 {
			tol = histStd
		}
		if math.Abs(m.values[0]-last.Value) <= c.opts.AnchorMultiple*tol {
			return false
		}
	}
	return true
}

func (c *Combiner) fallbackStrategy(ctx context.Context, a *attempt) (*Result, error) {
	values, err := c.fallback.Predict(ctx, a.req.History, a.req.HorizonHours)
	if err != nil {
		return nil, err
	}
	if len(values) != a.req.HorizonHours {
		return nil, fmt.Errorf("fallback returned %d values, want %d", len(values), a.req.HorizonHours)
	}
	if a.reason == "" {
		a.reason = ReasonNoActiveModels
	}

	_, amp := c.fallback.Profile(a.req.History)
	if amp <= 0 {
		amp = models.DefaultAmplitude
	}

	name := c.fallback.Name()
	points := make([]Point, len(values))
	for i, v := range values {
		points[i] = Point{
			Timestamp:     a.stamps[i],
			PointEstimate: v,
			LowerBound:    v - amp,
			UpperBound:    v + amp,
			Contributions: []Contribution{{Model: name, Weight: 1, Status: StatusFallback, Reason: a.reason}},
		}
	}
	if len(points) > 0 {
		points[0].AnchorFlagged = c.anchorFlagged(a.req.History, []modelOutput{{values: values, rmse: amp}})
	}

	return &Result{
		Fallback: true,
		Points:   points,
		PerModel: map[string][]float64{name: values},
	}, nil
}

func (a *attempt) exclude(kind artifacts.Kind, reason Reason, detail string) {
	a.excluded = append(a.excluded, Exclusion{
		Model:  kind.ShortName(),
		Kind:   kind,
		Reason: reason,
		Detail: detail,
	})
}
