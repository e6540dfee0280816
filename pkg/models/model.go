// Package models turns pre-trained artifacts into forecasting adapters.
//
// Each artifact kind has exactly one adapter. Adapters are immutable after
// construction and safe for concurrent use; all per-call state lives on the
// stack of Predict.
package models

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/series"
)

var (
	// ErrInsufficientHistory is returned when the history is shorter than the
	// adapter's minimum window. Adapters never pad.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrNonFinite is returned when a model produces NaN or Inf.
	ErrNonFinite = errors.New("non-finite model output")
)

// Predictor forecasts a tenant's demand from its hourly history.
type Predictor interface {
	// Name returns the short model label (e.g. "sarima", "lstm").
	Name() string

	// Kind returns the artifact family the predictor was built from.
	Kind() artifacts.Kind

	// MinHistory is the number of hourly points Predict needs.
	MinHistory() int

	// Predict returns exactly horizon values, one per hour following the
	// last history point.
	Predict(ctx context.Context, history series.Historical, horizon int) ([]float64, error)
}

// BuildPredictor constructs the adapter for an artifact's kind.
func BuildPredictor(a *artifacts.Artifact) (Predictor, error) {
	if a == nil {
		return nil, errors.New("artifact is nil")
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s artifact: %w", a.Kind, err)
	}

	switch a.Kind {
	case artifacts.KindSeasonal:
		return NewSeasonalAdapter(a), nil
	case artifacts.KindNeural:
		return NewNeuralAdapter(a), nil
	default:
		return nil, fmt.Errorf("no adapter for kind %q", a.Kind)
	}
}

func checkHistory(name string, history series.Historical, need, horizon int) error {
	if horizon <= 0 {
		return fmt.Errorf("%s: horizon must be > 0, got %d", name, horizon)
	}
	if got := history.Len(); got < need {
		return fmt.Errorf("%s: %w: need %d points, got %d", name, ErrInsufficientHistory, need, got)
	}
	return nil
}

func checkFinite(name string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s: %w at step %d", name, ErrNonFinite, i)
		}
	}
	return nil
}
