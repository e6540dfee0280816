package models

import (
	"context"
	"fmt"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/series"
)

// SeasonalAdapter extrapolates a fitted SARIMA(p,d,q)(P,D,Q,s) model.
//
// The history is differenced d times at lag 1 and D times at lag s. In-sample
// innovations are reconstructed on the stationary series so the MA terms have
// something to work with, then the model is run forward with future
// innovations set to zero and the result is integrated back to the original
// scale. Seasonal and non-seasonal terms are combined additively:
//
//	w_t = c + Σ φ_i w_{t-i} + Σ Φ_k w_{t-ks} + Σ θ_j e_{t-j} + Σ Θ_k e_{t-ks} + e_t
//
// The adapter is deterministic: the same history always yields the same output.
type SeasonalAdapter struct {
	m          artifacts.SeasonalPayload
	minHistory int
}

// NewSeasonalAdapter creates an adapter from a validated seasonal artifact.
func NewSeasonalAdapter(a *artifacts.Artifact) *SeasonalAdapter {
	m := *a.Seasonal
	m.AR = append([]float64(nil), m.AR...)
	m.MA = append([]float64(nil), m.MA...)
	m.SeasonalAR = append([]float64(nil), m.SeasonalAR...)
	m.SeasonalMA = append([]float64(nil), m.SeasonalMA...)
	return &SeasonalAdapter{m: m, minHistory: m.MinHistory()}
}

func (s *SeasonalAdapter) Name() string         { return artifacts.KindSeasonal.ShortName() }
func (s *SeasonalAdapter) Kind() artifacts.Kind { return artifacts.KindSeasonal }
func (s *SeasonalAdapter) MinHistory() int      { return s.minHistory }

// Order returns the model order in the conventional notation.
func (s *SeasonalAdapter) Order() string {
	m := s.m
	if m.SeasonalP == 0 && m.SeasonalD == 0 && m.SeasonalQ == 0 {
		return fmt.Sprintf("sarima(%d,%d,%d)", m.P, m.D, m.Q)
	}
	return fmt.Sprintf("sarima(%d,%d,%d)(%d,%d,%d,%d)", m.P, m.D, m.Q, m.SeasonalP, m.SeasonalD, m.SeasonalQ, m.Period)
}

// Predict implements Predictor.
func (s *SeasonalAdapter) Predict(ctx context.Context, history series.Historical, horizon int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkHistory(s.Name(), history, s.minHistory, horizon); err != nil {
		return nil, err
	}

	// levels[0] is the raw series, levels[k+1] = levels[k] differenced at lags[k].
	levels := [][]float64{history.Values()}
	var lags []int
	for range s.m.D {
		levels = append(levels, difference(levels[len(levels)-1], 1))
		lags = append(lags, 1)
	}
	for range s.m.SeasonalD {
		levels = append(levels, seasonalDifference(levels[len(levels)-1], 1, s.m.Period))
		lags = append(lags, s.m.Period)
	}

	stationary := levels[len(levels)-1]
	innovations := s.innovations(stationary)

	future, err := s.extrapolate(ctx, stationary, innovations, horizon)
	if err != nil {
		return nil, err
	}

	for k := len(lags) - 1; k >= 0; k-- {
		future = integrate(levels[k], future, lags[k])
	}

	if err := checkFinite(s.Name(), future); err != nil {
		return nil, err
	}
	return future, nil
}

// innovations reconstructs one-step-ahead errors on the stationary series.
// Errors before the first fully determined index are taken as zero.
func (s *SeasonalAdapter) innovations(w []float64) []float64 {
	e := make([]float64, len(w))
	start := max(s.m.P, s.m.SeasonalP*s.m.Period)
	for t := start; t < len(w); t++ {
		e[t] = w[t] - s.step(w, e, t)
	}
	return e
}

func (s *SeasonalAdapter) extrapolate(ctx context.Context, w, e []float64, horizon int) ([]float64, error) {
	n := len(w)
	w = append(make([]float64, 0, n+horizon), w...)
	e = append(make([]float64, 0, n+horizon), e...)

	for t := n; t < n+horizon; t++ {
		if t%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		w = append(w, s.step(w, e, t))
		e = append(e, 0)
	}
	return w[n:], nil
}

// step computes the conditional expectation of w[t] from values and errors
// strictly before t.
func (s *SeasonalAdapter) step(w, e []float64, t int) float64 {
	m := s.m
	pred := m.Intercept

	for i, phi := range m.AR {
		if idx := t - 1 - i; idx >= 0 {
			pred += phi * w[idx]
		}
	}
	for k, phi := range m.SeasonalAR {
		if idx := t - (k+1)*m.Period; idx >= 0 {
			pred += phi * w[idx]
		}
	}
	for j, theta := range m.MA {
		if idx := t - 1 - j; idx >= 0 {
			pred += theta * e[idx]
		}
	}
	for k, theta := range m.SeasonalMA {
		if idx := t - (k+1)*m.Period; idx >= 0 {
			pred += theta * e[idx]
		}
	}
	return pred
}

// difference applies d-order differencing to make series stationary
func difference(series []float64, d int) []float64 {
	if d == 0 || len(series) == 0 {
		result := make([]float64, len(series))
		copy(result, series)
		return result
	}

	result := make([]float64, len(series)-1)
	for i := 0; i < len(series)-1; i++ {
		result[i] = series[i+1] - series[i]
	}

	if d > 1 {
		return difference(result, d-1)
	}

	return result
}

// seasonalDifference applies D-order seasonal differencing at lag s
func seasonalDifference(series []float64, D int, s int) []float64 {
	if D == 0 || s <= 0 || len(series) <= s {
		result := make([]float64, len(series))
		copy(result, series)
		return result
	}

	result := make([]float64, len(series)-s)
	for i := 0; i < len(result); i++ {
		result[i] = series[i+s] - series[i]
	}

	if D > 1 {
		return seasonalDifference(result, D-1, s)
	}

	return result
}

// integrate inverts one differencing pass at the given lag, continuing base
// with the differenced future values. It returns only the new values.
func integrate(base, diffs []float64, lag int) []float64 {
	n := len(base)
	ext := append(make([]float64, 0, n+len(diffs)), base...)
	for _, d := range diffs {
		ext = append(ext, d+ext[len(ext)-lag])
	}
	return ext[n:]
}
