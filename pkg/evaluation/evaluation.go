// Package evaluation scores forecasts against observed demand.
//
// Every model is scored with the same metric set so results are comparable
// across algorithm families: MAE, RMSE, MAPE and R².
package evaluation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/gridcast/pkg/ensemble"
)

// ErrMetricNotComputable marks a metric that is undefined for the inputs,
// such as R² over actuals with zero variance.
var ErrMetricNotComputable = errors.New("metric not computable")

// EnsembleName is the key of the blended forecast in a Report.
const EnsembleName = "ensemble"

// Metrics is the accuracy of one forecast over the overlapping prefix.
type Metrics struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`

	MAPE           float64 `json:"mape"`
	MAPEComputable bool    `json:"mapeComputable"`

	R2           float64 `json:"r2"`
	R2Computable bool    `json:"r2Computable"`

	// Reason explains why a metric is not computable.
	Reason string `json:"reason,omitempty"`
}

// Report scores a forecast result and each of its contributing models.
type Report struct {
	ResultID string             `json:"resultId"`
	Tenant   string             `json:"tenant"`
	Fallback bool               `json:"fallback"`
	Overlap  int                `json:"overlap"`
	Ensemble Metrics            `json:"ensemble"`
	Models   map[string]Metrics `json:"models"`
}

// Best returns the model with the lowest RMSE, or "" when no model was scored.
func (r Report) Best() string {
	names := make([]string, 0, len(r.Models))
	for name := range r.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	for _, name := range names {
		if best == "" || r.Models[name].RMSE < r.Models[best].RMSE {
			best = name
		}
	}
	return best
}

// Evaluate scores result against actuals. Actuals shorter than the horizon
// are compared over the overlapping prefix; extra actuals are ignored.
func Evaluate(result *ensemble.Result, actuals []float64) (Report, error) {
	if result == nil {
		return Report{}, errors.New("result is nil")
	}

	report := Report{
		ResultID: result.ID,
		Tenant:   result.Tenant,
		Fallback: result.Fallback,
		Overlap:  min(len(result.Points), len(actuals)),
		Models:   make(map[string]Metrics, len(result.PerModel)),
	}

	var err error
	report.Ensemble, err = Compute(result.Values(), actuals)
	if err != nil {
		return report, err
	}

	for name, predicted := range result.PerModel {
		m, err := Compute(predicted, actuals)
		if err != nil {
			return report, fmt.Errorf("model %s: %w", name, err)
		}
		report.Models[name] = m
	}
	return report, nil
}

// Compute returns the metrics of predicted against actual over their common
// prefix. It fails with ErrMetricNotComputable when there is no overlap or an
// input is not finite.
func Compute(predicted, actual []float64) (Metrics, error) {
	n := min(len(predicted), len(actual))
	if n == 0 {
		return Metrics{Reason: "no overlapping values"}, fmt.Errorf("%w: no overlapping values", ErrMetricNotComputable)
	}
	predicted, actual = predicted[:n], actual[:n]
	for i := range n {
		if !finite(predicted[i]) || !finite(actual[i]) {
			return Metrics{Reason: "non-finite input"}, fmt.Errorf("%w: non-finite value at index %d", ErrMetricNotComputable, i)
		}
	}

	residuals := make([]float64, n)
	floats.SubTo(residuals, actual, predicted)

	var m Metrics
	m.MAE = floats.Norm(residuals, 1) / float64(n)
	m.RMSE = floats.Norm(residuals, 2) / math.Sqrt(float64(n))

	var pct float64
	var counted int
	for i, a := range actual {
		if a == 0 {
			continue
		}
		pct += math.Abs(residuals[i] / a)
		counted++
	}
	if counted > 0 {
		m.MAPE = 100 * pct / float64(counted)
		m.MAPEComputable = true
	}

	if n > 1 && stat.Variance(actual, nil) > 0 {
		m.R2 = stat.RSquaredFrom(predicted, actual, nil)
		m.R2Computable = true
	} else {
		m.Reason = "actuals have zero variance"
	}

	return m, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
