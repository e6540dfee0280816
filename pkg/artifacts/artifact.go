// Package artifacts locates and decodes pre-trained forecasting model artifacts.
//
// An artifact directory holds at most one artifact per algorithm family plus a
// shared metadata record:
//
//	<dir>/seasonal_model.json   seasonal-statistical (SARIMA) coefficients
//	<dir>/neural_model.json     sequence-neural (LSTM) weights
//	<dir>/model_metadata.json   historical accuracy per family
//
// Artifacts are produced by an external training pipeline and may be withheld
// entirely. A missing, truncated or version-mismatched artifact is reported as
// ErrUnavailable, which callers treat as a normal outcome.
package artifacts

import (
	"errors"
	"fmt"
	"time"
)

// FormatVersion is the artifact document version this build understands.
const FormatVersion = 1

// ErrUnavailable marks an artifact that cannot be used: absent, corrupt or
// written for another format version.
var ErrUnavailable = errors.New("artifact unavailable")

// Kind identifies an algorithm family. The set is closed.
type Kind string

const (
	KindSeasonal Kind = "seasonal-statistical"
	KindNeural   Kind = "sequence-neural"
)

// Kinds lists every supported family in activation order.
var Kinds = []Kind{KindSeasonal, KindNeural}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSeasonal, KindNeural:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown algorithm kind %q", s)
	}
}

// FileName returns the artifact file name for the kind.
func (k Kind) FileName() string {
	switch k {
	case KindSeasonal:
		return "seasonal_model.json"
	case KindNeural:
		return "neural_model.json"
	default:
		return ""
	}
}

// ShortName is the label used in logs, metrics and result contributions.
func (k Kind) ShortName() string {
	switch k {
	case KindSeasonal:
		return "sarima"
	case KindNeural:
		return "lstm"
	default:
		return string(k)
	}
}

// Normalization is the affine transform applied to inputs before inference:
// x' = (x - Offset) / Scale. Outputs are mapped back with x = x'*Scale + Offset.
type Normalization struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

// Artifact is one trained model. It is immutable once loaded.
type Artifact struct {
	Kind          Kind           `json:"kind"`
	FormatVersion int            `json:"format_version"`
	InputWindow   int            `json:"input_window"`
	OutputHorizon int            `json:"output_horizon"`
	Normalization *Normalization `json:"normalization,omitempty"`
	TrainedAt     time.Time      `json:"trained_at"`

	Seasonal *SeasonalPayload `json:"seasonal,omitempty"`
	Neural   *NeuralPayload   `json:"neural,omitempty"`
}

// SeasonalPayload holds a fitted SARIMA(p,d,q)(P,D,Q,s) model.
// Coefficients follow the convention x_t = c + Σ φ_i x_{t-i} + Σ θ_j e_{t-j}
// on the differenced series.
type SeasonalPayload struct {
	P         int `json:"p"`
	D         int `json:"d"`
	Q         int `json:"q"`
	SeasonalP int `json:"seasonal_p"`
	SeasonalD int `json:"seasonal_d"`
	SeasonalQ int `json:"seasonal_q"`
	Period    int `json:"period"`

	AR         []float64 `json:"ar"`
	MA         []float64 `json:"ma"`
	SeasonalAR []float64 `json:"seasonal_ar"`
	SeasonalMA []float64 `json:"seasonal_ma"`

	Intercept      float64 `json:"intercept"`
	ResidualStdDev float64 `json:"residual_std_dev"`
}

// NeuralPayload holds a single-layer LSTM with a dense output head.
// Gate blocks are ordered input, forget, cell, output. Matrices are row-major.
type NeuralPayload struct {
	HiddenSize int       `json:"hidden_size"`
	W          []float64 `json:"w"`       // 4H x 1
	U          []float64 `json:"u"`       // 4H x H
	B          []float64 `json:"b"`       // 4H
	DenseW     []float64 `json:"dense_w"` // OutputHorizon x H
	DenseB     []float64 `json:"dense_b"` // OutputHorizon
}

// Validate checks that the payload matches the declared kind and that all
// dimensions are consistent.
func (a *Artifact) Validate() error {
	if a.FormatVersion != FormatVersion {
		return fmt.Errorf("format version %d, want %d", a.FormatVersion, FormatVersion)
	}
	if a.OutputHorizon <= 0 {
		return fmt.Errorf("output horizon must be > 0, got %d", a.OutputHorizon)
	}
	if n := a.Normalization; n != nil && n.Scale == 0 {
		return errors.New("normalization scale cannot be zero")
	}

	switch a.Kind {
	case KindSeasonal:
		if a.Seasonal == nil {
			return errors.New("seasonal payload missing")
		}
		return a.Seasonal.validate()
	case KindNeural:
		if a.Neural == nil {
			return errors.New("neural payload missing")
		}
		if a.InputWindow <= 0 {
			return fmt.Errorf("input window must be > 0, got %d", a.InputWindow)
		}
		return a.Neural.validate(a.OutputHorizon)
	default:
		return fmt.Errorf("unknown kind %q", a.Kind)
	}
}

func (s *SeasonalPayload) validate() error {
	if s.P < 0 || s.D < 0 || s.Q < 0 || s.SeasonalP < 0 || s.SeasonalD < 0 || s.SeasonalQ < 0 {
		return errors.New("orders must be >= 0")
	}
	if s.D > 2 || s.SeasonalD > 1 {
		return fmt.Errorf("differencing orders out of range: d=%d D=%d", s.D, s.SeasonalD)
	}
	if (s.SeasonalP > 0 || s.SeasonalD > 0 || s.SeasonalQ > 0) && s.Period <= 1 {
		return errors.New("seasonal period must be > 1 when seasonal terms are used")
	}
	if len(s.AR) != s.P || len(s.MA) != s.Q {
		return fmt.Errorf("coefficient count mismatch: ar=%d/%d ma=%d/%d", len(s.AR), s.P, len(s.MA), s.Q)
	}
	if len(s.SeasonalAR) != s.SeasonalP || len(s.SeasonalMA) != s.SeasonalQ {
		return fmt.Errorf("seasonal coefficient count mismatch: sar=%d/%d sma=%d/%d",
			len(s.SeasonalAR), s.SeasonalP, len(s.SeasonalMA), s.SeasonalQ)
	}
	return nil
}

// MinHistory is the shortest history the seasonal model can extrapolate from.
func (s *SeasonalPayload) MinHistory() int {
	lags := max(s.P, s.Q, s.SeasonalP*s.Period, s.SeasonalQ*s.Period)
	return s.D + s.SeasonalD*s.Period + lags + 1
}

func (n *NeuralPayload) validate(outputs int) error {
	h := n.HiddenSize
	if h <= 0 {
		return fmt.Errorf("hidden size must be > 0, got %d", h)
	}
	checks := []struct {
		name      string
		got, want int
	}{
		{"w", len(n.W), 4 * h},
		{"u", len(n.U), 4 * h * h},
		{"b", len(n.B), 4 * h},
		{"dense_w", len(n.DenseW), outputs * h},
		{"dense_b", len(n.DenseB), outputs},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("%s has %d weights, want %d", c.name, c.got, c.want)
		}
	}
	return nil
}
