package ensemble

import (
	"time"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/series"
)

// Status describes how a model took part in a forecast point.
type Status string

const (
	StatusActive   Status = "active"
	StatusExcluded Status = "excluded"
	StatusFallback Status = "fallback"
)

// Reason explains an exclusion or a fallback.
type Reason string

const (
	ReasonUnavailable         Reason = "unavailable"
	ReasonInsufficientHistory Reason = "insufficient_history"
	ReasonDisabled            Reason = "disabled"
	ReasonError               Reason = "error"
	ReasonNoActiveModels      Reason = "no_active_models"
	ReasonTimeout             Reason = "timeout"
)

// Request asks for a forecast of one tenant.
type Request struct {
	Tenant       string            `json:"tenant"`
	HorizonHours int               `json:"horizonHours"`
	History      series.Historical `json:"history"`

	// Disabled lists families the tenant opted out of.
	Disabled []artifacts.Kind `json:"disabled,omitempty"`
}

// Contribution records one model's part in a forecast point.
type Contribution struct {
	Model  string  `json:"model"`
	Weight float64 `json:"weight"`
	Status Status  `json:"status"`
	Reason Reason  `json:"reason,omitempty"`
}

// Point is one hourly forecast value with its uncertainty band.
type Point struct {
	Timestamp     time.Time      `json:"timestamp"`
	PointEstimate float64        `json:"pointEstimate"`
	LowerBound    float64        `json:"lowerBound"`
	UpperBound    float64        `json:"upperBound"`
	Contributions []Contribution `json:"contributions"`
	AnchorFlagged bool           `json:"anchorFlagged,omitempty"`
}

// Exclusion records why a model did not contribute.
type Exclusion struct {
	Model  string         `json:"model"`
	Kind   artifacts.Kind `json:"kind"`
	Reason Reason         `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// Result is the outcome of one forecast call.
//
// Invariants: len(Points) equals the requested horizon and every point has
// LowerBound <= PointEstimate <= UpperBound.
type Result struct {
	ID             string               `json:"id"`
	Tenant         string               `json:"tenant"`
	GeneratedAt    time.Time            `json:"generatedAt"`
	HorizonHours   int                  `json:"horizonHours"`
	IntervalLevel  string               `json:"intervalLevel"`
	Fallback       bool                 `json:"fallback"`
	FallbackReason Reason               `json:"fallbackReason,omitempty"`
	Points         []Point              `json:"points"`
	PerModel       map[string][]float64 `json:"perModel,omitempty"`
	Excluded       []Exclusion          `json:"excluded,omitempty"`
}

// Values returns the point estimates in order.
func (r *Result) Values() []float64 {
	out := make([]float64, len(r.Points))
	for i, p := range r.Points {
		out[i] = p.PointEstimate
	}
	return out
}

// Age returns how long ago the result was generated.
func (r *Result) Age(now time.Time) time.Duration {
	return now.Sub(r.GeneratedAt)
}
