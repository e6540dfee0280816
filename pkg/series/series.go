// Package series defines the hourly demand series consumed by gridcast.
//
// A Historical series belongs to exactly one tenant and is ordered
// chronologically at a fixed one-hour interval. Gaps, duplicates and
// out-of-order points are rejected by Validate rather than silently skipped,
// so every downstream component can index the series positionally.
package series

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Step is the sampling interval of every series.
const Step = time.Hour

// ErrNotContiguous is returned when a series has gaps, duplicates or
// out-of-order timestamps.
var ErrNotContiguous = errors.New("series is not contiguous at hourly interval")

// Point is a single observation.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Historical is an ordered hourly demand series for one tenant.
type Historical struct {
	Tenant string  `json:"tenant"`
	Points []Point `json:"points"`
}

// Len returns the number of points.
func (h Historical) Len() int {
	return len(h.Points)
}

// Values returns a fresh copy of the point values in order.
func (h Historical) Values() []float64 {
	out := make([]float64, len(h.Points))
	for i, p := range h.Points {
		out[i] = p.Value
	}
	return out
}

// Last returns the most recent point. ok is false for an empty series.
func (h Historical) Last() (Point, bool) {
	if len(h.Points) == 0 {
		return Point{}, false
	}
	return h.Points[len(h.Points)-1], true
}

// Validate checks that timestamps advance by exactly one Step and that all
// values are finite. An empty series is valid.
func (h Historical) Validate() error {
	for i, p := range h.Points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("point %d: value is not finite", i)
		}
		if i == 0 {
			continue
		}
		prev := h.Points[i-1].Timestamp
		if delta := p.Timestamp.Sub(prev); delta != Step {
			return fmt.Errorf("%w: point %d at %s is %s after previous", ErrNotContiguous, i,
				p.Timestamp.UTC().Format(time.RFC3339), delta)
		}
	}
	return nil
}

// Stats returns the mean and sample standard deviation of the values.
// Both are zero for an empty series; the deviation is zero for a single point.
func (h Historical) Stats() (mean, stddev float64) {
	if len(h.Points) == 0 {
		return 0, 0
	}
	values := h.Values()
	if len(values) == 1 {
		return values[0], 0
	}
	return stat.MeanStdDev(values, nil)
}

// Future returns the timestamps of the next n hours after the series ends.
// An empty series starts from the hour following now.
func (h Historical) Future(n int, now time.Time) []time.Time {
	start := now.UTC().Truncate(Step).Add(Step)
	if last, ok := h.Last(); ok {
		start = last.Timestamp.Add(Step)
	}
	out := make([]time.Time, n)
	for i := range n {
		out[i] = start.Add(time.Duration(i) * Step)
	}
	return out
}

// FromValues builds a contiguous series ending at end (inclusive).
// It is primarily useful for tests and synthetic inputs.
func FromValues(tenant string, end time.Time, values []float64) Historical {
	end = end.UTC().Truncate(Step)
	points := make([]Point, len(values))
	start := end.Add(-time.Duration(len(values)-1) * Step)
	for i, v := range values {
		points[i] = Point{Timestamp: start.Add(time.Duration(i) * Step), Value: v}
	}
	return Historical{Tenant: tenant, Points: points}
}
