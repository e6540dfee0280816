package models

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/HatiCode/gridcast/pkg/series"
)

const (
	// DefaultMean and DefaultAmplitude describe demand when no history is known.
	DefaultMean      = 60.0
	DefaultAmplitude = 10.0

	defaultNoiseFraction  = 0.05
	defaultWeekendDamping = 0.7
	defaultHolidayDamping = 0.6
)

// diurnalProfile is a relative hourly demand curve with its evening peak at
// 19:00 and its overnight trough at 04:00. It is centered and scaled to a
// unit peak by normalizeProfile.
var diurnalProfile = normalizeProfile([24]float64{
	-0.45, -0.65, -0.80, -0.92, -1.00, -0.90, -0.60, -0.20,
	0.10, 0.20, 0.25, 0.30, 0.30, 0.25, 0.20, 0.25,
	0.40, 0.65, 0.90, 1.00, 0.85, 0.55, 0.20, -0.15,
})

func normalizeProfile(p [24]float64) [24]float64 {
	var mean float64
	for _, v := range p {
		mean += v
	}
	mean /= float64(len(p))

	var peak float64
	for i := range p {
		p[i] -= mean
		peak = max(peak, math.Abs(p[i]))
	}
	for i := range p {
		p[i] /= peak
	}
	return p
}

// Synthetic generates a plausible demand curve without any trained model.
// It never fails and is deterministic for a given seed and input.
type Synthetic struct {
	seed           uint64
	noiseFraction  float64
	weekendDamping float64
	holidayDamping float64
	calendar       *cal.BusinessCalendar
	location       *time.Location
	now            func() time.Time
}

// SyntheticOption configures a Synthetic generator.
type SyntheticOption func(*Synthetic)

// WithHolidays dampens the diurnal swing on the calendar's holidays.
func WithHolidays(c *cal.BusinessCalendar) SyntheticOption {
	return func(s *Synthetic) { s.calendar = c }
}

// WithLocation evaluates hours of day and weekends in loc instead of UTC.
func WithLocation(loc *time.Location) SyntheticOption {
	return func(s *Synthetic) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithNoiseFraction sets the noise standard deviation relative to the amplitude.
func WithNoiseFraction(f float64) SyntheticOption {
	return func(s *Synthetic) { s.noiseFraction = f }
}

// WithClock overrides the time source used when the history is empty.
func WithClock(now func() time.Time) SyntheticOption {
	return func(s *Synthetic) { s.now = now }
}

// NewSynthetic creates a generator seeded with seed.
func NewSynthetic(seed uint64, opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		seed:           seed,
		noiseFraction:  defaultNoiseFraction,
		weekendDamping: defaultWeekendDamping,
		holidayDamping: defaultHolidayDamping,
		location:       time.UTC,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synthetic) Name() string { return "synthetic" }

// Profile returns the mean and amplitude the generator would use for history.
// History with no spread still gets the default amplitude so the curve keeps
// its shape.
func (s *Synthetic) Profile(history series.Historical) (mean, amplitude float64) {
	if history.Len() == 0 {
		return DefaultMean, DefaultAmplitude
	}
	mean, std := history.Stats()
	if std == 0 {
		std = min(DefaultAmplitude, math.Abs(mean)*0.1)
	}
	return mean, std
}

// Predict returns horizon values following history. An empty history starts
// at the next full hour.
func (s *Synthetic) Predict(_ context.Context, history series.Historical, horizon int) ([]float64, error) {
	if horizon <= 0 {
		return []float64{}, nil
	}

	mean, amp := s.Profile(history)
	stamps := history.Future(horizon, s.now())

	var noise *distuv.Normal
	if sigma := amp * s.noiseFraction; sigma > 0 {
		noise = &distuv.Normal{
			Mu:    0,
			Sigma: sigma,
			Src:   rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15),
		}
	}

	out := make([]float64, horizon)
	for i, ts := range stamps {
		local := ts.In(s.location)
		out[i] = mean + amp*diurnalProfile[local.Hour()]*s.damping(local)
		if noise != nil {
			out[i] += noise.Rand()
		}
	}
	return out, nil
}

func (s *Synthetic) damping(t time.Time) float64 {
	if s.calendar != nil {
		if actual, observed, _ := s.calendar.IsHoliday(t); actual || observed {
			return s.holidayDamping
		}
	}
	if cal.IsWeekend(t) {
		return s.weekendDamping
	}
	return 1
}

// HolidayCalendar returns a calendar for a region code. An empty region
// returns nil, meaning no holiday damping.
func HolidayCalendar(region string) (*cal.BusinessCalendar, error) {
	switch strings.ToLower(region) {
	case "":
		return nil, nil
	case "us":
		c := cal.NewBusinessCalendar()
		c.AddHoliday(us.Holidays...)
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported holiday region %q", region)
	}
}
