// Package planning turns a demand forecast into a renewable integration
// summary: how much of the forecast demand renewables can cover, when demand
// peaks and which hours suit storage charging.
package planning

import (
	"errors"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/gridcast/pkg/ensemble"
)

// Policy describes the renewable profile of a grid by local hour of day.
type Policy struct {
	// CapacityMW is the installed renewable capacity. The renewable share
	// of the horizon can never exceed CapacityMW × hours of demand.
	// Zero means "no cap".
	CapacityMW float64

	// DaylightStart and DaylightEnd bound the solar hours, inclusive.
	DaylightStart int
	DaylightEnd   int

	// DaylightShare and NightShare are the fractions of demand renewables
	// can cover inside and outside daylight hours.
	DaylightShare float64
	NightShare    float64

	// ChargingThreshold selects storage charging hours: those whose share
	// is strictly above it.
	ChargingThreshold float64

	// PeakStart and PeakEnd bound the busy grid hours, inclusive.
	PeakStart int
	PeakEnd   int

	// PeakStability and OffPeakStability score grid stability in [0,1].
	PeakStability    float64
	OffPeakStability float64

	// Location converts timestamps to local hours. Defaults to UTC.
	Location *time.Location
}

// DefaultPolicy returns the policy used when a tenant does not override it.
func DefaultPolicy(capacityMW float64) Policy {
	return Policy{
		CapacityMW:        capacityMW,
		DaylightStart:     6,
		DaylightEnd:       18,
		DaylightShare:     0.2,
		NightShare:        0.05,
		ChargingThreshold: 0.15,
		PeakStart:         8,
		PeakEnd:           22,
		PeakStability:     0.95,
		OffPeakStability:  0.98,
		Location:          time.UTC,
	}
}

// Hour is the plan for one forecast point.
type Hour struct {
	Timestamp      time.Time `json:"timestamp"`
	LocalHour      int       `json:"localHour"`
	DemandMW       float64   `json:"demandMW"`
	RenewableShare float64   `json:"renewableShare"`
	RenewableMW    float64   `json:"renewableMW"`
	GridStability  float64   `json:"gridStability"`
	Charging       bool      `json:"charging,omitempty"`
}

// Plan summarises renewable integration over a forecast horizon.
type Plan struct {
	Tenant              string  `json:"tenant"`
	ResultID            string  `json:"resultId"`
	HorizonHours        int     `json:"horizonHours"`
	TotalDemand         float64 `json:"totalDemand"`
	RenewablePotential  float64 `json:"renewablePotential"`
	RenewablePercentage float64 `json:"renewablePercentage"`
	PeakDemandHour      int     `json:"peakDemandHour"`
	PeakDemand          float64 `json:"peakDemand"`
	ChargingHours       []int   `json:"chargingHours"`
	GridStabilityAvg    float64 `json:"gridStabilityAvg"`
	Hours               []Hour  `json:"hours"`
}

// Build computes the plan for result. Negative demand is treated as zero.
func Build(result *ensemble.Result, p Policy) (Plan, error) {
	if result == nil {
		return Plan{}, errors.New("result is nil")
	}
	if len(result.Points) == 0 {
		return Plan{}, errors.New("result has no points")
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	if p.CapacityMW < 0 {
		p.CapacityMW = 0
	}

	plan := Plan{
		Tenant:        result.Tenant,
		ResultID:      result.ID,
		HorizonHours:  len(result.Points),
		ChargingHours: []int{},
		Hours:         make([]Hour, len(result.Points)),
	}

	demand := make([]float64, len(result.Points))
	renewable := make([]float64, len(result.Points))
	stability := make([]float64, len(result.Points))
	for i, pt := range result.Points {
		local := pt.Timestamp.In(p.Location).Hour()
		d := max(pt.PointEstimate, 0)
		share := p.share(local)

		demand[i] = d
		renewable[i] = share * d
		stability[i] = p.stability(local)

		h := Hour{
			Timestamp:      pt.Timestamp,
			LocalHour:      local,
			DemandMW:       d,
			RenewableShare: share,
			RenewableMW:    renewable[i],
			GridStability:  stability[i],
			Charging:       share > p.ChargingThreshold,
		}
		if h.Charging {
			plan.ChargingHours = append(plan.ChargingHours, local)
		}
		plan.Hours[i] = h
	}

	plan.TotalDemand = floats.Sum(demand)
	plan.RenewablePotential = floats.Sum(renewable)
	plan.GridStabilityAvg = stat.Mean(stability, nil)

	peak := floats.MaxIdx(demand)
	plan.PeakDemand = demand[peak]
	plan.PeakDemandHour = plan.Hours[peak].LocalHour

	if plan.TotalDemand > 0 {
		pct := plan.RenewablePotential / plan.TotalDemand * 100
		if p.CapacityMW > 0 {
			pct = min(pct, p.CapacityMW*float64(len(demand))/plan.TotalDemand*100)
		}
		plan.RenewablePercentage = pct
	}
	return plan, nil
}

func (p Policy) share(hour int) float64 {
	if hour >= p.DaylightStart && hour <= p.DaylightEnd {
		return p.DaylightShare
	}
	return p.NightShare
}

func (p Policy) stability(hour int) float64 {
	if hour >= p.PeakStart && hour <= p.PeakEnd {
		return p.PeakStability
	}
	return p.OffPeakStability
}
