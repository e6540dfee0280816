// Package tenants holds the read-only configuration of the energy companies
// served by gridcast.
//
// The registry is loaded from a YAML file:
//
//	default: onepower
//	tenants:
//	  - id: solartech
//	    name: SolarTech Solutions
//	    currency: KES
//	    timezone: Africa/Nairobi
//	    horizon_hours: 48
//	    capacity_mw: 125.5
//	    holidays: ""
//	    source:
//	      kind: prometheus
//	      url: http://prometheus:9090
//	      query: sum(grid_demand_mw{tenant="{{.Tenant}}"})
//
// When no file is configured, Default returns the built-in demo tenants.
package tenants

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/models"
	"github.com/HatiCode/gridcast/pkg/sources"
	"github.com/HatiCode/gridcast/pkg/storage"
)

// ErrUnknownTenant is returned by Get for an id not in the registry.
var ErrUnknownTenant = errors.New("unknown tenant")

// DefaultHorizonHours applies when a tenant does not set horizon_hours.
const DefaultHorizonHours = 24

// Tenant is one company's configuration.
type Tenant struct {
	ID           string  `yaml:"id" json:"id"`
	Name         string  `yaml:"name" json:"name"`
	Currency     string  `yaml:"currency,omitempty" json:"currency,omitempty"`
	Timezone     string  `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	HorizonHours int     `yaml:"horizon_hours,omitempty" json:"horizonHours"`
	CapacityMW   float64 `yaml:"capacity_mw" json:"capacityMW"`

	// EnableNeural defaults to true when omitted.
	EnableNeural *bool `yaml:"enable_neural,omitempty" json:"enableNeural,omitempty"`

	// Holidays names the holiday calendar used by the synthetic fallback ("" or "us").
	Holidays string `yaml:"holidays,omitempty" json:"holidays,omitempty"`

	// Source is optional; tenants without one are only forecast on request.
	Source *sources.Config `yaml:"source,omitempty" json:"source,omitempty"`
}

// Location returns the tenant's time zone, UTC when unset.
func (t Tenant) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(t.Timezone)
}

// NeuralEnabled reports whether the sequence-neural family may contribute.
func (t Tenant) NeuralEnabled() bool {
	return t.EnableNeural == nil || *t.EnableNeural
}

// Disabled lists the artifact kinds the tenant opted out of.
func (t Tenant) Disabled() []artifacts.Kind {
	if t.NeuralEnabled() {
		return nil
	}
	return []artifacts.Kind{artifacts.KindNeural}
}

// Horizon returns the tenant's default forecast horizon.
func (t Tenant) Horizon() int {
	if t.HorizonHours <= 0 {
		return DefaultHorizonHours
	}
	return t.HorizonHours
}

// Validate checks the tenant's fields.
func (t Tenant) Validate() error {
	if err := storage.ValidateTenant(t.ID); err != nil {
		return err
	}
	if t.Name == "" {
		return fmt.Errorf("tenant %s: name is required", t.ID)
	}
	if t.HorizonHours < 0 {
		return fmt.Errorf("tenant %s: horizon_hours must be >= 0", t.ID)
	}
	if t.CapacityMW < 0 {
		return fmt.Errorf("tenant %s: capacity_mw must be >= 0", t.ID)
	}
	if _, err := t.Location(); err != nil {
		return fmt.Errorf("tenant %s: invalid timezone: %w", t.ID, err)
	}
	if _, err := models.HolidayCalendar(t.Holidays); err != nil {
		return fmt.Errorf("tenant %s: %w", t.ID, err)
	}
	if t.Source != nil {
		if _, err := sources.New(*t.Source); err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
	}
	return nil
}

// Registry is an immutable set of tenants with a default.
type Registry struct {
	tenants   map[string]Tenant
	defaultID string
}

type file struct {
	Default string   `yaml:"default"`
	Tenants []Tenant `yaml:"tenants"`
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return New(f.Default, f.Tenants...)
}

// New builds a registry. An empty defaultID selects the first tenant.
func New(defaultID string, tenants ...Tenant) (*Registry, error) {
	if len(tenants) == 0 {
		return nil, errors.New("at least one tenant is required")
	}

	r := &Registry{tenants: make(map[string]Tenant, len(tenants)), defaultID: defaultID}
	for _, t := range tenants {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.tenants[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		r.tenants[t.ID] = t
	}

	if r.defaultID == "" {
		r.defaultID = tenants[0].ID
	}
	if _, ok := r.tenants[r.defaultID]; !ok {
		return nil, fmt.Errorf("default tenant %q is not defined", r.defaultID)
	}
	return r, nil
}

// Default returns the built-in demo registry.
func Default() *Registry {
	r, err := New("onepower",
		Tenant{ID: "solartech", Name: "SolarTech Solutions", Currency: "KES", Timezone: "Africa/Nairobi", HorizonHours: 48, CapacityMW: 125.5},
		Tenant{ID: "windpower", Name: "WindPower International", Currency: "ZAR", Timezone: "Africa/Johannesburg", HorizonHours: 24, CapacityMW: 87.3},
		Tenant{ID: "greengrid", Name: "GreenGrid Energy", Currency: "GHS", Timezone: "Africa/Accra", HorizonHours: 24, CapacityMW: 92.7},
		Tenant{ID: "onepower", Name: "OnePower Lesotho", Currency: "LSL", Timezone: "Africa/Maseru", HorizonHours: 24, CapacityMW: 65.2},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the tenant with the given id.
func (r *Registry) Get(id string) (Tenant, error) {
	t, ok := r.tenants[id]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: %q", ErrUnknownTenant, id)
	}
	return t, nil
}

// DefaultID returns the id of the default tenant.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// List returns all tenants sorted by id.
func (r *Registry) List() []Tenant {
	out := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
