package tenants

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/gridcast/pkg/artifacts"
)

const registryYAML = `
default: windpower
tenants:
  - id: solartech
    name: SolarTech Solutions
    timezone: Africa/Nairobi
    horizon_hours: 48
    capacity_mw: 125.5
    holidays: us
    source:
      kind: prometheus
      url: http://prometheus:9090
      query: sum(grid_demand_mw{tenant="{{.Tenant}}"})
  - id: windpower
    name: WindPower International
    capacity_mw: 87.3
    enable_neural: false
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	r, err := Load(writeFile(t, registryYAML))
	require.NoError(t, err)

	assert.Equal(t, "windpower", r.DefaultID())

	solar, err := r.Get("solartech")
	require.NoError(t, err)
	assert.Equal(t, 48, solar.Horizon())
	assert.InDelta(t, 125.5, solar.CapacityMW, 1e-9)
	assert.True(t, solar.NeuralEnabled())
	assert.Empty(t, solar.Disabled())
	require.NotNil(t, solar.Source)
	assert.Equal(t, "prometheus", solar.Source.Kind)

	loc, err := solar.Location()
	require.NoError(t, err)
	assert.Equal(t, "Africa/Nairobi", loc.String())

	wind, err := r.Get(r.DefaultID())
	require.NoError(t, err)
	assert.Equal(t, "windpower", wind.ID)
	assert.Equal(t, DefaultHorizonHours, wind.Horizon())
	assert.False(t, wind.NeuralEnabled())
	assert.Equal(t, []artifacts.Kind{artifacts.KindNeural}, wind.Disabled())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not yaml", "tenants: [unterminated"},
		{"no tenants", "default: x\n"},
		{"missing name", "tenants:\n  - id: a\n"},
		{"bad id", "tenants:\n  - id: a b\n    name: A\n"},
		{"duplicate", "tenants:\n  - id: a\n    name: A\n  - id: a\n    name: B\n"},
		{"unknown default", "default: z\ntenants:\n  - id: a\n    name: A\n"},
		{"bad timezone", "tenants:\n  - id: a\n    name: A\n    timezone: Mars/Olympus\n"},
		{"bad holidays", "tenants:\n  - id: a\n    name: A\n    holidays: atlantis\n"},
		{"negative capacity", "tenants:\n  - id: a\n    name: A\n    capacity_mw: -1\n"},
		{"bad source", "tenants:\n  - id: a\n    name: A\n    source:\n      kind: prometheus\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefault(t *testing.T) {
	r := Default()

	assert.Equal(t, "onepower", r.DefaultID())

	ids := make([]string, 0)
	for _, tenant := range r.List() {
		ids = append(ids, tenant.ID)
	}
	assert.Equal(t, []string{"greengrid", "onepower", "solartech", "windpower"}, ids)

	solar, err := r.Get("solartech")
	require.NoError(t, err)
	assert.Equal(t, 48, solar.Horizon())
}

func TestRegistry_UnknownTenant(t *testing.T) {
	_, err := Default().Get("nope")
	assert.True(t, errors.Is(err, ErrUnknownTenant))
}
