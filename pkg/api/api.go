// Package api defines the JSON bodies accepted and returned by the HTTP and
// gRPC front ends.
package api

import (
	"time"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/series"
)

// ForecastRequest asks for a forecast. Tenant is required; a zero
// HorizonHours selects the tenant's default horizon.
type ForecastRequest struct {
	Tenant       string         `json:"tenant"`
	HorizonHours int            `json:"horizonHours,omitempty"`
	History      []series.Point `json:"history"`
}

// EvaluateRequest scores the tenant's latest forecast against observed
// demand, aligned from the first forecast hour.
type EvaluateRequest struct {
	Tenant  string    `json:"tenant"`
	Actuals []float64 `json:"actuals"`
}

// KindInfo describes one model family.
type KindInfo struct {
	artifacts.KindStatus
	Model   string            `json:"model"`
	Metrics *artifacts.Record `json:"metrics,omitempty"`
}

// ModelsInfo is the model inventory of the service.
type ModelsInfo struct {
	Directory    string     `json:"directory"`
	Loaded       int        `json:"loaded"`
	TrainingDate *time.Time `json:"trainingDate,omitempty"`
	Kinds        []KindInfo `json:"kinds"`
}

// TenantInfo is the public view of a tenant.
type TenantInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Currency      string  `json:"currency,omitempty"`
	Timezone      string  `json:"timezone,omitempty"`
	HorizonHours  int     `json:"horizonHours"`
	CapacityMW    float64 `json:"capacityMW"`
	NeuralEnabled bool    `json:"neuralEnabled"`
	Default       bool    `json:"default,omitempty"`
}
