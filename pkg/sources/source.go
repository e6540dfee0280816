// Package sources collects a tenant's demand history from external systems
// and normalizes it into an hourly series.
//
// Available sources:
//   - PrometheusSource: range queries against the Prometheus HTTP API
//     and compatible servers such as VictoriaMetrics
//   - HTTPSource: any REST endpoint with JSON responses, extracted with
//     gjson paths
//
// Raw samples are averaged per UTC hour. If the result still has missing hours,
// only the most recent contiguous run is returned so the forecaster never
// receives a series with gaps.
package sources

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/HatiCode/gridcast/pkg/series"
)

// Source fetches recent demand for one tenant.
type Source interface {
	// Collect returns the hourly history covering at most the last window.
	// It must respect context cancellation and never panic.
	Collect(ctx context.Context, tenant string, window time.Duration) (series.Historical, error)

	// Name returns a short identifier such as "prometheus" or "http".
	Name() string
}

// Config describes a tenant's history source. It is embedded in the tenant
// configuration file.
type Config struct {
	Kind string `yaml:"kind" json:"kind"`
	URL  string `yaml:"url" json:"url"`

	// Prometheus / VictoriaMetrics
	Query string `yaml:"query,omitempty" json:"query,omitempty"`

	// HTTP
	Method          string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body            string            `yaml:"body,omitempty" json:"body,omitempty"`
	ValuePath       string            `yaml:"value_path,omitempty" json:"valuePath,omitempty"`
	TimestampPath   string            `yaml:"timestamp_path,omitempty" json:"timestampPath,omitempty"`
	TimestampFormat string            `yaml:"timestamp_format,omitempty" json:"timestampFormat,omitempty"`
	TemplateVars    map[string]string `yaml:"template_vars,omitempty" json:"templateVars,omitempty"`
}

// New creates a source from its configuration.
//
// Supported kinds:
//   - "prometheus"
//   - "victoriametrics"
//   - "http"
func New(cfg Config) (Source, error) {
	return NewWithClient(cfg, nil)
}

// NewWithClient is New with an explicit HTTP client, e.g. one configured for
// mutual TLS. A nil client selects the default.
func NewWithClient(cfg Config, client *http.Client) (Source, error) {
	switch cfg.Kind {
	case "prometheus":
		return newPrometheus(cfg, client, "http://localhost:9090", "prometheus")
	case "victoriametrics":
		return newPrometheus(cfg, client, "http://localhost:8428", "victoria-metrics")
	case "http":
		return newHTTP(cfg, client)
	default:
		return nil, fmt.Errorf("unknown source kind: %q (must be prometheus, victoriametrics, or http)", cfg.Kind)
	}
}

func newPrometheus(cfg Config, client *http.Client, defaultURL, name string) (Source, error) {
	if cfg.Query == "" {
		return nil, fmt.Errorf("%s source requires 'query'", cfg.Kind)
	}
	url := cfg.URL
	if url == "" {
		url = defaultURL
	}
	return &PrometheusSource{ServerURL: url, Query: cfg.Query, HTTPClient: client, name: name}, nil
}

func newHTTP(cfg Config, client *http.Client) (Source, error) {
	src := &HTTPSource{
		URL:             cfg.URL,
		Method:          cfg.Method,
		Headers:         cfg.Headers,
		Body:            cfg.Body,
		ValuePath:       cfg.ValuePath,
		TimestampPath:   cfg.TimestampPath,
		TimestampFormat: cfg.TimestampFormat,
		TemplateVars:    cfg.TemplateVars,
		HTTPClient:      client,
	}
	if err := src.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}
	return src, nil
}

type sample struct {
	ts    time.Time
	value float64
}

// hourly averages samples per UTC hour and returns the most recent contiguous
// run of hours.
func hourly(tenant string, samples []sample) series.Historical {
	if len(samples) == 0 {
		return series.Historical{Tenant: tenant}
	}

	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[time.Time]*bucket)
	for _, s := range samples {
		hour := s.ts.UTC().Truncate(series.Step)
		b, ok := buckets[hour]
		if !ok {
			b = &bucket{}
			buckets[hour] = b
		}
		b.sum += s.value
		b.count++
	}

	hours := make([]time.Time, 0, len(buckets))
	for h := range buckets {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	start := len(hours) - 1
	for start > 0 && hours[start].Sub(hours[start-1]) == series.Step {
		start--
	}

	points := make([]series.Point, 0, len(hours)-start)
	for _, h := range hours[start:] {
		b := buckets[h]
		points = append(points, series.Point{Timestamp: h, Value: b.sum / float64(b.count)})
	}
	return series.Historical{Tenant: tenant, Points: points}
}
