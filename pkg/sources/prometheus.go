package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/HatiCode/gridcast/pkg/series"
)

// PrometheusSource runs a /api/v1/query_range call at hourly resolution.
// If the query returns several series, values at the same timestamp are
// summed. The query may reference {{.Tenant}}.
type PrometheusSource struct {
	// ServerURL is the base URL, e.g. http://prometheus.monitoring.svc:9090
	ServerURL string
	// Query is the PromQL (or MetricsQL) expression to evaluate.
	Query string
	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	name string
}

func (p *PrometheusSource) Name() string {
	if p.name == "" {
		return "prometheus"
	}
	return p.name
}

// Collect implements Source.
func (p *PrometheusSource) Collect(ctx context.Context, tenant string, window time.Duration) (series.Historical, error) {
	if p.ServerURL == "" || p.Query == "" {
		return series.Historical{}, errors.New("prometheus source: ServerURL and Query are required")
	}

	end := time.Now().UTC().Truncate(series.Step)
	start := end.Add(-window)

	query, err := renderTemplate(p.Query, map[string]any{"Tenant": tenant})
	if err != nil {
		return series.Historical{}, fmt.Errorf("render query: %w", err)
	}

	u, err := url.Parse(p.ServerURL)
	if err != nil {
		return series.Historical{}, fmt.Errorf("invalid ServerURL: %w", err)
	}
	u.Path = "/api/v1/query_range"

	q := u.Query()
	q.Set("query", query)
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))
	q.Set("step", strconv.Itoa(int(series.Step/time.Second)))
	u.RawQuery = q.Encode()

	cli := p.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return series.Historical{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return series.Historical{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return series.Historical{}, fmt.Errorf("%s: status %d", p.Name(), resp.StatusCode)
	}

	var pr RangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return series.Historical{}, fmt.Errorf("decode %s response: %w", p.Name(), err)
	}
	if pr.Status != "success" {
		return series.Historical{}, fmt.Errorf("%s status: %s", p.Name(), pr.Status)
	}

	samples, err := AggregateRangeResult(pr.Data.Result)
	if err != nil {
		return series.Historical{}, err
	}
	return hourly(tenant, samples), nil
}

// RangeResponse is the query_range response of Prometheus and compatible systems.
type RangeResponse struct {
	Status string    `json:"status"`
	Data   RangeData `json:"data"`
}

// RangeData contains the result of a range query.
type RangeData struct {
	ResultType string        `json:"resultType"`
	Result     []RangeSeries `json:"result"`
}

// RangeSeries is a single time series in the result.
type RangeSeries struct {
	Metric map[string]string `json:"metric"`
	// Values is an array of [ <unix_time_float>, "<value_string>" ]
	Values [][]any `json:"values"`
}

// AggregateRangeResult flattens the series, summing values at the same timestamp.
func AggregateRangeResult(result []RangeSeries) ([]sample, error) {
	acc := make(map[int64]float64)
	for _, s := range result {
		for _, pair := range s.Values {
			if len(pair) != 2 {
				return nil, fmt.Errorf("invalid value pair length: %d", len(pair))
			}

			var tsSec int64
			switch v := pair[0].(type) {
			case float64:
				tsSec = int64(v)
			case json.Number:
				f, _ := v.Float64()
				tsSec = int64(f)
			default:
				return nil, fmt.Errorf("unexpected timestamp type %T", v)
			}

			var val float64
			switch vv := pair[1].(type) {
			case string:
				f, err := strconv.ParseFloat(vv, 64)
				if err != nil {
					return nil, fmt.Errorf("parse value: %w", err)
				}
				val = f
			case float64:
				val = vv
			case json.Number:
				f, _ := vv.Float64()
				val = f
			default:
				return nil, fmt.Errorf("unexpected value type %T", vv)
			}
			acc[tsSec] += val
		}
	}

	out := make([]sample, 0, len(acc))
	for ts, v := range acc {
		out = append(out, sample{ts: time.Unix(ts, 0).UTC(), value: v})
	}
	return out, nil
}
