package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/gridcast/pkg/series"
)

// HTTPSource calls a REST endpoint and extracts demand samples with gjson
// paths.
//
// Body, header and URL templates may use:
//
//	{{.Tenant}}        tenant id
//	{{.WindowHours}}   collection window in hours
//	{{.Start}}         start as Unix seconds
//	{{.End}}           end as Unix seconds
//	{{.StartRFC3339}}  start as RFC3339
//	{{.EndRFC3339}}    end as RFC3339
//
// plus every key of TemplateVars.
//
// Example:
//
//	src := &HTTPSource{
//	    URL:           "https://meters.example.com/v1/{{.Tenant}}/load",
//	    Headers:       map[string]string{"Authorization": "Bearer {{.Token}}"},
//	    TemplateVars:  map[string]string{"Token": "..."},
//	    ValuePath:     "readings.#.mw",
//	    TimestampPath: "readings.#.at",
//	}
type HTTPSource struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string

	// ValuePath and TimestampPath must select arrays of equal length.
	ValuePath     string
	TimestampPath string

	// TimestampFormat is "rfc3339" (default), "unix" or "unix_milli".
	TimestampFormat string

	TemplateVars map[string]string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

func (h *HTTPSource) Name() string { return "http" }

// Collect implements Source.
func (h *HTTPSource) Collect(ctx context.Context, tenant string, window time.Duration) (series.Historical, error) {
	if err := h.ValidateConfig(); err != nil {
		return series.Historical{}, fmt.Errorf("http source: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	start := now.Add(-window)

	data := map[string]any{
		"Tenant":       tenant,
		"WindowHours":  int(window / time.Hour),
		"Start":        start.Unix(),
		"End":          now.Unix(),
		"StartRFC3339": start.Format(time.RFC3339),
		"EndRFC3339":   now.Format(time.RFC3339),
	}
	for k, v := range h.TemplateVars {
		data[k] = v
	}

	target, err := renderTemplate(h.URL, data)
	if err != nil {
		return series.Historical{}, fmt.Errorf("render url template: %w", err)
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, data)
		if err != nil {
			return series.Historical{}, fmt.Errorf("render body template: %w", err)
		}
		body = strings.NewReader(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return series.Historical{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, data)
		if err != nil {
			return series.Historical{}, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return series.Historical{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return series.Historical{}, fmt.Errorf("http status %d: %s", resp.StatusCode, string(msg))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return series.Historical{}, fmt.Errorf("read response: %w", err)
	}

	values := gjson.GetBytes(payload, h.ValuePath)
	if !values.Exists() {
		return series.Historical{}, fmt.Errorf("value path %q not found in response", h.ValuePath)
	}
	stamps := gjson.GetBytes(payload, h.TimestampPath)
	if !stamps.Exists() {
		return series.Historical{}, fmt.Errorf("timestamp path %q not found in response", h.TimestampPath)
	}

	vals, tss := values.Array(), stamps.Array()
	if len(vals) != len(tss) {
		return series.Historical{}, fmt.Errorf("value count (%d) != timestamp count (%d)", len(vals), len(tss))
	}

	samples := make([]sample, 0, len(vals))
	for i := range vals {
		ts, err := h.parseTimestamp(tss[i])
		if err != nil {
			return series.Historical{}, fmt.Errorf("parse timestamp[%d]: %w", i, err)
		}
		samples = append(samples, sample{ts: ts, value: vals[i].Float()})
	}

	return hourly(tenant, samples), nil
}

func (h *HTTPSource) parseTimestamp(v gjson.Result) (time.Time, error) {
	switch h.TimestampFormat {
	case "", "rfc3339":
		return time.Parse(time.RFC3339, v.String())
	case "unix":
		return time.Unix(int64(v.Float()), 0).UTC(), nil
	case "unix_milli":
		return time.UnixMilli(int64(v.Float())).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp format: %s", h.TimestampFormat)
	}
}

// ValidateConfig checks that the required fields are set.
func (h *HTTPSource) ValidateConfig() error {
	if h.URL == "" {
		return errors.New("url is required")
	}
	if h.ValuePath == "" {
		return errors.New("value_path is required")
	}
	if h.TimestampPath == "" {
		return errors.New("timestamp_path is required")
	}
	switch h.TimestampFormat {
	case "", "rfc3339", "unix", "unix_milli":
	default:
		return fmt.Errorf("invalid timestamp_format: %s (must be rfc3339, unix, or unix_milli)", h.TimestampFormat)
	}
	return nil
}

func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
