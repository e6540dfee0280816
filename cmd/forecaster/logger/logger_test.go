package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/HatiCode/gridcast/cmd/forecaster/config"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&config.Config{LogFormat: "json", LogLevel: "info"}, &buf)

	log.Info("forecast complete", "tenant", "solartech")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["tenant"] != "solartech" {
		t.Errorf("tenant = %v, want solartech", entry["tenant"])
	}
	if entry["service"] != "gridcast-forecaster" {
		t.Errorf("service = %v, want gridcast-forecaster", entry["service"])
	}
}

func TestNewWithWriter_Level(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			log := NewWithWriter(&config.Config{LogFormat: "text", LogLevel: tt.level}, &buf)

			log.Debug("debug-line")
			log.Info("info-line")

			out := buf.String()
			if got := strings.Contains(out, "debug-line"); got != tt.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(out, "info-line"); got != tt.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}
