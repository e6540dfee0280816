package ensemble

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// ParseIntervalLevel parses a central interval coverage from either
// p-notation (p80, p90) or decimal notation (0.80, 0.90).
//
// Examples:
//   - "p90" → 0.90
//   - "0.95" → 0.95
//   - "" or "0" → 0 (one standard deviation)
func ParseIntervalLevel(s string) (float64, error) {
	s = strings.TrimSpace(s)

	if s == "" || s == "0" {
		return 0, nil
	}

	if strings.HasPrefix(strings.ToLower(s), "p") {
		percentile, err := strconv.ParseFloat(s[1:], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid p-notation %q: %w", s, err)
		}
		if percentile <= 0 || percentile >= 100 {
			return 0, fmt.Errorf("percentile %v out of range (0, 100)", percentile)
		}
		return percentile / 100.0, nil
	}

	level, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval level %q: %w", s, err)
	}
	if level < 0 || level >= 1 {
		return 0, fmt.Errorf("interval level %v out of range [0, 1)", level)
	}
	return level, nil
}

// FormatIntervalLevel formats a level as p-notation for display.
func FormatIntervalLevel(level float64) string {
	if level == 0 {
		return "1sd"
	}
	percentile := level * 100
	if percentile == float64(int(percentile)) {
		return fmt.Sprintf("p%d", int(percentile))
	}
	return fmt.Sprintf("p%.1f", percentile)
}

// ZScore returns the two-sided standard normal multiplier for a central
// interval level. A level of 0 yields 1.
func ZScore(level float64) float64 {
	if level <= 0 || level >= 1 {
		return 1
	}
	return distuv.UnitNormal.Quantile(0.5 + level/2)
}
