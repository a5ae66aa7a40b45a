package gates

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Threshold keys accepted in the flat configuration mapping.
const (
	KeyErrorBudgetPct         = "error_budget_pct"
	KeyMaxBlastRadiusPct      = "max_blast_radius_pct"
	KeyCooldownSeconds        = "cooldown_seconds"
	KeyRecentFailureWindow    = "recent_failure_window_seconds"
	KeyMaxResourceUtilization = "max_resource_utilization_pct"
	KeyMaxIncidentRate        = "max_incident_rate_per_hour"

	// MetaBlastRadiusPct is read from operation metadata.
	MetaBlastRadiusPct = "blast_radius_pct"
	// DefaultBlastRadiusPct is assumed when metadata carries no estimate.
	DefaultBlastRadiusPct = 1.0
)

// Thresholds configure the built-in gates.
type Thresholds struct {
	ErrorBudgetPct            float64       `json:"error_budget_pct"`
	MaxBlastRadiusPct         float64       `json:"max_blast_radius_pct"`
	Cooldown                  time.Duration `json:"cooldown"`
	RecentFailureWindow       time.Duration `json:"recent_failure_window"`
	MaxResourceUtilizationPct float64       `json:"max_resource_utilization_pct"`
	MaxIncidentRatePerHour    float64       `json:"max_incident_rate_per_hour"`
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorBudgetPct:            2.0,
		MaxBlastRadiusPct:         5.0,
		Cooldown:                  300 * time.Second,
		RecentFailureWindow:       3600 * time.Second,
		MaxResourceUtilizationPct: 80,
		MaxIncidentRatePerHour:    5,
	}
}

var thresholdKeys = map[string]bool{
	KeyErrorBudgetPct:         true,
	KeyMaxBlastRadiusPct:      true,
	KeyCooldownSeconds:        true,
	KeyRecentFailureWindow:    true,
	KeyMaxResourceUtilization: true,
	KeyMaxIncidentRate:        true,
}

// ParseThresholds reads a flat mapping. Absent keys keep their defaults; non-numeric
// and negative values are rejected. Unknown keys are ignored, see UnknownThresholdKeys.
func ParseThresholds(raw map[string]any) (Thresholds, error) {
	th := DefaultThresholds()
	for key, val := range raw {
		if !thresholdKeys[key] {
			continue
		}
		f, err := toFloat(val)
		if err != nil {
			return Thresholds{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return Thresholds{}, fmt.Errorf("%w: %s must be a finite non-negative number", ErrInvalidConfig, key)
		}
		switch key {
		case KeyErrorBudgetPct:
			th.ErrorBudgetPct = f
		case KeyMaxBlastRadiusPct:
			th.MaxBlastRadiusPct = f
		case KeyCooldownSeconds:
			th.Cooldown = seconds(f)
		case KeyRecentFailureWindow:
			th.RecentFailureWindow = seconds(f)
		case KeyMaxResourceUtilization:
			th.MaxResourceUtilizationPct = f
		case KeyMaxIncidentRate:
			th.MaxIncidentRatePerHour = f
		}
	}
	return th, nil
}

// UnknownThresholdKeys lists, sorted, the keys of raw that ParseThresholds ignores.
func UnknownThresholdKeys(raw map[string]any) []string {
	var out []string
	for key := range raw {
		if !thresholdKeys[key] {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Map renders thresholds back into the flat form.
func (t Thresholds) Map() map[string]any {
	return map[string]any{
		KeyErrorBudgetPct:         t.ErrorBudgetPct,
		KeyMaxBlastRadiusPct:      t.MaxBlastRadiusPct,
		KeyCooldownSeconds:        t.Cooldown.Seconds(),
		KeyRecentFailureWindow:    t.RecentFailureWindow.Seconds(),
		KeyMaxResourceUtilization: t.MaxResourceUtilizationPct,
		KeyMaxIncidentRate:        t.MaxIncidentRatePerHour,
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
