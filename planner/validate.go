package planner

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/barrhawk/labcore/core"
)

// URL validation bounds.
const maxURLLength = 2048

// deniedSchemes can never appear in a navigate URL, case-insensitively.
var deniedSchemes = map[string]bool{
	"javascript": true,
	"file":       true,
	"data":       true,
	"vbscript":   true,
}

// ValidateIntent rejects empty or oversized intents before any side
// effects.
func ValidateIntent(intent string) error {
	trimmed := strings.TrimSpace(intent)
	if trimmed == "" {
		return core.NewCoreError("planner.ValidateIntent", core.KindValidation,
			fmt.Errorf("%w: empty intent", core.ErrIntentRejected))
	}
	if len(intent) > core.MaxIntentLength {
		return core.NewCoreError("planner.ValidateIntent", core.KindValidation,
			fmt.Errorf("%w: intent exceeds %d chars", core.ErrIntentRejected, core.MaxIntentLength))
	}
	return nil
}

// ValidateURL enforces the navigate URL policy: http(s) only, denylisted
// schemes refused outright, internal addresses refused unless
// allowLocalhost, total length bounded.
func ValidateURL(raw string, allowLocalhost bool) error {
	if len(raw) > maxURLLength {
		return core.NewCoreError("planner.ValidateURL", core.KindValidation,
			fmt.Errorf("url exceeds %d chars", maxURLLength))
	}
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return core.NewCoreError("planner.ValidateURL", core.KindValidation, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if deniedSchemes[scheme] {
		return core.NewCoreError("planner.ValidateURL", core.KindValidation,
			fmt.Errorf("scheme %q not allowed", scheme))
	}
	if scheme != "http" && scheme != "https" {
		return core.NewCoreError("planner.ValidateURL", core.KindValidation,
			fmt.Errorf("url must be http or https, got %q", scheme))
	}
	host := parsed.Hostname()
	if host == "" {
		return core.NewCoreError("planner.ValidateURL", core.KindValidation,
			fmt.Errorf("url has no host"))
	}
	if !allowLocalhost && isInternalHost(host) {
		return core.NewCoreError("planner.ValidateURL", core.KindValidation,
			fmt.Errorf("internal address %q not allowed", host))
	}
	return nil
}

// isInternalHost reports whether host names a loopback, private or
// link-local address.
func isInternalHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || lower == "0.0.0.0" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}
	return false
}

// ValidatePlan checks a synthesized plan against the structural bounds:
// closed action set, step count, timeout and retry budgets, URL policy.
func ValidatePlan(steps []core.Step, allowLocalhost bool) error {
	if len(steps) == 0 {
		return core.NewCoreError("planner.ValidatePlan", core.KindValidation,
			fmt.Errorf("%w: plan has no steps", core.ErrInvalidPlan))
	}
	if len(steps) > core.MaxPlanSteps {
		return core.NewCoreError("planner.ValidatePlan", core.KindValidation,
			fmt.Errorf("%w: %d steps exceeds %d", core.ErrInvalidPlan, len(steps), core.MaxPlanSteps))
	}
	for i, step := range steps {
		if !core.AllowedAction(step.Action) {
			return core.NewCoreError("planner.ValidatePlan", core.KindValidation,
				fmt.Errorf("%w: step %d action %q not allowed", core.ErrInvalidPlan, i, step.Action))
		}
		if step.TimeoutMS < 0 || step.TimeoutMS > core.MaxStepTimeout {
			return core.NewCoreError("planner.ValidatePlan", core.KindValidation,
				fmt.Errorf("%w: step %d timeout %dms outside bounds", core.ErrInvalidPlan, i, step.TimeoutMS))
		}
		if step.Retries < 0 || step.Retries > core.MaxStepRetries {
			return core.NewCoreError("planner.ValidatePlan", core.KindValidation,
				fmt.Errorf("%w: step %d retries %d outside bounds", core.ErrInvalidPlan, i, step.Retries))
		}
		if step.Action == core.ActionNavigate {
			raw, _ := step.Params["url"].(string)
			if raw == "" {
				return core.NewCoreError("planner.ValidatePlan", core.KindValidation,
					fmt.Errorf("%w: step %d navigate without url", core.ErrInvalidPlan, i))
			}
			if err := ValidateURL(raw, allowLocalhost); err != nil {
				return err
			}
		}
	}
	return nil
}
