package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/argos-watch/argos/pkg/schema"
)

// unknownName is the synthetic rule/monitor name used when an entry's own
// name cannot be recovered from the document.
const unknownName = "UNKNOWN"

// ValidateDocument turns the raw decoded document into typed Monitor records.
//
// It never short-circuits: every independent fault across every rule and
// monitor is collected, the reason list is deduplicated, and a non-empty list
// means no monitors are returned. Validation has no side effects, so the same
// input always produces the same result.
func ValidateDocument(doc map[string]any, schemas map[string][]schema.Field) ([]Monitor, []string) {
	v := &validator{schemas: schemas}

	rules := v.ruleEntries(doc)
	targets := v.checkRules(rules)

	for _, entry := range v.monitorEntries(doc) {
		v.checkMonitor(entry, targets)
	}

	if reasons := dedupe(v.reasons); len(reasons) > 0 {
		return nil, reasons
	}
	return v.monitors, nil
}

type validator struct {
	schemas  map[string][]schema.Field
	reasons  []string
	monitors []Monitor
	seen     map[string]bool // monitor names, for uniqueness
}

func (v *validator) addf(format string, args ...any) {
	v.reasons = append(v.reasons, fmt.Sprintf(format, args...))
}

// ruleEntries extracts the top-level rules array, tolerating its absence
// (an empty document is valid).
func (v *validator) ruleEntries(doc map[string]any) []any {
	raw, present := doc["rules"]
	if !present {
		return nil
	}
	entries, ok := raw.([]any)
	if !ok {
		v.addf("'rules' must be a list")
		return nil
	}
	return entries
}

// monitorEntries extracts monitors.single, tolerating absence of either key.
func (v *validator) monitorEntries(doc map[string]any) []any {
	raw, present := doc["monitors"]
	if !present {
		return nil
	}
	monitors, ok := raw.(map[string]any)
	if !ok {
		v.addf("'monitors' must be a map")
		return nil
	}
	single, present := monitors["single"]
	if !present {
		return nil
	}
	entries, ok := single.([]any)
	if !ok {
		v.addf("'monitors.single' must be a list")
		return nil
	}
	return entries
}

// checkRules is pass 1: structural validation of every rule, building the
// monitor-name -> rule-names index used to compute inform_to. Rules with
// errors still contribute their valid targets.
func (v *validator) checkRules(entries []any) map[string][]string {
	targets := make(map[string][]string)

	for _, raw := range entries {
		rule, ok := raw.(map[string]any)
		if !ok {
			v.addf("Rule '%s' must be a map", unknownName)
			continue
		}

		name := unknownName
		if s, ok := rule["name"].(string); ok && s != "" {
			name = s
		} else {
			v.addf("Rule '%s' must have a non-empty 'name' field", unknownName)
		}

		switch m := rule["monitor"].(type) {
		case string:
			if m == "" {
				v.addf("Rule '%s' must have a 'monitor' field", name)
				continue
			}
			if name != unknownName {
				targets[m] = append(targets[m], name)
			}
		case []any:
			for _, item := range m {
				s, ok := item.(string)
				if !ok || s == "" {
					v.addf("Rule '%s' has an invalid monitor reference", name)
					continue
				}
				if name != unknownName {
					targets[s] = append(targets[s], name)
				}
			}
		default:
			v.addf("Rule '%s' must have a 'monitor' field", name)
		}
	}

	return targets
}

// checkMonitor is pass 2 for one monitor entry. A failing monitor never
// aborts its siblings.
func (v *validator) checkMonitor(raw any, targets map[string][]string) {
	entry, ok := raw.(map[string]any)
	if !ok {
		v.addf("Monitor '%s' must be a map", unknownName)
		return
	}

	name, ok := entry["name"].(string)
	if !ok || name == "" {
		v.addf("Monitor '%s' must have a non-empty 'name' field", unknownName)
		return
	}
	if v.seen == nil {
		v.seen = make(map[string]bool)
	}
	if v.seen[name] {
		v.addf("Monitor '%s' is defined more than once", name)
		return
	}
	v.seen[name] = true

	tag, ok := entry["type"].(string)
	if !ok || tag == "" {
		v.addf("Monitor '%s' must have a non-empty 'type' field", name)
		return
	}
	fields, known := v.schemas[tag]
	if !known {
		v.addf("Monitor '%s' -> type: unknown protocol '%s' (installed: %s)", name, tag, installedTags(v.schemas))
		return
	}

	before := len(v.reasons)

	policy := v.checkRetryPolicy(name, entry["retry_policy"])
	typed := v.checkConfig(name, fields, entry["config"])

	informTo := targets[name]
	if len(informTo) == 0 {
		v.addf("Monitor '%s' is not targeted by any rule", name)
	}

	if len(v.reasons) != before {
		return
	}

	v.monitors = append(v.monitors, Monitor{
		Name:     name,
		Type:     tag,
		Config:   typed,
		Policy:   policy,
		InformTo: informTo,
	})
}

// checkRetryPolicy validates the retry_policy block: exactly max_retries
// (integer >= 0, or null for unlimited), retry_timeout (integer > 0), and
// backoff_strategy from the closed enum. Each fault is reported on its own.
func (v *validator) checkRetryPolicy(name string, raw any) RetryPolicy {
	var policy RetryPolicy

	if raw == nil {
		v.addf("Monitor '%s' must have a 'retry_policy' field", name)
		return policy
	}
	block, ok := raw.(map[string]any)
	if !ok {
		v.addf("Monitor '%s' -> retry_policy: must be a map", name)
		return policy
	}

	for key := range block {
		switch key {
		case "max_retries", "retry_timeout", "backoff_strategy":
		default:
			v.addf("Monitor '%s' -> retry_policy.%s: unexpected field", name, key)
		}
	}

	maxRaw, present := block["max_retries"]
	switch {
	case !present:
		v.addf("Monitor '%s' -> retry_policy.max_retries: required field missing", name)
	case maxRaw == nil:
		policy.MaxRetries = UnlimitedRetries
	default:
		n, ok := intValue(maxRaw)
		if !ok || n < 0 {
			v.addf("Monitor '%s' -> retry_policy.max_retries: must be a non-negative integer", name)
		} else {
			policy.MaxRetries = n
		}
	}

	if timeoutRaw, present := block["retry_timeout"]; !present {
		v.addf("Monitor '%s' -> retry_policy.retry_timeout: required field missing", name)
	} else if n, ok := intValue(timeoutRaw); !ok || n <= 0 {
		v.addf("Monitor '%s' -> retry_policy.retry_timeout: must be a positive integer", name)
	} else {
		policy.Timeout = time.Duration(n) * time.Millisecond
	}

	if stratRaw, present := block["backoff_strategy"]; !present {
		v.addf("Monitor '%s' -> retry_policy.backoff_strategy: required field missing", name)
	} else if s, ok := stratRaw.(string); !ok {
		v.addf("Monitor '%s' -> retry_policy.backoff_strategy: must be one of [fixed, linear, exponential]", name)
	} else if strategy, err := ParseBackoff(s); err != nil {
		v.addf("Monitor '%s' -> retry_policy.backoff_strategy: must be one of [fixed, linear, exponential]", name)
	} else {
		policy.Strategy = strategy
	}

	return policy
}

// checkConfig validates the protocol config block against the schema. When
// the block is absent or malformed, one "required field missing" reason per
// required schema field is synthesized in addition to the structural fault,
// so the operator sees the complete picture in one run.
func (v *validator) checkConfig(name string, fields []schema.Field, raw any) map[string]any {
	prefix := fmt.Sprintf("Monitor '%s' -> ", name)

	if raw == nil {
		v.addf("Monitor '%s' must have a 'config' field", name)
		for _, reason := range schema.MissingRequired(fields) {
			v.reasons = append(v.reasons, prefix+reason)
		}
		return nil
	}
	block, ok := raw.(map[string]any)
	if !ok {
		v.addf("Monitor '%s' -> config: must be a map", name)
		for _, reason := range schema.MissingRequired(fields) {
			v.reasons = append(v.reasons, prefix+reason)
		}
		return nil
	}

	typed, reasons := schema.Apply(fields, block)
	for _, reason := range reasons {
		v.reasons = append(v.reasons, prefix+reason)
	}
	if len(reasons) > 0 {
		return nil
	}
	return typed
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func installedTags(schemas map[string][]schema.Field) string {
	tags := make([]string, 0, len(schemas))
	for tag := range schemas {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	out := ""
	for i, tag := range tags {
		if i > 0 {
			out += ", "
		}
		out += tag
	}
	return out
}

// dedupe removes duplicate reasons, preserving first-occurrence order.
func dedupe(reasons []string) []string {
	seen := make(map[string]bool, len(reasons))
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
