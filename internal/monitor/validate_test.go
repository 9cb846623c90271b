package monitor

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/argos-watch/argos/internal/probe"
)

// decodeDoc parses a JSON document the way the runtime does, so test values
// carry the same dynamic types (float64 numbers, []any lists) as production
// input.
func decodeDoc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("bad test document: %v", err)
	}
	return doc
}

func containsReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func TestValidateDocument_Valid(t *testing.T) {
	doc := decodeDoc(t, `{
		"monitors": {"single": [
			{
				"name": "api_check",
				"type": "http",
				"config": {"url": "https://example.com/health", "interval": 5000},
				"retry_policy": {"max_retries": 3, "retry_timeout": 1000, "backoff_strategy": "fixed"}
			}
		]},
		"rules": [
			{"name": "log_all", "monitor": "api_check"},
			{"name": "alerts", "monitor": ["api_check"]}
		]
	}`)

	monitors, reasons := ValidateDocument(doc, probe.Schemas())
	if len(reasons) != 0 {
		t.Fatalf("reasons = %v, want none", reasons)
	}
	if len(monitors) != 1 {
		t.Fatalf("monitors = %d, want 1", len(monitors))
	}

	m := monitors[0]
	if m.Name != "api_check" || m.Type != "http" {
		t.Errorf("record = %q/%q, want api_check/http", m.Name, m.Type)
	}
	if got := m.Config["url"]; got != "https://example.com/health" {
		t.Errorf("config.url = %v", got)
	}
	if got := m.Config["interval"]; got != 5000 {
		t.Errorf("config.interval = %v (%T), want int 5000", got, got)
	}
	// Schema defaults materialize in the typed config.
	if got := m.Config["method"]; got != "GET" {
		t.Errorf("config.method default = %v, want GET", got)
	}
	if m.Policy.MaxRetries != 3 || m.Policy.Strategy != BackoffFixed || m.Policy.Timeout != time.Second {
		t.Errorf("policy = %+v", m.Policy)
	}
	if len(m.InformTo) != 2 || m.InformTo[0] != "log_all" || m.InformTo[1] != "alerts" {
		t.Errorf("inform_to = %v, want [log_all alerts]", m.InformTo)
	}
}

func TestValidateDocument_EmptyDocumentIsValid(t *testing.T) {
	for _, raw := range []string{`{}`, `{"monitors": {}, "rules": []}`, `{"monitors": {"single": []}}`} {
		monitors, reasons := ValidateDocument(decodeDoc(t, raw), probe.Schemas())
		if len(reasons) != 0 {
			t.Errorf("%s: reasons = %v, want none", raw, reasons)
		}
		if len(monitors) != 0 {
			t.Errorf("%s: monitors = %v, want none", raw, monitors)
		}
	}
}

func TestValidateDocument_AggregatesAllFaults(t *testing.T) {
	doc := decodeDoc(t, `{
		"monitors": {"single": [
			{
				"name": "bad_http",
				"type": "http",
				"config": {"url": 123},
				"retry_policy": {"max_retries": 3, "retry_timeout": 1000, "backoff_strategy": "fixed"}
			},
			{
				"name": "ok_custom",
				"type": "http",
				"config": {"url": "https://example.com"},
				"retry_policy": {"max_retries": 0, "retry_timeout": 500, "backoff_strategy": "linear"}
			}
		]},
		"rules": [
			{"name": "watch_bad", "monitor": "bad_http"},
			{"name": "nameless"}
		]
	}`)

	monitors, reasons := ValidateDocument(doc, probe.Schemas())
	if monitors != nil {
		t.Fatalf("monitors = %v, want nil on invalid document", monitors)
	}

	want := []string{
		"Rule 'nameless' must have a 'monitor' field",
		"Monitor 'bad_http' -> config.url: must be a string",
		"Monitor 'ok_custom' is not targeted by any rule",
	}
	for _, w := range want {
		if !containsReason(reasons, w) {
			t.Errorf("missing reason %q in %v", w, reasons)
		}
	}
}

func TestValidateDocument_SyntheticUnknownName(t *testing.T) {
	doc := decodeDoc(t, `{
		"rules": [{"monitor": "x"}, {}]
	}`)

	_, reasons := ValidateDocument(doc, probe.Schemas())
	if !containsReason(reasons, "Rule 'UNKNOWN' must have a non-empty 'name' field") {
		t.Errorf("missing synthetic-name reason in %v", reasons)
	}
	if !containsReason(reasons, "Rule 'UNKNOWN' must have a 'monitor' field") {
		t.Errorf("missing missing-monitor reason in %v", reasons)
	}
}

func TestValidateDocument_DeduplicatesReasons(t *testing.T) {
	// Two identical anonymous rules produce the same reason once.
	doc := decodeDoc(t, `{
		"rules": [{"monitor": "x"}, {"monitor": "y"}]
	}`)

	_, reasons := ValidateDocument(doc, probe.Schemas())
	count := 0
	for _, r := range reasons {
		if r == "Rule 'UNKNOWN' must have a non-empty 'name' field" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicate reason appears %d times, want 1: %v", count, reasons)
	}
}

func TestValidateDocument_Idempotent(t *testing.T) {
	doc := decodeDoc(t, `{
		"monitors": {"single": [
			{"name": "m", "type": "http", "config": {"url": 9},
			 "retry_policy": {"retry_timeout": 0, "backoff_strategy": "warp"}}
		]},
		"rules": [{"name": "r", "monitor": "m"}]
	}`)

	_, first := ValidateDocument(doc, probe.Schemas())
	for i := 0; i < 3; i++ {
		_, again := ValidateDocument(doc, probe.Schemas())
		if len(again) != len(first) {
			t.Fatalf("run %d: %d reasons, first run had %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("run %d: reason[%d] = %q, first run %q", i, j, again[j], first[j])
			}
		}
	}
}

func TestValidateDocument_RetryPolicy(t *testing.T) {
	base := `{
		"monitors": {"single": [
			{"name": "m", "type": "http", "config": {"url": "https://example.com"},
			 "retry_policy": %s}
		]},
		"rules": [{"name": "r", "monitor": "m"}]
	}`

	tests := []struct {
		name   string
		policy string
		reason string
	}{
		{"timeout one is valid", `{"max_retries": 1, "retry_timeout": 1, "backoff_strategy": "fixed"}`, ""},
		{"timeout zero rejected", `{"max_retries": 1, "retry_timeout": 0, "backoff_strategy": "fixed"}`,
			"Monitor 'm' -> retry_policy.retry_timeout: must be a positive integer"},
		{"negative retries rejected", `{"max_retries": -1, "retry_timeout": 1000, "backoff_strategy": "fixed"}`,
			"Monitor 'm' -> retry_policy.max_retries: must be a non-negative integer"},
		{"fractional retries rejected", `{"max_retries": 1.5, "retry_timeout": 1000, "backoff_strategy": "fixed"}`,
			"Monitor 'm' -> retry_policy.max_retries: must be a non-negative integer"},
		{"unknown strategy rejected", `{"max_retries": 1, "retry_timeout": 1000, "backoff_strategy": "warp"}`,
			"Monitor 'm' -> retry_policy.backoff_strategy: must be one of [fixed, linear, exponential]"},
		{"missing fields reported", `{}`,
			"Monitor 'm' -> retry_policy.max_retries: required field missing"},
		{"unexpected field rejected", `{"max_retries": 1, "retry_timeout": 1000, "backoff_strategy": "fixed", "jitter": true}`,
			"Monitor 'm' -> retry_policy.jitter: unexpected field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := decodeDoc(t, strings.Replace(base, "%s", tt.policy, 1))
			monitors, reasons := ValidateDocument(doc, probe.Schemas())
			if tt.reason == "" {
				if len(reasons) != 0 {
					t.Fatalf("reasons = %v, want none", reasons)
				}
				if len(monitors) != 1 {
					t.Fatalf("monitors = %d, want 1", len(monitors))
				}
				return
			}
			if !containsReason(reasons, tt.reason) {
				t.Errorf("missing reason %q in %v", tt.reason, reasons)
			}
		})
	}
}

func TestValidateDocument_NullMaxRetriesMeansUnlimited(t *testing.T) {
	doc := decodeDoc(t, `{
		"monitors": {"single": [
			{"name": "m", "type": "http", "config": {"url": "https://example.com"},
			 "retry_policy": {"max_retries": null, "retry_timeout": 1000, "backoff_strategy": "exponential"}}
		]},
		"rules": [{"name": "r", "monitor": "m"}]
	}`)

	monitors, reasons := ValidateDocument(doc, probe.Schemas())
	if len(reasons) != 0 {
		t.Fatalf("reasons = %v, want none", reasons)
	}
	if monitors[0].Policy.MaxRetries != UnlimitedRetries {
		t.Errorf("MaxRetries = %d, want UnlimitedRetries", monitors[0].Policy.MaxRetries)
	}
}

func TestValidateDocument_UnknownProtocol(t *testing.T) {
	doc := decodeDoc(t, `{
		"monitors": {"single": [
			{"name": "m", "type": "gopher", "config": {},
			 "retry_policy": {"max_retries": 1, "retry_timeout": 1000, "backoff_strategy": "fixed"}}
		]},
		"rules": [{"name": "r", "monitor": "m"}]
	}`)

	_, reasons := ValidateDocument(doc, probe.Schemas())
	found := false
	for _, r := range reasons {
		if strings.HasPrefix(r, "Monitor 'm' -> type: unknown protocol 'gopher'") {
			found = true
			if !strings.Contains(r, "http") {
				t.Errorf("reason does not list installed protocols: %q", r)
			}
		}
	}
	if !found {
		t.Errorf("missing unknown-protocol reason in %v", reasons)
	}
}

func TestValidateDocument_DuplicateMonitorNames(t *testing.T) {
	doc := decodeDoc(t, `{
		"monitors": {"single": [
			{"name": "m", "type": "http", "config": {"url": "https://example.com"},
			 "retry_policy": {"max_retries": 1, "retry_timeout": 1000, "backoff_strategy": "fixed"}},
			{"name": "m", "type": "http", "config": {"url": "https://example.com"},
			 "retry_policy": {"max_retries": 1, "retry_timeout": 1000, "backoff_strategy": "fixed"}}
		]},
		"rules": [{"name": "r", "monitor": "m"}]
	}`)

	_, reasons := ValidateDocument(doc, probe.Schemas())
	if !containsReason(reasons, "Monitor 'm' is defined more than once") {
		t.Errorf("missing duplicate-name reason in %v", reasons)
	}
}

func TestValidateDocument_MissingConfigSynthesizesRequired(t *testing.T) {
	doc := decodeDoc(t, `{
		"monitors": {"single": [
			{"name": "m", "type": "http",
			 "retry_policy": {"max_retries": 1, "retry_timeout": 1000, "backoff_strategy": "fixed"}}
		]},
		"rules": [{"name": "r", "monitor": "m"}]
	}`)

	_, reasons := ValidateDocument(doc, probe.Schemas())
	if !containsReason(reasons, "Monitor 'm' must have a 'config' field") {
		t.Errorf("missing structural reason in %v", reasons)
	}
	if !containsReason(reasons, "Monitor 'm' -> config.url: required field missing") {
		t.Errorf("missing synthesized required-field reason in %v", reasons)
	}
}

func TestValidateDocument_IntervalBounds(t *testing.T) {
	base := `{
		"monitors": {"single": [
			{"name": "m", "type": "http", "config": {"url": "https://example.com", "interval": %s},
			 "retry_policy": {"max_retries": 1, "retry_timeout": 1000, "backoff_strategy": "fixed"}}
		]},
		"rules": [{"name": "r", "monitor": "m"}]
	}`

	if _, reasons := ValidateDocument(decodeDoc(t, strings.Replace(base, "%s", "100", 1)), probe.Schemas()); len(reasons) != 0 {
		t.Errorf("interval 100: reasons = %v, want none", reasons)
	}
	if _, reasons := ValidateDocument(decodeDoc(t, strings.Replace(base, "%s", "99", 1)), probe.Schemas()); !containsReason(reasons, "Monitor 'm' -> config.interval: must be >= 100") {
		t.Errorf("interval 99: reasons = %v", reasons)
	}
}
