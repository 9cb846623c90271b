package probe

import (
	"testing"

	"github.com/argos-watch/argos/pkg/schema"
)

func TestICMPSchema_Defaults(t *testing.T) {
	cfg, reasons := schema.Apply(icmpSchema(), map[string]any{
		"host":     "192.0.2.10",
		"interval": float64(1000),
	})
	if len(reasons) > 0 {
		t.Fatalf("reasons = %v, want none", reasons)
	}
	if cfg["count"] != 3 {
		t.Errorf("count default = %v, want 3", cfg["count"])
	}
	if cfg["privileged"] != false {
		t.Errorf("privileged default = %v, want false", cfg["privileged"])
	}
}

func TestICMPSchema_CountBounds(t *testing.T) {
	_, reasons := schema.Apply(icmpSchema(), map[string]any{
		"host":     "192.0.2.10",
		"interval": float64(1000),
		"count":    float64(11),
	})
	if len(reasons) != 1 {
		t.Errorf("reasons = %v, want count bound fault", reasons)
	}
}
