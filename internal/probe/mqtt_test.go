package probe

import (
	"errors"
	"testing"

	"github.com/argos-watch/argos/pkg/envelope"
	"github.com/argos-watch/argos/pkg/schema"
	"go.uber.org/zap"
)

func TestMQTTSchema_DefaultsAndBounds(t *testing.T) {
	cfg, reasons := schema.Apply(mqttSchema(), map[string]any{
		"broker_url": "tcp://broker.test:1883",
		"topic":      "sensors/#",
	})
	if len(reasons) > 0 {
		t.Fatalf("reasons = %v, want none", reasons)
	}
	if cfg["qos"] != 0 {
		t.Errorf("qos default = %v, want 0", cfg["qos"])
	}
	if cfg["connect_timeout"] != 5000 {
		t.Errorf("connect_timeout default = %v, want 5000", cfg["connect_timeout"])
	}
	if cfg["community"] != nil {
		t.Error("foreign field leaked into typed config")
	}

	_, reasons = schema.Apply(mqttSchema(), map[string]any{
		"broker_url": "http://not-a-broker",
		"topic":      "t",
		"qos":        float64(3),
	})
	if len(reasons) != 2 {
		t.Errorf("reasons = %v, want url-pattern and qos-bound faults", reasons)
	}
}

func TestNewMQTTWorker_BuildsFromTypedConfig(t *testing.T) {
	cfg, reasons := schema.Apply(mqttSchema(), map[string]any{
		"broker_url": "tcp://broker.test:1883",
		"topic":      "sensors/#",
	})
	if len(reasons) > 0 {
		t.Fatalf("reasons = %v", reasons)
	}
	sink := make(chan envelope.Envelope, 1)
	w, err := New("mqtt", "m1", cfg, sink, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w == nil {
		t.Fatal("worker is nil")
	}
	// Not started: no broker in unit tests. Construction alone must not dial.
}

func TestClassifyMQTTError(t *testing.T) {
	cases := []struct {
		err  error
		want envelope.ErrorType
	}{
		{errors.New("network Error : bad user name or password"), envelope.ErrAuthentication},
		{errors.New("connect: not authorized"), envelope.ErrAuthentication},
		{errors.New("connect timeout"), envelope.ErrTimeout},
		{errors.New("dial tcp: connection refused"), envelope.ErrNetwork},
	}
	for _, tc := range cases {
		if got := classifyMQTTError(tc.err); got != tc.want {
			t.Errorf("classifyMQTTError(%q) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
