package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/argos-watch/argos/internal/dispatch"
	"github.com/argos-watch/argos/pkg/envelope"
)

func newTestRecorder(t *testing.T) (*Recorder, *dispatch.Registry) {
	t.Helper()
	rec, err := New(filepath.Join(t.TempDir(), "history.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec, dispatch.NewRegistry(zap.NewNop())
}

func waitForCount(t *testing.T, rec *Recorder, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		n, err := rec.Count(context.Background())
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Count = %d, want %d", n, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRecorder_PersistsDispatchedEnvelopes(t *testing.T) {
	rec, registry := newTestRecorder(t)
	rec.Subscribe(registry, "audit")

	env := envelope.Success("api_check", map[string]any{"status_code": 200}, time.Time{})
	registry.Dispatch("audit", envelope.Message{Tag: envelope.TagData, Envelope: env})
	waitForCount(t, rec, 1)

	records, err := rec.Recent(context.Background(), "api_check", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	r := records[0]
	if r.MonitorID != "api_check" || r.Rule != "audit" {
		t.Errorf("record = %s/%s, want api_check/audit", r.MonitorID, r.Rule)
	}
	if r.Tag != envelope.TagData || r.Status != envelope.StatusOK {
		t.Errorf("tag/status = %s/%s", r.Tag, r.Status)
	}
	if r.ID == "" {
		t.Error("record id is empty")
	}
	if got := r.Payload.Data["status_code"]; got != float64(200) {
		t.Errorf("payload status_code = %v (%T), want 200", got, got)
	}
}

func TestRecorder_RecordsErrorType(t *testing.T) {
	rec, registry := newTestRecorder(t)
	rec.Subscribe(registry, "audit")

	env := envelope.Failure("flaky", envelope.ErrTimeout, "deadline exceeded", nil, time.Time{})
	registry.Dispatch("audit", envelope.Message{Tag: envelope.TagError, Envelope: env})
	waitForCount(t, rec, 1)

	records, err := rec.Recent(context.Background(), "flaky", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if records[0].ErrorType != envelope.ErrTimeout {
		t.Errorf("error_type = %s, want %s", records[0].ErrorType, envelope.ErrTimeout)
	}
	if records[0].Payload.Error == nil || records[0].Payload.Error.Message != "deadline exceeded" {
		t.Errorf("payload error = %+v", records[0].Payload.Error)
	}
}

func TestRecorder_MultipleRules(t *testing.T) {
	rec, registry := newTestRecorder(t)
	rec.Subscribe(registry, "ra", "rb")

	env := envelope.Success("m", map[string]any{"seq": 1}, time.Time{})
	registry.Dispatch("ra", envelope.Message{Tag: envelope.TagData, Envelope: env})
	registry.Dispatch("rb", envelope.Message{Tag: envelope.TagData, Envelope: env})
	waitForCount(t, rec, 2)

	records, err := rec.Recent(context.Background(), "m", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	rules := map[string]bool{}
	for _, r := range records {
		rules[r.Rule] = true
	}
	if !rules["ra"] || !rules["rb"] {
		t.Errorf("rules seen = %v, want both ra and rb", rules)
	}
}

func TestRecorder_RecentLimitsAndOrders(t *testing.T) {
	rec, registry := newTestRecorder(t)
	rec.Subscribe(registry, "audit")

	for i := 0; i < 5; i++ {
		env := envelope.Success("m", map[string]any{"seq": i}, time.Time{})
		env.Timestamp = time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		registry.Dispatch("audit", envelope.Message{Tag: envelope.TagData, Envelope: env})
	}
	waitForCount(t, rec, 5)

	records, err := rec.Recent(context.Background(), "m", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].CreatedAt.After(records[i-1].CreatedAt) {
			t.Errorf("records not newest-first: %v before %v", records[i-1].CreatedAt, records[i].CreatedAt)
		}
	}
}

func TestRecorder_UnknownMonitorEmpty(t *testing.T) {
	rec, _ := newTestRecorder(t)

	records, err := rec.Recent(context.Background(), "nobody", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

func TestRecorder_CloseIsIdempotent(t *testing.T) {
	rec, registry := newTestRecorder(t)
	rec.Subscribe(registry, "audit")

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
