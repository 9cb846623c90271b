package monitor

import (
	"testing"
	"time"

	"github.com/argos-watch/argos/internal/probe"
)

func TestDecide_ExponentialDelays(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries: 10,
		Strategy:   BackoffExponential,
		Timeout:    500 * time.Millisecond,
	}
	// Attempts 1..4 (retry_count 0..3) double from the base.
	want := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
	}
	for count, wantDelay := range want {
		action := Decide(count, policy)
		if action.Command != probe.CommandRetry {
			t.Fatalf("Decide(%d) = %v, want retry", count, action.Command)
		}
		if action.Delay != wantDelay {
			t.Errorf("Decide(%d).Delay = %v, want %v", count, action.Delay, wantDelay)
		}
	}
}

func TestDecide_FixedDelays(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, Strategy: BackoffFixed, Timeout: time.Second}
	for count := 0; count < 5; count++ {
		if got := Decide(count, policy).Delay; got != time.Second {
			t.Errorf("Decide(%d).Delay = %v, want 1s", count, got)
		}
	}
}

func TestDecide_LinearDelays(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, Strategy: BackoffLinear, Timeout: 300 * time.Millisecond}
	for count := 0; count < 4; count++ {
		want := time.Duration(count+1) * 300 * time.Millisecond
		if got := Decide(count, policy).Delay; got != want {
			t.Errorf("Decide(%d).Delay = %v, want %v", count, got, want)
		}
	}
}

func TestDecide_ShutdownAtMaxRetries(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, Strategy: BackoffFixed, Timeout: time.Second}

	if got := Decide(2, policy); got.Command != probe.CommandRetry {
		t.Errorf("Decide(2) = %v, want retry", got.Command)
	}
	if got := Decide(3, policy); got.Command != probe.CommandShutdown {
		t.Errorf("Decide(3) = %v, want shutdown", got.Command)
	}
	if got := Decide(4, policy); got.Command != probe.CommandShutdown {
		t.Errorf("Decide(4) = %v, want shutdown", got.Command)
	}
}

func TestDecide_ZeroMaxRetriesShutsDownImmediately(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 0, Strategy: BackoffLinear, Timeout: time.Second}
	if got := Decide(0, policy); got.Command != probe.CommandShutdown {
		t.Errorf("Decide(0) = %v, want shutdown on first failure", got.Command)
	}
}

func TestDecide_UnlimitedRetriesNeverShutsDown(t *testing.T) {
	policy := RetryPolicy{MaxRetries: UnlimitedRetries, Strategy: BackoffFixed, Timeout: time.Second}
	for _, count := range []int{0, 1, 100, 100000} {
		if got := Decide(count, policy); got.Command != probe.CommandRetry {
			t.Errorf("Decide(%d) = %v, want retry", count, got.Command)
		}
	}
}

func TestDecide_ExponentialDelayCapped(t *testing.T) {
	policy := RetryPolicy{MaxRetries: UnlimitedRetries, Strategy: BackoffExponential, Timeout: time.Second}
	a := Decide(20, policy)
	b := Decide(50, policy)
	if a.Delay != b.Delay {
		t.Errorf("capped delays differ: %v vs %v", a.Delay, b.Delay)
	}
	if a.Delay <= 0 {
		t.Errorf("capped delay = %v, want positive", a.Delay)
	}
}

func TestDecide_IsPure(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 4, Strategy: BackoffExponential, Timeout: 250 * time.Millisecond}
	first := Decide(2, policy)
	for i := 0; i < 10; i++ {
		if got := Decide(2, policy); got != first {
			t.Fatalf("Decide not deterministic: %v vs %v", got, first)
		}
	}
}

func TestParseBackoff(t *testing.T) {
	for _, s := range []string{"fixed", "linear", "exponential"} {
		got, err := ParseBackoff(s)
		if err != nil || string(got) != s {
			t.Errorf("ParseBackoff(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseBackoff("fibonacci"); err == nil {
		t.Error("ParseBackoff(fibonacci) = nil error, want error")
	}
}
