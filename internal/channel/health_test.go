package channel

import (
	"testing"
	"time"
)

func TestStatsEmptyIsOptimistic(t *testing.T) {
	tr := NewHealthTracker()
	rate, latency, samples := tr.Stats(1)
	if rate != 1 || latency != 0 || samples != 0 {
		t.Fatalf("expected optimistic empty stats, got rate=%v latency=%v samples=%d", rate, latency, samples)
	}
}

func TestStatsRollingWindow(t *testing.T) {
	tr := NewHealthTracker()
	tr.ReportSuccess(1, 100*time.Millisecond)
	tr.ReportSuccess(1, 300*time.Millisecond)
	tr.ReportFailure(1, 200*time.Millisecond)

	rate, latency, samples := tr.Stats(1)
	if samples != 3 {
		t.Fatalf("expected 3 samples, got %d", samples)
	}
	if want := 2.0 / 3.0; rate != want {
		t.Fatalf("expected success rate %v, got %v", want, rate)
	}
	if latency != 200 {
		t.Fatalf("expected avg latency 200ms, got %v", latency)
	}
}

func TestStatsWindowEviction(t *testing.T) {
	tr := NewHealthTracker()
	for i := 0; i < healthWindow; i++ {
		tr.ReportFailure(1, 10*time.Millisecond)
	}
	for i := 0; i < healthWindow; i++ {
		tr.ReportSuccess(1, 10*time.Millisecond)
	}
	rate, _, samples := tr.Stats(1)
	if samples != healthWindow {
		t.Fatalf("window should cap at %d samples, got %d", healthWindow, samples)
	}
	if rate != 1 {
		t.Fatalf("old failures should have been evicted, rate=%v", rate)
	}
}

func TestScoreOptimisticUnderMinSamples(t *testing.T) {
	tr := NewHealthTracker()
	tr.ReportSuccess(1, 5*time.Second)
	tr.ReportSuccess(1, 5*time.Second)

	if score := tr.Score(1, time.Now()); score != 1 {
		t.Fatalf("expected optimistic score below %d samples, got %v", minHealthSamples, score)
	}
}

func TestScoreLatencyPenalty(t *testing.T) {
	tr := NewHealthTracker()
	for i := 0; i < minHealthSamples; i++ {
		tr.ReportSuccess(1, time.Second)
		tr.ReportSuccess(2, 10*time.Millisecond)
	}
	now := time.Now()
	slow, fast := tr.Score(1, now), tr.Score(2, now)
	if slow >= fast {
		t.Fatalf("slower channel should score lower: slow=%v fast=%v", slow, fast)
	}
}

func TestScoreCooldownDecay(t *testing.T) {
	tr := NewHealthTracker()
	for i := 0; i < minHealthSamples; i++ {
		tr.ReportSuccess(1, 10*time.Millisecond)
	}
	tr.ReportFailure(1, 10*time.Millisecond)

	until := tr.CooldownUntil(1)
	if until.IsZero() {
		t.Fatal("failure should start a cooldown")
	}

	start := until.Add(-failureCooldown)
	early := tr.Score(1, start)
	mid := tr.Score(1, start.Add(failureCooldown/2))
	after := tr.Score(1, until.Add(time.Millisecond))

	if early <= 0 {
		t.Fatalf("cooled-down score must keep a floor above zero, got %v", early)
	}
	if !(early < mid && mid < after) {
		t.Fatalf("score should recover monotonically: early=%v mid=%v after=%v", early, mid, after)
	}
}

func TestSuccessClearsCooldown(t *testing.T) {
	tr := NewHealthTracker()
	tr.ReportFailure(1, time.Millisecond)
	if tr.CooldownUntil(1).IsZero() {
		t.Fatal("expected active cooldown after failure")
	}
	tr.ReportSuccess(1, time.Millisecond)
	if !tr.CooldownUntil(1).IsZero() {
		t.Fatal("success should clear the cooldown")
	}
}
