package ratelimit

import (
	"testing"
	"time"
)

func TestIntervalLimiterEnforcesMinimum(t *testing.T) {
	limiter := NewIntervalLimiter(5 * time.Minute)
	current := time.Date(2025, 1, 20, 10, 30, 0, 0, time.UTC)
	limiter.SetClock(func() time.Time { return current })

	if !limiter.Allow("rss") {
		t.Fatal("first run should be allowed")
	}
	if limiter.Allow("rss") {
		t.Error("immediate re-run should be denied")
	}

	current = current.Add(4 * time.Minute)
	if limiter.Allow("rss") {
		t.Error("run before interval elapsed should be denied")
	}

	current = current.Add(2 * time.Minute)
	if !limiter.Allow("rss") {
		t.Error("run after interval elapsed should be allowed")
	}
}

func TestIntervalLimiterIndependentNames(t *testing.T) {
	limiter := NewIntervalLimiter(time.Hour)
	if !limiter.Allow("kyutai") {
		t.Fatal("first kyutai run should be allowed")
	}
	if !limiter.Allow("mistral") {
		t.Error("scrapers must be limited independently")
	}
}

func TestIntervalLimiterPerCallInterval(t *testing.T) {
	limiter := NewIntervalLimiter(time.Hour)
	current := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)
	limiter.SetClock(func() time.Time { return current })

	if !limiter.AllowInterval("credit", 12*time.Hour) {
		t.Fatal("first run should be allowed")
	}
	current = current.Add(2 * time.Hour)
	if limiter.AllowInterval("credit", 12*time.Hour) {
		t.Error("12h bound should deny after 2h")
	}
	current = current.Add(11 * time.Hour)
	if !limiter.AllowInterval("credit", 12*time.Hour) {
		t.Error("12h bound should allow after 13h")
	}
}

func TestIntervalLimiterReset(t *testing.T) {
	limiter := NewIntervalLimiter(time.Hour)
	limiter.Allow("news")
	limiter.Reset("news")
	if !limiter.Allow("news") {
		t.Error("reset should force the next run to be allowed")
	}
}
