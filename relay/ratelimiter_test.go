package relay

import "testing"

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(2)
	if !rl.Allow() {
		t.Fatal("expected first send to be allowed")
	}
	if !rl.Allow() {
		t.Fatal("expected second send to be allowed (burst capacity = 2)")
	}
	if rl.Allow() {
		t.Fatal("expected third send to be rate limited")
	}
}

func TestRateLimiterZeroPerMinuteStillAllowsOne(t *testing.T) {
	rl := NewRateLimiter(0)
	if !rl.Allow() {
		t.Fatal("expected a non-positive perMinute to fall back to allowing at least one send")
	}
}
