package middleware

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestCleanupDropsIdleLimiters(t *testing.T) {
	rl := NewRateLimiter()
	rl.GetLimiterWithConfig("/api/v1/attributions|10.0.0.1", rate.Every(time.Second), 5)
	rl.GetLimiterWithConfig("/api/v1/attributions|10.0.0.2", rate.Every(time.Second), 5)

	rl.mutex.Lock()
	rl.lastSeen["/api/v1/attributions|10.0.0.2"] = time.Now().Add(-2 * time.Hour)
	rl.mutex.Unlock()

	rl.Cleanup()

	rl.mutex.RLock()
	defer rl.mutex.RUnlock()
	if _, ok := rl.limiters["/api/v1/attributions|10.0.0.2"]; ok {
		t.Fatal("expected the idle limiter to be removed")
	}
	if _, ok := rl.limiters["/api/v1/attributions|10.0.0.1"]; !ok {
		t.Fatal("expected the active limiter to survive")
	}
}
