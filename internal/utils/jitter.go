package utils

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// GaussianJitter returns a sample from N(mean, stdDev) using the Box-Muller
// transform. stdDev <= 0 returns mean unchanged.
func GaussianJitter(mean, stdDev float64) float64 {
	if stdDev <= 0 {
		return mean
	}
	u1 := rand.Float64()
	u2 := rand.Float64()
	for u1 == 0 {
		u1 = rand.Float64()
	}
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mean + z*stdDev
}

// JitteredDelayMs returns max(0, baseMs + N(0, baseMs*spread/4)) in
// milliseconds. spread is the fraction of the base used as the ±2σ band.
func JitteredDelayMs(baseMs int64, spread float64) int64 {
	jittered := GaussianJitter(float64(baseMs), float64(baseMs)*spread/4)
	if jittered < 0 {
		return 0
	}
	return int64(jittered)
}

// RandomBetweenMs returns a uniform random duration in [minMs, maxMs).
func RandomBetweenMs(minMs, maxMs int64) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + rand.Int63n(maxMs-minMs)
	return time.Duration(ms) * time.Millisecond
}

// SleepWithContext sleeps for d or until ctx is done, whichever comes first.
// Returns ctx.Err() when interrupted.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// networkErrorMarkers are the substrings that identify a transient network
// failure in an error message.
var networkErrorMarkers = []string{
	"fetch failed",
	"network error",
	"econnreset",
	"etimedout",
	"socket hang up",
	"timeout",
}

// IsNetworkError reports whether err looks like a transient network failure.
// Matching is a case-insensitive substring check; a nil error or an empty
// message is not a network error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if msg == "" {
		return false
	}
	for _, marker := range networkErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
