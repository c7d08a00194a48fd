package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDenied(t *testing.T) {
	l := NewLimiter(Limit{RequestsPerHour: 1, Burst: 3}, nil)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("u1", "free"), "request %d", i)
	}
	assert.False(t, l.Allow("u1", "free"))
	assert.True(t, l.Allow("u2", "free"), "buckets are per user")
}

func TestPlanLimits(t *testing.T) {
	l := NewLimiter(Limit{RequestsPerHour: 1, Burst: 1}, map[string]Limit{
		"pro": {RequestsPerHour: 1, Burst: 5},
	})

	assert.Equal(t, 5, l.LimitFor("pro").Burst)
	assert.Equal(t, 1, l.LimitFor("unknown").Burst)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("u1", "pro"))
	}
	assert.False(t, l.Allow("u1", "pro"))
}

func TestPlanChangeResetsBucket(t *testing.T) {
	l := NewLimiter(Limit{RequestsPerHour: 1, Burst: 1}, map[string]Limit{
		"pro": {RequestsPerHour: 1, Burst: 2},
	})

	assert.True(t, l.Allow("u1", "free"))
	assert.False(t, l.Allow("u1", "free"))
	assert.True(t, l.Allow("u1", "pro"))
}

func TestZeroRateIsUnlimited(t *testing.T) {
	l := NewLimiter(Limit{}, nil)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("u1", "free"))
	}
}
