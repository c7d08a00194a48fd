package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit is a token bucket expressed per hour.
type Limit struct {
	RequestsPerHour int
	Burst           int
}

func (l Limit) rate() rate.Limit {
	if l.RequestsPerHour <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(l.RequestsPerHour) / 3600.0)
}

type entry struct {
	plan    string
	limiter *rate.Limiter
}

// Limiter manages one token bucket per user, sized by the user's plan
type Limiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	def      Limit
	plans    map[string]Limit
}

// NewLimiter creates a limiter using def for plans without their own limit
func NewLimiter(def Limit, plans map[string]Limit) *Limiter {
	if plans == nil {
		plans = map[string]Limit{}
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		def:      def,
		plans:    plans,
	}
}

// LimitFor returns the limit applied to plan
func (l *Limiter) LimitFor(plan string) Limit {
	if lim, ok := l.plans[plan]; ok {
		return lim
	}
	return l.def
}

// GetLimiter returns the bucket for a user. A plan change starts a fresh
// bucket.
func (l *Limiter) GetLimiter(userID, plan string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.limiters[userID]
	if !exists || e.plan != plan {
		lim := l.LimitFor(plan)
		e = &entry{plan: plan, limiter: rate.NewLimiter(lim.rate(), lim.Burst)}
		l.limiters[userID] = e
	}

	return e.limiter
}

// Allow checks if a request is allowed for the user
func (l *Limiter) Allow(userID, plan string) bool {
	return l.GetLimiter(userID, plan).Allow()
}

// Tokens returns the current number of available tokens for a user
func (l *Limiter) Tokens(userID, plan string) float64 {
	return l.GetLimiter(userID, plan).Tokens()
}
