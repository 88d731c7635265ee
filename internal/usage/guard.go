// Package usage admits or denies generations per identity.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/capitalize-ai/resumable-chat/pkg/metrics"
)

// Tier is the account class of an identity.
type Tier string

const (
	TierGuest   Tier = "guest"
	TierRegular Tier = "regular"
)

// ParseTier maps a token claim to a Tier. Unknown values are guests.
func ParseTier(s string) Tier {
	if Tier(s) == TierRegular {
		return TierRegular
	}
	return TierGuest
}

// Entitlements reports whether a tier may use a model.
type Entitlements interface {
	Entitled(model string, tier Tier) bool
}

// Config sets the daily generation quota of each tier. A quota of zero or
// less means unlimited.
type Config struct {
	GuestPerDay   int
	RegularPerDay int
	// IdleTTL is how long an unused identity's limiter is kept.
	IdleTTL time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

type entry struct {
	tier     Tier
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Guard holds a token bucket per identity. A bucket holds a full day's quota
// and refills continuously over 24 hours.
type Guard struct {
	cfg          Config
	entitlements Entitlements
	now          func() time.Time

	mu       sync.Mutex
	limiters map[string]*entry
}

// NewGuard creates a guard. entitlements may be nil, in which case every tier
// may use every model.
func NewGuard(cfg Config, entitlements Entitlements) *Guard {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 48 * time.Hour
	}
	return &Guard{
		cfg:          cfg,
		entitlements: entitlements,
		now:          time.Now,
		limiters:     make(map[string]*entry),
	}
}

func (g *Guard) quota(tier Tier) int {
	if tier == TierRegular {
		return g.cfg.RegularPerDay
	}
	return g.cfg.GuestPerDay
}

func (g *Guard) newLimiter(tier Tier) *rate.Limiter {
	n := g.quota(tier)
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/(24*time.Hour).Seconds()), n)
}

// CheckAndReserve admits one generation of model for identity and consumes
// one unit of its quota. A denial consumes nothing.
func (g *Guard) CheckAndReserve(identity string, tier Tier, model string) Decision {
	d := g.check(identity, tier, model)
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	metrics.QuotaDecisionsTotal.WithLabelValues(string(tier), result).Inc()
	return d
}

func (g *Guard) check(identity string, tier Tier, model string) Decision {
	if g.entitlements != nil && !g.entitlements.Entitled(model, tier) {
		return Decision{Reason: fmt.Sprintf("model %s is not available to %s accounts", model, tier)}
	}

	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.limiters[identity]
	if !ok || e.tier != tier {
		e = &entry{tier: tier, limiter: g.newLimiter(tier)}
		g.limiters[identity] = e
	}
	e.lastUsed = now

	if !e.limiter.AllowN(now, 1) {
		return Decision{Reason: fmt.Sprintf("daily limit of %d messages reached", g.quota(tier))}
	}
	return Decision{Allowed: true}
}

// Run drops limiters of identities idle for longer than IdleTTL until ctx is
// done.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cleanup()
		}
	}
}

func (g *Guard) cleanup() int {
	cutoff := g.now().Add(-g.cfg.IdleTTL)

	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for id, e := range g.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(g.limiters, id)
			n++
		}
	}
	return n
}
