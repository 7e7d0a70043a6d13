package routing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Drop reasons reported by Guard.
const (
	DropThrottled = "throttled"
	DropDuplicate = "duplicate"
)

// GuardOptions tune inbound filtering.
type GuardOptions struct {
	Rate        rate.Limit
	Burst       int
	DedupWindow time.Duration
	Now         func() time.Time
}

// DefaultGuardOptions allow bursts of 5 messages, 2 per second after that,
// and drop a delivery whose id was already seen in the last 5 minutes.
func DefaultGuardOptions() GuardOptions {
	return GuardOptions{Rate: 2, Burst: 5, DedupWindow: 5 * time.Minute}
}

type userState struct {
	limiter    *rate.Limiter
	deliveries map[string]time.Time
	seen       time.Time
}

// Guard filters inbound messages per user before they reach the engine.
type Guard struct {
	mu        sync.Mutex
	opts      GuardOptions
	users     map[string]*userState
	lastPrune time.Time
}

const guardIdle = 10 * time.Minute

// NewGuard creates a guard.
func NewGuard(opts GuardOptions) *Guard {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{opts: opts, users: make(map[string]*userState)}
}

// Check reports whether a message from user may pass, and if not, why.
// deliveryID identifies the update or button press as sent by the
// channel; a redelivery carries the same id. Messages without one are
// never treated as duplicates.
func (g *Guard) Check(user, deliveryID string) (ok bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.opts.Now()
	g.prune(now)

	st, found := g.users[user]
	if !found {
		st = &userState{limiter: rate.NewLimiter(g.opts.Rate, g.opts.Burst), deliveries: make(map[string]time.Time)}
		g.users[user] = st
	}
	st.seen = now

	dedup := deliveryID != "" && g.opts.DedupWindow > 0
	if dedup {
		for id, at := range st.deliveries {
			if now.Sub(at) >= g.opts.DedupWindow {
				delete(st.deliveries, id)
			}
		}
		if _, dup := st.deliveries[deliveryID]; dup {
			return false, DropDuplicate
		}
	}
	if !st.limiter.AllowN(now, 1) {
		return false, DropThrottled
	}
	if dedup {
		st.deliveries[deliveryID] = now
	}
	return true, ""
}

// prune forgets users idle for a while. The caller holds mu.
func (g *Guard) prune(now time.Time) {
	if now.Sub(g.lastPrune) < time.Minute {
		return
	}
	g.lastPrune = now
	for user, st := range g.users {
		if now.Sub(st.seen) > max(guardIdle, g.opts.DedupWindow) {
			delete(g.users, user)
		}
	}
}

// Len returns the number of tracked users.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}
