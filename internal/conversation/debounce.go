package conversation

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// debouncer drops a repeat of the same action from the same user arriving
// within the window. Each (user, action) pair gets a limiter with a burst
// of one that refills once per window.
type debouncer struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*debounceEntry
	lastGC   time.Time
}

type debounceEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newDebouncer(window time.Duration, now func() time.Time) *debouncer {
	return &debouncer{window: window, now: now, limiters: make(map[string]*debounceEntry)}
}

// allow reports whether the action should be processed.
func (d *debouncer) allow(userID, action string) bool {
	if d == nil || d.window <= 0 {
		return true
	}
	now := d.now()
	key := userID + "\x00" + action

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastGC) > 10*d.window {
		for k, e := range d.limiters {
			if now.Sub(e.seen) > d.window {
				delete(d.limiters, k)
			}
		}
		d.lastGC = now
	}

	e, ok := d.limiters[key]
	if !ok {
		e = &debounceEntry{lim: rate.NewLimiter(rate.Every(d.window), 1)}
		d.limiters[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
