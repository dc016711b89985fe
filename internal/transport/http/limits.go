package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedSenders bounds the limiter map; idle entries are swept past it.
const (
	maxTrackedSenders = 10000
	senderIdleTTL     = 10 * time.Minute
)

type senderLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// senderLimits keeps one token bucket per sender. A zero rate disables it.
type senderLimits struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	senders map[string]*senderLimiter
	now     func() time.Time
}

func newSenderLimits(perMinute int) *senderLimits {
	sl := &senderLimits{senders: make(map[string]*senderLimiter), now: time.Now}
	if perMinute > 0 {
		sl.limit = rate.Every(time.Minute / time.Duration(perMinute))
		sl.burst = perMinute
	}
	return sl
}

// Allow reports whether sender may submit another verification now.
func (sl *senderLimits) Allow(sender string) bool {
	if sl.limit == 0 {
		return true
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	entry, ok := sl.senders[sender]
	if !ok {
		if len(sl.senders) >= maxTrackedSenders {
			sl.sweep(now)
		}
		entry = &senderLimiter{limiter: rate.NewLimiter(sl.limit, sl.burst)}
		sl.senders[sender] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (sl *senderLimits) sweep(now time.Time) {
	for k, v := range sl.senders {
		if now.Sub(v.lastSeen) > senderIdleTTL {
			delete(sl.senders, k)
		}
	}
}
