package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"net"
	"net/http"
	"sync"
	"time"
)

// Decision is the outcome of one rate-limit check, carrying what the
// middleware needs for the 429 headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Window     time.Duration
	RetryAfter time.Duration
}

// SlidingWindowLimiter counts requests per client over a sliding
// window. Client entries are striped to keep contention local, and a
// background sweeper drops idle windows.
type SlidingWindowLimiter struct {
	limit      int
	windowSize time.Duration
	stripes    [limiterStripes]limiterStripe
	stop       chan struct{}
	stopOnce   sync.Once
}

const limiterStripes = 32

type limiterStripe struct {
	mu      sync.Mutex
	windows map[string]*requestWindow
}

type requestWindow struct {
	requests []time.Time
}

// NewSlidingWindowLimiter builds a limiter allowing limit requests per
// window and starts its sweeper.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		limit:      limit,
		windowSize: window,
		stop:       make(chan struct{}),
	}
	for i := range l.stripes {
		l.stripes[i].windows = make(map[string]*requestWindow)
	}
	go l.sweep()
	return l
}

// Allow records one request for the client key and decides it.
func (l *SlidingWindowLimiter) Allow(key string) Decision {
	now := time.Now()
	cutoff := now.Add(-l.windowSize)

	stripe := &l.stripes[stripeOf(key)]
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	w, ok := stripe.windows[key]
	if !ok {
		w = &requestWindow{}
		stripe.windows[key] = w
	}

	valid := w.requests[:0]
	for _, t := range w.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	w.requests = valid

	d := Decision{Limit: l.limit, Window: l.windowSize}
	if len(w.requests) >= l.limit {
		oldest := w.requests[0]
		d.RetryAfter = l.windowSize - now.Sub(oldest)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		return d
	}
	w.requests = append(w.requests, now)
	d.Allowed = true
	d.Remaining = l.limit - len(w.requests)
	return d
}

// Reset forgets a client's window.
func (l *SlidingWindowLimiter) Reset(key string) {
	stripe := &l.stripes[stripeOf(key)]
	stripe.mu.Lock()
	delete(stripe.windows, key)
	stripe.mu.Unlock()
}

// Close stops the sweeper.
func (l *SlidingWindowLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *SlidingWindowLimiter) sweep() {
	ticker := time.NewTicker(l.windowSize)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.windowSize)
			for i := range l.stripes {
				stripe := &l.stripes[i]
				stripe.mu.Lock()
				for key, w := range stripe.windows {
					if len(w.requests) == 0 || !w.requests[len(w.requests)-1].After(cutoff) {
						delete(stripe.windows, key)
					}
				}
				stripe.mu.Unlock()
			}
		}
	}
}

func stripeOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % limiterStripes)
}

// ClientKey derives the rate-limit identity for a request: user id
// when authenticated, api-key id for key auth, otherwise a hash of the
// caller's address and user agent.
func ClientKey(r *http.Request, userID, apiKeyID string) string {
	if userID != "" {
		return "user:" + userID
	}
	if apiKeyID != "" {
		return "key:" + apiKeyID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	sum := sha256.Sum256([]byte(host + "|" + r.UserAgent()))
	return "anon:" + hex.EncodeToString(sum[:8])
}
