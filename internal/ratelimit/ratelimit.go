// Package ratelimit is middleware for per-client rate limiting
//
// # Simple in-memory implementation, not shared between instances or distributed
//
// Each client identity gets a fixed window: the first request opens a window
// of the configured length, up to max requests are admitted inside it, and
// the next request after the window has elapsed opens a fresh one.
//
// What this does protect against:
//   - single ip flooding app (connection/goroutine exhaustion)
//   - gives observability into who is being limited and how often
//   - single log entry per offender per window to prevent log spam, metrics for counting total denied requests
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/getbananas/getbananas-web/internal/httpmw"
)

// ErrInvalidConfig is returned by New for limits that cannot admit traffic sanely.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

const shardCount = 64

// bucket is one client's window. count saturates at max+1 so a client
// hammering us cannot overflow it.
type bucket struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
	// denialLogged is set on the first rejection in a window so the
	// first-denial hook fires once per window
	denialLogged bool
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the client's window resets, whole seconds, at least 1s
	RetryAfter time.Duration
	// FirstDenial is set on the first rejection of the client's current window
	FirstDenial bool
	// AtCapacity is set when a new client was turned away because the table is full
	AtCapacity bool
}

// RetryAfterSeconds is the Retry-After header value for a rejection.
func (d Decision) RetryAfterSeconds() int { return int(d.RetryAfter / time.Second) }

// Limiter holds per-client windows spread over independently locked shards.
type Limiter struct {
	max        int
	window     time.Duration
	grace      time.Duration
	maxClients int
	now        func() time.Time

	shards [shardCount]shard
	size   atomic.Int64
	full   atomic.Bool

	// OnFirstDenied is called once per client per window, ip is the raw
	// identity string (no port)
	OnFirstDenied func(ip string)

	// OnDenied is called on every rejected request, used for incrementing prometheus counter
	OnDenied func(ip string)

	// OnCapacity is called when the table fills up, once per transition into the full state
	OnCapacity func()
}

type Option func(*Limiter)

// WithLimit admits max requests per client per window.
func WithLimit(max int, window time.Duration) Option {
	return func(l *Limiter) {
		l.max = max
		l.window = window
	}
}

// WithGrace controls how long an idle client stays in the table. Zero means 3x window.
func WithGrace(d time.Duration) Option {
	return func(l *Limiter) {
		l.grace = d
	}
}

// WithMaxClients caps the number of tracked clients, 0 disables the cap.
// New clients beyond the cap are rejected until eviction frees room.
func WithMaxClients(n int) Option {
	return func(l *Limiter) {
		l.maxClients = n
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithOnFirstDenied sets a callback for the first denial per client per window, used for logging.
// Separate from OnDenied so we log once, but increment prometheus counters on each denial
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request. used for incrementing prometheus counters
func WithOnDenied(fn func(ip string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnCapacity sets a callback for the table reaching WithMaxClients.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.OnCapacity = fn
	}
}

// New creates a Limiter and starts the background sweeper, which stops when ctx is done.
func New(ctx context.Context, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		max:        60,
		window:     time.Minute,
		maxClients: 100000,
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.max < 1 {
		return nil, fmt.Errorf("%w: max requests %d must be >= 1", ErrInvalidConfig, l.max)
	}
	if l.window <= 0 {
		return nil, fmt.Errorf("%w: window %s must be > 0", ErrInvalidConfig, l.window)
	}
	if l.grace == 0 {
		l.grace = 3 * l.window
	}
	if l.grace < l.window {
		return nil, fmt.Errorf("%w: grace %s shorter than window %s", ErrInvalidConfig, l.grace, l.window)
	}
	if l.maxClients < 0 {
		return nil, fmt.Errorf("%w: max clients %d must be >= 0", ErrInvalidConfig, l.maxClients)
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}

	go l.sweeper(ctx)
	return l, nil
}

func (l *Limiter) shardFor(key string) *shard {
	return &l.shards[xxhash.Sum64String(key)%shardCount]
}

// Allow counts one request for key and reports whether it may proceed.
// Hooks run after the shard lock is released.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	s := l.shardFor(key)

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		if !l.reserve() {
			s.mu.Unlock()
			return l.rejectAtCapacity(key)
		}
		b = &bucket{windowStart: now, lastSeen: now}
		s.buckets[key] = b
	}

	// a clock step backwards leaves the window where it is
	if now.Sub(b.windowStart) >= l.window {
		b.windowStart = now
		b.count = 0
		b.denialLogged = false
	}
	if now.After(b.lastSeen) {
		b.lastSeen = now
	}
	if b.count <= l.max {
		b.count++
	}

	d := Decision{Allowed: b.count <= l.max}
	if !d.Allowed {
		// after a clock step backwards the window end can be further away than
		// a whole window, the header never promises more than one
		wait := b.windowStart.Add(l.window).Sub(now)
		if wait > l.window {
			wait = l.window
		}
		d.RetryAfter = retryAfter(wait)
		if !b.denialLogged {
			b.denialLogged = true
			d.FirstDenial = true
		}
	}
	s.mu.Unlock()

	if !d.Allowed {
		if d.FirstDenial && l.OnFirstDenied != nil {
			l.OnFirstDenied(key)
		}
		if l.OnDenied != nil {
			l.OnDenied(key)
		}
	}
	return d
}

// reserve claims a table slot for a new client.
func (l *Limiter) reserve() bool {
	n := l.size.Add(1)
	if l.maxClients > 0 && n > int64(l.maxClients) {
		l.size.Add(-1)
		return false
	}
	return true
}

func (l *Limiter) rejectAtCapacity(key string) Decision {
	if l.full.CompareAndSwap(false, true) && l.OnCapacity != nil {
		l.OnCapacity()
	}
	if l.OnDenied != nil {
		l.OnDenied(key)
	}
	return Decision{AtCapacity: true, RetryAfter: retryAfter(l.window)}
}

func retryAfter(d time.Duration) time.Duration {
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Len is the number of tracked clients.
func (l *Limiter) Len() int { return int(l.size.Load()) }

// Sweep evicts clients idle for longer than the grace period, one shard at a
// time, and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	evicted := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, b := range s.buckets {
			if now.Sub(b.lastSeen) > l.grace {
				delete(s.buckets, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		l.size.Add(-int64(evicted))
	}
	if l.maxClients == 0 || l.size.Load() < int64(l.maxClients) {
		l.full.Store(false)
	}
	return evicted
}

// sweeper runs Sweep every window, but not more than once a second.
func (l *Limiter) sweeper(ctx context.Context) {
	every := l.window
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Middleware rejects requests over the per-client limit with 429 and marks
// the request outcome as rate limited for the security event logger.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())

		d := l.Allow(ip)
		if !d.Allowed {
			httpmw.SetOutcome(r.Context(), httpmw.OutcomeRateLimited)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
			w.WriteHeader(http.StatusTooManyRequests)
			// no detail about limits or remaining budget
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
