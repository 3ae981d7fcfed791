package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	mpkg "github.com/local/contractocr/internal/metrics"
)

// ErrCoolingDown is returned by Acquire while a backend's breaker is open.
var ErrCoolingDown = errors.New("backend cooling down")

// Adaptive bounds in-flight calls per backend and, when Redis is configured,
// shares a cooldown across workers after a backend starts rate limiting.
type Adaptive struct {
	rdb         *redis.Client
	maxInflight int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	mu          sync.Mutex
	sem         map[string]chan struct{}
}

type Options struct {
	MaxInflight int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// New creates a limiter. rdb may be nil, which disables the shared cooldown.
func New(rdb *redis.Client, opts Options) *Adaptive {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 2
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	return &Adaptive{rdb: rdb, maxInflight: opts.MaxInflight, baseBackoff: opts.BaseBackoff, maxBackoff: opts.MaxBackoff, sem: map[string]chan struct{}{}}
}

func (a *Adaptive) key(backend string) string {
	return fmt.Sprintf("cb:ocr:%s", strings.ToLower(backend))
}

// IsOpen returns true if the breaker is open (cooldown active).
func (a *Adaptive) IsOpen(ctx context.Context, backend string) bool {
	if a.rdb == nil {
		return false
	}
	ts, err := a.rdb.Get(ctx, a.key(backend)).Int64()
	if err != nil {
		return false
	}
	return time.Now().Unix() < ts
}

// Open sets or extends the cooldown, doubling it on every consecutive open.
func (a *Adaptive) Open(ctx context.Context, backend string) time.Duration {
	if a.rdb == nil {
		return 0
	}
	k := a.key(backend)
	attempts, _ := a.rdb.Incr(ctx, k+":attempts").Result()
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		attempts = 16
	}
	d := a.baseBackoff * (1 << (attempts - 1))
	if d > a.maxBackoff {
		d = a.maxBackoff
	}
	until := time.Now().Add(d).Unix()
	_ = a.rdb.Set(ctx, k, until, d).Err()
	mpkg.BreakerOpened(backend)
	return d
}

// Reset closes the breaker after a successful call.
func (a *Adaptive) Reset(ctx context.Context, backend string) {
	if a.rdb == nil {
		return
	}
	k := a.key(backend)
	_ = a.rdb.Del(ctx, k, k+":attempts").Err()
}

// Acquire waits for an in-flight slot for backend. It fails fast with
// ErrCoolingDown while the breaker is open and with ctx.Err() on cancellation.
func (a *Adaptive) Acquire(ctx context.Context, backend string) (func(), error) {
	if a.IsOpen(ctx, backend) {
		mpkg.BreakerSkipped(backend)
		return func() {}, fmt.Errorf("%s: %w", backend, ErrCoolingDown)
	}
	key := strings.ToLower(backend)
	a.mu.Lock()
	ch, ok := a.sem[key]
	if !ok {
		ch = make(chan struct{}, a.maxInflight)
		a.sem[key] = ch
	}
	a.mu.Unlock()
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// InFlight reports the number of held slots for backend.
func (a *Adaptive) InFlight(backend string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.sem[strings.ToLower(backend)]; ok {
		return len(ch)
	}
	return 0
}
