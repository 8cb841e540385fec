package rate_limiter

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

const defaultKeyExpiry = 10 * time.Minute

type bucket struct {
	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	lastActivity time.Time
	allowed      int64
	denied       int64
}

// Stats reports one key's bucket.
type Stats struct {
	Allowed         int64   `json:"allowed"`
	Denied          int64   `json:"denied"`
	TokensAvailable float64 `json:"tokens_available"`
}

// Limiter keeps one token bucket per submitting client. Idle buckets are
// dropped after KeyExpiry.
type Limiter struct {
	config  domain.RateLimitConfig
	logger  *slog.Logger
	now     func() time.Time
	buckets sync.Map
	done    chan struct{}
	once    sync.Once
}

func New(config domain.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Burst <= 0 {
		config.Burst = int(config.RequestsPerSecond)
		if config.Burst < 1 {
			config.Burst = 1
		}
	}
	if config.KeyExpiry <= 0 {
		config.KeyExpiry = defaultKeyExpiry
	}

	l := &Limiter{
		config: config,
		logger: logger.With("component", "rate-limiter"),
		now:    time.Now,
		done:   make(chan struct{}),
	}

	go l.cleanupExpiredKeys()

	return l
}

func (l *Limiter) getBucket(key string) *bucket {
	if value, ok := l.buckets.Load(key); ok {
		return value.(*bucket)
	}

	now := l.now()
	value, _ := l.buckets.LoadOrStore(key, &bucket{
		tokens:       float64(l.config.Burst),
		lastRefill:   now,
		lastActivity: now,
	})
	return value.(*bucket)
}

// Allow takes one token from key's bucket. It always succeeds when the limit
// is disabled.
func (l *Limiter) Allow(key string) bool {
	if l.config.RequestsPerSecond <= 0 {
		return true
	}

	b := l.getBucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.lastActivity = now
	l.refill(b, now)

	if b.tokens >= 1 {
		b.tokens--
		atomic.AddInt64(&b.allowed, 1)
		return true
	}

	atomic.AddInt64(&b.denied, 1)
	return false
}

// RetryAfter estimates how long key must wait for its next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if l.config.RequestsPerSecond <= 0 {
		return 0
	}

	b := l.getBucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refill(b, l.now())
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / l.config.RequestsPerSecond * float64(time.Second))
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.tokens+elapsed*l.config.RequestsPerSecond, float64(l.config.Burst))
	b.lastRefill = now
}

func (l *Limiter) Stats(key string) Stats {
	value, ok := l.buckets.Load(key)
	if !ok {
		return Stats{TokensAvailable: float64(l.config.Burst)}
	}
	b := value.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refill(b, l.now())
	return Stats{
		Allowed:         atomic.LoadInt64(&b.allowed),
		Denied:          atomic.LoadInt64(&b.denied),
		TokensAvailable: b.tokens,
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) cleanupExpiredKeys() {
	ticker := time.NewTicker(l.config.KeyExpiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.performCleanup()
		}
	}
}

func (l *Limiter) performCleanup() int {
	now := l.now()
	deleted := 0

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.Sub(b.lastActivity) > l.config.KeyExpiry
		b.mu.Unlock()

		if expired {
			l.buckets.Delete(key)
			deleted++
		}
		return true
	})

	if deleted > 0 {
		l.logger.Debug("cleaned up expired keys", "deleted", deleted)
	}
	return deleted
}
