package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("rate_limit", newRateLimitStage)
}

type rateLimitParams struct {
	Rate   int           `yaml:"rate"`
	Period time.Duration `yaml:"period"`
	Burst  int           `yaml:"burst"`
	Key    string        `yaml:"key"`
	Store  string        `yaml:"store"`  // memory | redis
	Prefix string        `yaml:"prefix"` // redis key prefix
}

// limitResult carries one admission decision's accounting state, stashed
// on the exchange so the response pass can expose it as headers.
type limitResult struct {
	limit     int
	remaining int
	reset     time.Time
}

// limiter is the admission backend, in-memory bucket or Redis window.
type limiter interface {
	allow(ctx context.Context, key string) (limitResult, bool, error)
}

// RateLimitStage admits requests against a per-key budget.
type RateLimitStage struct {
	name    string
	keyFn   keyFunc
	backend limiter
	stop    chan struct{}
}

func newRateLimitStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p rateLimitParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("rate_limit policy %s: %w", name, err)
	}
	if p.Rate <= 0 {
		return nil, fmt.Errorf("rate_limit policy %s: rate must be positive", name)
	}
	if p.Period == 0 {
		p.Period = time.Minute
	}
	if p.Burst == 0 {
		p.Burst = p.Rate
	}

	s := &RateLimitStage{
		name:  name,
		keyFn: buildKeyFunc(p.Key),
		stop:  make(chan struct{}),
	}

	switch p.Store {
	case "", "memory":
		tb := newTokenBucket(p.Rate, p.Period, p.Burst, deps.Clock)
		go tb.cleanup(s.stop)
		s.backend = tb
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("rate_limit policy %s: redis store configured but no redis client available", name)
		}
		s.backend = newRedisWindow(deps.Redis, p.Prefix, p.Burst, p.Period)
	default:
		return nil, fmt.Errorf("rate_limit policy %s: unknown store %q", name, p.Store)
	}

	return s, nil
}

func (s *RateLimitStage) Name() string { return s.name }
func (s *RateLimitStage) Kind() string { return "rate_limit" }

// Close stops the background bucket cleanup.
func (s *RateLimitStage) Close() error {
	close(s.stop)
	return nil
}

func (s *RateLimitStage) bagKey() string { return "ratelimit:" + s.name }

func (s *RateLimitStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	key := s.keyFn(req)

	res, allowed, err := s.backend.allow(ctx, key)
	if err != nil {
		// Accounting backend unreachable: fail open rather than take
		// the route down with it.
		return policy.Allow(), nil
	}

	req.SetBag(s.bagKey(), res)

	if !allowed {
		retryAfter := int(time.Until(res.reset).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		d := policy.Reject(http.StatusTooManyRequests, "rate limit exceeded")
		d.Header = http.Header{}
		d.Header.Set("Retry-After", strconv.Itoa(retryAfter))
		setLimitHeaders(d.Header, res)
		return d, nil
	}
	return policy.Allow(), nil
}

func (s *RateLimitStage) ApplyResponse(ctx context.Context, req *exchange.Request, resp *exchange.Response) error {
	if v, ok := req.Bag(s.bagKey()); ok {
		if res, ok := v.(limitResult); ok {
			setLimitHeaders(resp.Header, res)
		}
	}
	return nil
}

func setLimitHeaders(h http.Header, res limitResult) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.reset.Unix(), 10))
}

// tokenBucket is the in-memory admission backend. Buckets refill
// continuously at rate/period and are sharded by key.
type tokenBucket struct {
	rate    float64 // tokens per second
	burst   int
	period  time.Duration
	clk     clock.Clock
	buckets *shardedMap[*bucket]
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

func newTokenBucket(rate int, period time.Duration, burst int, clk clock.Clock) *tokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &tokenBucket{
		rate:    float64(rate) / period.Seconds(),
		burst:   burst,
		period:  period,
		clk:     clk,
		buckets: newShardedMap[*bucket](),
	}
}

func (tb *tokenBucket) allow(_ context.Context, key string) (limitResult, bool, error) {
	now := tb.clk.Now()

	s := tb.buckets.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.items[key]
	if !exists {
		b = &bucket{tokens: float64(tb.burst), lastTime: now}
		s.items[key] = b
	}

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * tb.rate
	if b.tokens > float64(tb.burst) {
		b.tokens = float64(tb.burst)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return limitResult{
			limit:     tb.burst,
			remaining: int(b.tokens),
			reset:     now.Add(tb.period),
		}, true, nil
	}

	wait := time.Duration((1 - b.tokens) / tb.rate * float64(time.Second))
	return limitResult{
		limit:     tb.burst,
		remaining: 0,
		reset:     now.Add(wait),
	}, false, nil
}

// cleanup drops buckets idle for more than two periods.
func (tb *tokenBucket) cleanup(stop <-chan struct{}) {
	ticker := tb.clk.Ticker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := tb.clk.Now()
			cutoff := 2 * tb.period
			tb.buckets.deleteFunc(func(_ string, b *bucket) bool {
				return now.Sub(b.lastTime) > cutoff
			})
		}
	}
}
