package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/agentwire/gateway/internal/aitext"
	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/exchange"
	"github.com/agentwire/gateway/internal/policy"
)

func init() {
	policy.Register("token_limit", newTokenLimitStage)
}

type tokenLimitParams struct {
	TokensPerMinute int64  `yaml:"tokens_per_minute"`
	TokensPerDay    int64  `yaml:"tokens_per_day"`
	Key             string `yaml:"key"`
}

// TokenLimitStage budgets model tokens instead of request counts. The
// prompt cost is estimated up front from the request text and deducted
// immediately; once the provider reports actual usage the estimate is
// corrected, so sustained traffic converges on real consumption.
type TokenLimitStage struct {
	name            string
	tokensPerMinute int64
	tokensPerDay    int64
	keyFn           keyFunc
	clk             clock.Clock

	mu      sync.Mutex
	windows map[string]*tokenWindow
}

type tokenWindow struct {
	minuteTokens int64
	minuteStart  time.Time
	dayTokens    int64
	dayStart     time.Time
}

func newTokenLimitStage(name string, params map[string]interface{}, deps policy.Deps) (policy.Stage, error) {
	var p tokenLimitParams
	if err := config.DecodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("token_limit policy %s: %w", name, err)
	}
	if p.TokensPerMinute <= 0 && p.TokensPerDay <= 0 {
		return nil, fmt.Errorf("token_limit policy %s: a per-minute or per-day budget is required", name)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &TokenLimitStage{
		name:            name,
		tokensPerMinute: p.TokensPerMinute,
		tokensPerDay:    p.TokensPerDay,
		keyFn:           buildKeyFunc(p.Key),
		clk:             clk,
		windows:         make(map[string]*tokenWindow),
	}, nil
}

func (s *TokenLimitStage) Name() string { return s.name }
func (s *TokenLimitStage) Kind() string { return "token_limit" }

func (s *TokenLimitStage) ApplyRequest(ctx context.Context, req *exchange.Request) (*policy.Decision, error) {
	key := s.keyFn(req)
	estimate := estimateTokens(req.Body)
	now := s.clk.Now()

	s.mu.Lock()
	win, ok := s.windows[key]
	if !ok {
		win = &tokenWindow{minuteStart: now, dayStart: now}
		s.windows[key] = win
	}

	if now.Sub(win.minuteStart) >= time.Minute {
		win.minuteTokens = 0
		win.minuteStart = now
	}
	if now.Sub(win.dayStart) >= 24*time.Hour {
		win.dayTokens = 0
		win.dayStart = now
	}

	if s.tokensPerMinute > 0 && win.minuteTokens+estimate > s.tokensPerMinute {
		retry := int(time.Minute.Seconds() - now.Sub(win.minuteStart).Seconds())
		s.mu.Unlock()
		return s.reject("token budget exceeded (per-minute)", retry), nil
	}
	if s.tokensPerDay > 0 && win.dayTokens+estimate > s.tokensPerDay {
		retry := int((24 * time.Hour).Seconds() - now.Sub(win.dayStart).Seconds())
		s.mu.Unlock()
		return s.reject("token budget exceeded (per-day)", retry), nil
	}

	win.minuteTokens += estimate
	win.dayTokens += estimate
	s.mu.Unlock()

	// Correct the estimate once actual usage is known. The callback may
	// fire from the relay goroutine after streaming completes.
	prev := req.OnUsage
	req.OnUsage = func(promptTokens, completionTokens int64) {
		if prev != nil {
			prev(promptTokens, completionTokens)
		}
		s.correct(key, estimate, promptTokens+completionTokens)
	}

	return policy.Allow(), nil
}

func (s *TokenLimitStage) reject(reason string, retryAfter int) *policy.Decision {
	if retryAfter < 1 {
		retryAfter = 1
	}
	d := policy.Reject(http.StatusTooManyRequests, reason)
	d.Header = http.Header{}
	d.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	return d
}

func (s *TokenLimitStage) correct(key string, estimate, actual int64) {
	if actual <= 0 {
		return
	}
	diff := actual - estimate

	s.mu.Lock()
	if win, ok := s.windows[key]; ok {
		win.minuteTokens += diff
		win.dayTokens += diff
		if win.minuteTokens < 0 {
			win.minuteTokens = 0
		}
		if win.dayTokens < 0 {
			win.dayTokens = 0
		}
	}
	s.mu.Unlock()
}

// estimateTokens guesses the prompt cost of a buffered request body using
// a word count heuristic. Streaming request bodies estimate to zero and
// are settled entirely by the usage correction.
func estimateTokens(body exchange.Body) int64 {
	buf, ok := body.(*exchange.BufferedBody)
	if !ok || buf.Len() == 0 {
		return 0
	}
	data := buf.Bytes()

	text := aitext.FromJSON(data)
	if text == "" {
		// Unrecognized shape: fall back to the character heuristic.
		return int64(len(data) / 4)
	}
	words := len(strings.Fields(text))
	return int64(float64(words) * 1.3)
}
