// Package llm routes prompts to one of N remote language-model providers,
// honoring priority, rate limits, daily token budgets, and failover.
package llm

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agenttrader/internal/config"
	"agenttrader/internal/metrics"
)

// ErrNoProviderAvailable is returned when every provider is unhealthy,
// cooling down, or over its daily token quota.
var ErrNoProviderAvailable = errors.New("llm: no provider available")

// Status is the health state of one provider.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusRateLimited Status = "rate_limited"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnknown     Status = "unknown"
)

// ErrorKind classifies a failed call for the failover policy.
type ErrorKind string

const (
	ErrKindRateLimit ErrorKind = "rate_limit"
	ErrKindAuth      ErrorKind = "auth"
	ErrKindNetwork   ErrorKind = "network"
)

const (
	rateLimitCooldown = 60 * time.Second
	authCooldown      = 600 * time.Second
	networkCooldown   = 120 * time.Second
	maxNetworkFails   = 3
	probeInterval     = 5 * time.Minute
	probePrompt       = "Reply with the single word: ok"
)

// Client performs one completion against a concrete provider API.
type Client interface {
	Complete(ctx context.Context, model, prompt string) (text string, tokens int, err error)
}

// Result is a successful routed call.
type Result struct {
	Text         string
	ProviderUsed string
	TokensUsed   int
}

// ProviderSnapshot is the externally visible state of one provider.
type ProviderSnapshot struct {
	Name                string    `json:"name"`
	Priority            int       `json:"priority"`
	Model               string    `json:"model"`
	Status              Status    `json:"status"`
	TokensToday         int       `json:"tokens_today"`
	DailyTokenQuota     int       `json:"daily_token_quota"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
}

type providerState struct {
	cfg           config.LLMProviderConfig
	client        Client
	status        Status
	cooldownUntil time.Time
	tokensToday   int
	tokensDay     string // YYYY-MM-DD the counter belongs to
	failures      int
	lastCheck     time.Time
	limiter       *rate.Limiter
}

// Router selects among providers per call. All provider state is guarded
// by one mutex; the calls themselves run outside the lock.
type Router struct {
	mu        sync.Mutex
	providers []*providerState
	strategy  string
	rrNext    int
	callTimes []time.Time // rolling window for the breaker's call-rate check

	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRouter builds a router from the ordered provider list. clientFor maps
// a provider config to its HTTP client; tests inject fakes here.
func NewRouter(cfg config.LLMConfig, clientFor func(config.LLMProviderConfig) Client,
	m *metrics.Metrics, logger *slog.Logger) *Router {
	providers := make([]*providerState, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providers = append(providers, &providerState{
			cfg:    pc,
			client: clientFor(pc),
			status: StatusUnknown,
			// One call per second sustained, small burst. Keeps a single
			// provider from being hammered when several agents fire at once.
			limiter: rate.NewLimiter(rate.Limit(1), 3),
		})
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].cfg.Priority < providers[j].cfg.Priority
	})
	return &Router{
		providers: providers,
		strategy:  cfg.SelectionStrategy,
		timeout:   cfg.CallTimeout,
		metrics:   m,
		logger:    logger.With("component", "llm_router"),
	}
}

// Call routes the prompt to the first eligible provider, failing over on
// error. estTokens is the rough prompt+completion size used for the quota
// check before the call.
func (r *Router) Call(ctx context.Context, prompt string, estTokens int) (Result, error) {
	order := r.eligible(prompt, estTokens)
	if len(order) == 0 {
		return Result{}, ErrNoProviderAvailable
	}

	r.recordCallTime()

	var lastErr error
	for _, p := range order {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		text, tokens, err := p.client.Complete(callCtx, p.cfg.Model, prompt)
		cancel()

		if err == nil {
			r.recordSuccess(p, tokens)
			r.metrics.LLMCalls.WithLabelValues(p.cfg.Name, "ok").Inc()
			r.metrics.LLMTokens.WithLabelValues(p.cfg.Name).Add(float64(tokens))
			return Result{Text: text, ProviderUsed: p.cfg.Name, TokensUsed: tokens}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		kind := Classify(err)
		r.recordFailure(p, kind)
		r.metrics.LLMCalls.WithLabelValues(p.cfg.Name, string(kind)).Inc()
		r.logger.Warn("provider call failed",
			"provider", p.cfg.Name, "kind", kind, "error", err)
		lastErr = err
	}
	return Result{}, fmt.Errorf("%w: last error: %v", ErrNoProviderAvailable, lastErr)
}

// eligible returns the providers to try, in order, applying the skip rules
// and the configured tie-break strategy.
func (r *Router) eligible(prompt string, estTokens int) []*providerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	day := now.UTC().Format("2006-01-02")

	var out []*providerState
	for _, p := range r.providers {
		if p.tokensDay != day {
			p.tokensDay = day
			p.tokensToday = 0
		}
		if (p.status == StatusRateLimited || p.status == StatusUnhealthy) && now.Before(p.cooldownUntil) {
			continue
		}
		if p.cfg.DailyTokenQuota > 0 && p.tokensToday+estTokens > p.cfg.DailyTokenQuota {
			continue
		}
		out = append(out, p)
	}
	if len(out) < 2 {
		return out
	}

	// Providers are already priority-sorted; the strategy only breaks the
	// tie of where to start.
	switch r.strategy {
	case "round_robin":
		start := r.rrNext % len(out)
		r.rrNext++
		return append(append([]*providerState{}, out[start:]...), out[:start]...)
	case "hash":
		h := fnv.New32a()
		h.Write([]byte(prompt))
		start := int(h.Sum32()) % len(out)
		return append(append([]*providerState{}, out[start:]...), out[:start]...)
	default:
		return out
	}
}

func (r *Router) recordSuccess(p *providerState, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.status = StatusAvailable
	p.failures = 0
	p.tokensToday += tokens
	p.lastCheck = time.Now()
}

func (r *Router) recordFailure(p *providerState, kind ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	p.lastCheck = now
	switch kind {
	case ErrKindRateLimit:
		p.status = StatusRateLimited
		p.cooldownUntil = now.Add(rateLimitCooldown)
	case ErrKindAuth:
		p.status = StatusUnhealthy
		p.cooldownUntil = now.Add(authCooldown)
	default:
		p.failures++
		if p.failures >= maxNetworkFails {
			p.status = StatusUnhealthy
			p.cooldownUntil = now.Add(networkCooldown)
		}
	}
}

func (r *Router) recordCallTime() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := r.callTimes[:0]
	for _, t := range r.callTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.callTimes = append(kept, now)
}

// CallsLastMinute reports the routed call rate, consumed by the circuit
// breaker's api_rate_limit check.
func (r *Router) CallsLastMinute() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	n := 0
	for _, t := range r.callTimes {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Snapshot returns the current state of every provider.
func (r *Router) Snapshot() []ProviderSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProviderSnapshot, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, ProviderSnapshot{
			Name:                p.cfg.Name,
			Priority:            p.cfg.Priority,
			Model:               p.cfg.Model,
			Status:              p.status,
			TokensToday:         p.tokensToday,
			DailyTokenQuota:     p.cfg.DailyTokenQuota,
			ConsecutiveFailures: p.failures,
			LastCheck:           p.lastCheck,
		})
	}
	return out
}

// RunHealthChecks probes unhealthy providers every 5 minutes with a
// trivial prompt, transitioning them back to available on success.
// Blocks until ctx is cancelled.
func (r *Router) RunHealthChecks(ctx context.Context) error {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.probeUnhealthy(ctx)
		}
	}
}

func (r *Router) probeUnhealthy(ctx context.Context) {
	r.mu.Lock()
	var toProbe []*providerState
	for _, p := range r.providers {
		if p.status == StatusUnhealthy || p.status == StatusUnknown {
			toProbe = append(toProbe, p)
		}
	}
	r.mu.Unlock()

	for _, p := range toProbe {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, tokens, err := p.client.Complete(callCtx, p.cfg.Model, probePrompt)
		cancel()

		if err != nil {
			r.logger.Debug("health probe failed", "provider", p.cfg.Name, "error", err)
			continue
		}
		r.recordSuccess(p, tokens)
		r.logger.Info("provider recovered", "provider", p.cfg.Name)
	}
}
