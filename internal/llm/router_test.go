package llm

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"agenttrader/internal/config"
	"agenttrader/internal/metrics"
)

// fakeClient returns scripted results in order, repeating the last one.
type fakeClient struct {
	calls   int
	scripts []func() (string, int, error)
}

func (f *fakeClient) Complete(_ context.Context, _, _ string) (string, int, error) {
	i := f.calls
	if i >= len(f.scripts) {
		i = len(f.scripts) - 1
	}
	f.calls++
	return f.scripts[i]()
}

func ok(text string, tokens int) func() (string, int, error) {
	return func() (string, int, error) { return text, tokens, nil }
}

func fail(status int) func() (string, int, error) {
	return func() (string, int, error) { return "", 0, &APIError{Status: status} }
}

func newTestRouter(t *testing.T, clients map[string]*fakeClient, quotas map[string]int) *Router {
	t.Helper()
	var provs []config.LLMProviderConfig
	prio := 1
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if _, present := clients[name]; !present {
			continue
		}
		provs = append(provs, config.LLMProviderConfig{
			Name: name, Priority: prio, Model: "m", DailyTokenQuota: quotas[name],
		})
		prio++
	}
	cfg := config.LLMConfig{
		Providers:         provs,
		SelectionStrategy: "priority",
		CallTimeout:       5 * time.Second,
	}
	return NewRouter(cfg, func(pc config.LLMProviderConfig) Client {
		return clients[pc.Name]
	}, metrics.New(), slog.Default())
}

func TestFailoverOnRateLimit(t *testing.T) {
	t.Parallel()
	clients := map[string]*fakeClient{
		"alpha": {scripts: []func() (string, int, error){fail(http.StatusTooManyRequests)}},
		"beta":  {scripts: []func() (string, int, error){ok("answer", 42)}},
	}
	r := newTestRouter(t, clients, nil)

	res, err := r.Call(context.Background(), "prompt", 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderUsed != "beta" {
		t.Errorf("provider used = %q; want beta", res.ProviderUsed)
	}

	// alpha is rate_limited with an active cooldown, so the second call
	// goes straight to beta without touching alpha.
	if _, err := r.Call(context.Background(), "prompt", 100); err != nil {
		t.Fatal(err)
	}
	if clients["alpha"].calls != 1 {
		t.Errorf("alpha called %d times; want 1 (cooldown active)", clients["alpha"].calls)
	}

	for _, snap := range r.Snapshot() {
		switch snap.Name {
		case "alpha":
			if snap.Status != StatusRateLimited {
				t.Errorf("alpha status = %s; want rate_limited", snap.Status)
			}
			if snap.TokensToday != 0 {
				t.Errorf("alpha tokens_today = %d; want 0", snap.TokensToday)
			}
		case "beta":
			if snap.TokensToday != 84 {
				t.Errorf("beta tokens_today = %d; want 84", snap.TokensToday)
			}
		}
	}
}

func TestAuthErrorLongCooldown(t *testing.T) {
	t.Parallel()
	clients := map[string]*fakeClient{
		"alpha": {scripts: []func() (string, int, error){fail(http.StatusUnauthorized)}},
		"beta":  {scripts: []func() (string, int, error){ok("x", 1)}},
	}
	r := newTestRouter(t, clients, nil)

	if _, err := r.Call(context.Background(), "p", 10); err != nil {
		t.Fatal(err)
	}
	for _, snap := range r.Snapshot() {
		if snap.Name == "alpha" && snap.Status != StatusUnhealthy {
			t.Errorf("alpha status = %s; want unhealthy", snap.Status)
		}
	}
}

func TestNetworkErrorsAccumulate(t *testing.T) {
	t.Parallel()
	clients := map[string]*fakeClient{
		"alpha": {scripts: []func() (string, int, error){fail(http.StatusBadGateway)}},
		"beta":  {scripts: []func() (string, int, error){ok("x", 1)}},
	}
	r := newTestRouter(t, clients, nil)

	// Three network failures mark alpha unhealthy.
	for i := 0; i < 3; i++ {
		if _, err := r.Call(context.Background(), "p", 10); err != nil {
			t.Fatal(err)
		}
	}
	for _, snap := range r.Snapshot() {
		if snap.Name == "alpha" {
			if snap.Status != StatusUnhealthy {
				t.Errorf("alpha status = %s after 3 network errors; want unhealthy", snap.Status)
			}
		}
	}
	if clients["alpha"].calls != 3 {
		t.Errorf("alpha called %d times; want 3", clients["alpha"].calls)
	}
}

func TestQuotaSkip(t *testing.T) {
	t.Parallel()
	clients := map[string]*fakeClient{
		"alpha": {scripts: []func() (string, int, error){ok("a", 900)}},
		"beta":  {scripts: []func() (string, int, error){ok("b", 10)}},
	}
	r := newTestRouter(t, clients, map[string]int{"alpha": 1000})

	res, err := r.Call(context.Background(), "p", 500)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderUsed != "alpha" {
		t.Fatalf("first call went to %q; want alpha", res.ProviderUsed)
	}

	// alpha now has 900 tokens against a 1000 quota; a 500-token estimate
	// would exceed it, so beta takes the call.
	res, err = r.Call(context.Background(), "p", 500)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderUsed != "beta" {
		t.Errorf("second call went to %q; want beta", res.ProviderUsed)
	}
}

func TestAllProvidersExhausted(t *testing.T) {
	t.Parallel()
	clients := map[string]*fakeClient{
		"alpha": {scripts: []func() (string, int, error){fail(http.StatusTooManyRequests)}},
		"beta":  {scripts: []func() (string, int, error){fail(http.StatusTooManyRequests)}},
	}
	r := newTestRouter(t, clients, nil)

	_, err := r.Call(context.Background(), "p", 10)
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}

	// Both now cooling down: immediate NoProviderAvailable without calls.
	_, err = r.Call(context.Background(), "p", 10)
	if err != ErrNoProviderAvailable {
		t.Errorf("err = %v; want ErrNoProviderAvailable", err)
	}
}

func TestStripCodeBlock(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"  plain text  ", "plain text"},
	}
	for _, c := range cases {
		if got := StripCodeBlock(c.in); got != c.want {
			t.Errorf("StripCodeBlock(%q) = %q; want %q", c.in, got, c.want)
		}
	}
}
