package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"ai-privacy-router/internal/clock"
	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/model"
	"ai-privacy-router/internal/providerclient"
)

func testScheduler() (*Scheduler, *clock.Fake) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(nil, fake, logger.New("DISPATCH", "error"))
	s.randFloat = func() float64 { return 0 } // no jitter, deterministic backoff
	return s, fake
}

func resolverFor(clients map[string]providerclient.ProviderClient) ClientResolver {
	return func(id string) (providerclient.ProviderClient, bool) {
		c, ok := clients[id]
		return c, ok
	}
}

func TestRun_AllOK(t *testing.T) {
	s, fake := testScheduler()
	s.clients = resolverFor(map[string]providerclient.ProviderClient{
		"p1": &providerclient.StubClient{Response: "answer one"},
		"p2": &providerclient.StubClient{Response: "answer two"},
	})

	assignments := []Assignment{
		{Fragment: model.FragmentSpec{ID: "f1"}, ProviderID: "p1"},
		{Fragment: model.FragmentSpec{ID: "f2"}, ProviderID: "p2"},
	}
	results := s.Run(context.Background(), assignments, DefaultPolicy, nil, nil)
	_ = fake

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != model.StatusOK {
			t.Errorf("fragment %s: status=%s, want OK", r.FragmentID, r.Status)
		}
	}
}

func TestRun_TimeoutNotRetried(t *testing.T) {
	s, _ := testScheduler()
	// The sleeper waits until the per-fragment deadline cancels the call,
	// like a provider that never answers in time.
	sleeper := func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	s.clients = resolverFor(map[string]providerclient.ProviderClient{
		"slow": &providerclient.StubClient{Response: "late", Delay: time.Hour, Sleeper: sleeper},
	})

	policy := DefaultPolicy
	policy.FragmentTimeout = 10 * time.Millisecond
	policy.TotalDeadline = time.Second

	assignments := []Assignment{{Fragment: model.FragmentSpec{ID: "f1"}, ProviderID: "slow"}}
	var progressEvents []model.DispatchProgressPayload
	results := s.Run(context.Background(), assignments, policy, nil, func(p model.DispatchProgressPayload) {
		progressEvents = append(progressEvents, p)
	})

	if results[0].Status != model.StatusTimeout {
		t.Fatalf("status = %s, want TIMEOUT", results[0].Status)
	}
	for _, p := range progressEvents {
		if p.Phase == model.PhaseRetrying {
			t.Errorf("TIMEOUT must not be retried, but saw a RETRYING phase")
		}
	}
}

func TestRun_ProviderErrorRetriedThenOK(t *testing.T) {
	s, _ := testScheduler()
	s.clock = clock.New() // backoff sleeps for real; nothing advances the fake clock here

	calls := 0
	flaky := &countingClient{
		fn: func() (providerclient.Result, error) {
			calls++
			if calls == 1 {
				return providerclient.Result{}, errors.New("upstream 500")
			}
			return providerclient.Result{Text: "recovered"}, nil
		},
	}
	s.clients = resolverFor(map[string]providerclient.ProviderClient{"p1": flaky})

	assignments := []Assignment{{Fragment: model.FragmentSpec{ID: "f1"}, ProviderID: "p1"}}
	results := s.Run(context.Background(), assignments, DefaultPolicy, nil, nil)

	if results[0].Status != model.StatusOK {
		t.Fatalf("status = %s, want OK after retry", results[0].Status)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls (1 failure + 1 retry), got %d", calls)
	}
}

func TestRun_ProviderErrorExhaustsRetries(t *testing.T) {
	s, _ := testScheduler()
	s.clock = clock.New() // backoff sleeps for real; nothing advances the fake clock here
	alwaysFails := &countingClient{fn: func() (providerclient.Result, error) {
		return providerclient.Result{}, errors.New("upstream 500")
	}}
	s.clients = resolverFor(map[string]providerclient.ProviderClient{"p1": alwaysFails})

	policy := DefaultPolicy
	policy.Retries = 1
	assignments := []Assignment{{Fragment: model.FragmentSpec{ID: "f1"}, ProviderID: "p1"}}
	results := s.Run(context.Background(), assignments, policy, nil, nil)

	if results[0].Status != model.StatusProviderErr {
		t.Fatalf("status = %s, want PROVIDER_ERROR", results[0].Status)
	}
	if alwaysFails.calls != 2 {
		t.Fatalf("expected retries+1=2 attempts, got %d", alwaysFails.calls)
	}
}

func TestRun_RetryUsesAlternateProvider(t *testing.T) {
	s, _ := testScheduler()
	s.clock = clock.New() // backoff sleeps for real; nothing advances the fake clock here
	s.clients = resolverFor(map[string]providerclient.ProviderClient{
		"p1": &countingClient{fn: func() (providerclient.Result, error) { return providerclient.Result{}, errors.New("fail") }},
		"p2": &providerclient.StubClient{Response: "ok from alt"},
	})

	policy := DefaultPolicy
	pick := func(fragment model.FragmentSpec, exclude string) (string, bool) {
		if exclude == "p1" {
			return "p2", true
		}
		return "", false
	}
	assignments := []Assignment{{Fragment: model.FragmentSpec{ID: "f1"}, ProviderID: "p1"}}
	results := s.Run(context.Background(), assignments, policy, pick, nil)

	if results[0].Status != model.StatusOK || results[0].ProviderID != "p2" {
		t.Fatalf("expected OK from alternate provider p2, got status=%s provider=%s", results[0].Status, results[0].ProviderID)
	}
}

func TestRun_PartialFailureReturnsAllTerminalResults(t *testing.T) {
	s, _ := testScheduler()
	s.clients = resolverFor(map[string]providerclient.ProviderClient{
		"good": &providerclient.StubClient{Response: "fine"},
		"bad": &countingClient{fn: func() (providerclient.Result, error) {
			return providerclient.Result{}, errors.New("down")
		}},
	})
	policy := DefaultPolicy
	policy.Retries = 0

	assignments := []Assignment{
		{Fragment: model.FragmentSpec{ID: "f1"}, ProviderID: "good"},
		{Fragment: model.FragmentSpec{ID: "f2"}, ProviderID: "bad"},
	}
	results := s.Run(context.Background(), assignments, policy, nil, nil)
	if results[0].Status != model.StatusOK {
		t.Errorf("f1 status = %s, want OK", results[0].Status)
	}
	if results[1].Status != model.StatusProviderErr {
		t.Errorf("f2 status = %s, want PROVIDER_ERROR", results[1].Status)
	}
}

func TestRun_ConcurrentNotSerial(t *testing.T) {
	s, _ := testScheduler()
	const fragmentLatency = 40 * time.Millisecond
	clients := map[string]providerclient.ProviderClient{}
	var assignments []Assignment
	for i := 0; i < 5; i++ {
		id := "p" + string(rune('a'+i))
		clients[id] = &providerclient.StubClient{Response: "x", Delay: fragmentLatency}
		assignments = append(assignments, Assignment{Fragment: model.FragmentSpec{ID: id}, ProviderID: id})
	}
	s.clients = resolverFor(clients)

	start := time.Now()
	results := s.Run(context.Background(), assignments, DefaultPolicy, nil, nil)
	elapsed := time.Since(start)

	for _, r := range results {
		if r.Status != model.StatusOK {
			t.Errorf("fragment %s: status=%s", r.FragmentID, r.Status)
		}
	}
	// 5 fragments at fragmentLatency each, run concurrently, should take
	// nowhere near 5*fragmentLatency (spec.md §8 property 7).
	if elapsed > 3*fragmentLatency {
		t.Errorf("elapsed %v suggests serial execution, not concurrent fan-out", elapsed)
	}
}

// countingClient is a ProviderClient whose fn is invoked synchronously per
// call and whose call count is tracked, for retry-path tests.
type countingClient struct {
	calls int
	fn    func() (providerclient.Result, error)
}

func (c *countingClient) Generate(_ context.Context, _ string, _ providerclient.Options) (providerclient.Result, error) {
	c.calls++
	return c.fn()
}
