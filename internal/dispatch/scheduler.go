// Package dispatch implements the Dispatch Scheduler (C5): concurrent,
// bounded-fan-out execution of provider calls with per-fragment and overall
// deadlines, retry-with-backoff on PROVIDER_ERROR, and partial-failure
// tolerance (spec.md §4.5).
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ai-privacy-router/internal/clock"
	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/metrics"
	"ai-privacy-router/internal/model"
	"ai-privacy-router/internal/providerclient"
)

// Assignment pairs one fragment with the provider initially chosen to
// handle it (the Provider Router's (C4) output).
type Assignment struct {
	Fragment   model.FragmentSpec
	ProviderID string
}

// AlternatePicker selects a replacement provider for a retried fragment,
// excluding the one that just failed. Wired by the Coordinator to the
// Provider Router's ranking (spec.md §4.5: "may select an alternate
// provider from the Router's ranking"). A false second return means no
// alternate is available and the retry reuses the original provider.
type AlternatePicker func(fragment model.FragmentSpec, exclude string) (providerID string, ok bool)

// Policy carries the Dispatch Scheduler's configuration knobs, loaded from
// Config by the Coordinator (spec.md §6).
type Policy struct {
	MaxInFlight            int
	FragmentTimeout        time.Duration
	TotalDeadline          time.Duration
	Retries                int
	RetryAlternateProvider bool
	BackoffBase            time.Duration
	BackoffFactor          float64
}

// DefaultPolicy matches spec.md §6's configuration defaults.
var DefaultPolicy = Policy{
	MaxInFlight:            8,
	FragmentTimeout:        8 * time.Second,
	TotalDeadline:          30 * time.Second,
	Retries:                2,
	RetryAlternateProvider: true,
	BackoffBase:            200 * time.Millisecond,
	BackoffFactor:          2,
}

// ProgressFunc receives one DISPATCH/PROGRESS payload per fragment state
// transition (spec.md §4.5).
type ProgressFunc func(model.DispatchProgressPayload)

// ClientResolver returns the ProviderClient for a provider ID. Returning
// false means the provider is unknown to this process, treated as a
// PROVIDER_ERROR for that attempt.
type ClientResolver func(providerID string) (providerclient.ProviderClient, bool)

// Scheduler is the Dispatch Scheduler (C5).
type Scheduler struct {
	clients ClientResolver
	clock   clock.Clock
	log     *logger.Logger

	// randFloat returns a value in [-1,1), scaled by the caller into the
	// ±20% jitter window. Overridable for deterministic tests.
	randFloat func() float64
}

// New returns a Scheduler resolving provider clients through clients.
func New(clients ClientResolver, clk clock.Clock, log *logger.Logger) *Scheduler {
	return &Scheduler{
		clients:   clients,
		clock:     clk,
		log:       log,
		randFloat: func() float64 { return rand.Float64()*2 - 1 }, //nolint:gosec // jitter, not a security primitive
	}
}

// Run executes every assignment concurrently, bounded by policy.MaxInFlight,
// and returns one terminal FragmentResult per fragment once either all
// fragments reach a terminal status or policy.TotalDeadline elapses
// (spec.md §4.5's partial-failure policy).
func (s *Scheduler) Run(ctx context.Context, assignments []Assignment, policy Policy, pick AlternatePicker, onProgress ProgressFunc) []model.FragmentResult {
	if onProgress == nil {
		onProgress = func(model.DispatchProgressPayload) {}
	}
	maxInFlight := policy.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	overall, cancel := context.WithTimeout(ctx, policy.TotalDeadline)
	defer cancel()

	sem := semaphore.NewWeighted(int64(maxInFlight))
	results := make([]model.FragmentResult, len(assignments))
	var wg sync.WaitGroup

	for i, a := range assignments {
		i, a := i, a
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(overall, 1); err != nil {
				// Overall deadline fired (or parent canceled) before this
				// fragment ever started: CANCELED, per spec.md §4.5.
				results[i] = model.FragmentResult{
					FragmentID: a.Fragment.ID,
					ProviderID: a.ProviderID,
					Status:     model.StatusCanceled,
				}
				onProgress(model.DispatchProgressPayload{FragmentID: a.Fragment.ID, ProviderID: a.ProviderID, Phase: model.PhaseFailed})
				return
			}
			defer sem.Release(1)
			results[i] = s.runOne(overall, a, policy, pick, onProgress)
		}()
	}
	wg.Wait()
	return results
}

// runOne drives one fragment's PENDING → IN_FLIGHT → {OK | RETRYING →
// IN_FLIGHT | PROVIDER_ERROR | TIMEOUT | CANCELED} state machine (spec.md
// §4.5).
func (s *Scheduler) runOne(ctx context.Context, a Assignment, policy Policy, pick AlternatePicker, onProgress ProgressFunc) model.FragmentResult {
	providerID := a.ProviderID
	attempts := policy.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var last model.FragmentResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return model.FragmentResult{FragmentID: a.Fragment.ID, ProviderID: providerID, Status: model.StatusCanceled}
		}

		onProgress(model.DispatchProgressPayload{FragmentID: a.Fragment.ID, ProviderID: providerID, Phase: model.PhaseStarted})
		result := s.attempt(ctx, a.Fragment, providerID, policy.FragmentTimeout)
		last = result

		switch result.Status {
		case model.StatusOK:
			onProgress(model.DispatchProgressPayload{FragmentID: a.Fragment.ID, ProviderID: providerID, Phase: model.PhaseCompleted})
			metrics.RecordFragmentResult(string(model.StatusOK))
			metrics.RecordProviderLatency(providerID, result.Latency)
			return result
		case model.StatusTimeout, model.StatusCanceled:
			// Not retried (spec.md §4.5: "TIMEOUT is not retried").
			onProgress(model.DispatchProgressPayload{FragmentID: a.Fragment.ID, ProviderID: providerID, Phase: model.PhaseFailed})
			metrics.RecordFragmentResult(string(result.Status))
			return result
		case model.StatusProviderErr:
			if attempt == attempts {
				onProgress(model.DispatchProgressPayload{FragmentID: a.Fragment.ID, ProviderID: providerID, Phase: model.PhaseFailed})
				metrics.RecordFragmentResult(string(model.StatusProviderErr))
				return result
			}
			onProgress(model.DispatchProgressPayload{FragmentID: a.Fragment.ID, ProviderID: providerID, Phase: model.PhaseRetrying})
			metrics.RecordFragmentRetry(providerID)
			if err := s.clock.Sleep(s.backoff(attempt, policy), ctx); err != nil {
				return model.FragmentResult{FragmentID: a.Fragment.ID, ProviderID: providerID, Status: model.StatusCanceled}
			}
			if policy.RetryAlternateProvider && pick != nil {
				if alt, ok := pick(a.Fragment, providerID); ok {
					providerID = alt
				}
			}
		}
	}
	return last
}

// backoff computes the exponential-with-jitter delay before retry attempt
// (1-indexed, the attempt that just failed) — spec.md §4.5: "base 200ms,
// factor 2, jitter ±20%".
func (s *Scheduler) backoff(attempt int, policy Policy) time.Duration {
	base := policy.BackoffBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	factor := policy.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	jitter := 1 + 0.2*s.randFloat()
	return time.Duration(d * jitter)
}

// attempt runs exactly one provider call under a per-fragment timeout.
func (s *Scheduler) attempt(ctx context.Context, fragment model.FragmentSpec, providerID string, timeout time.Duration) model.FragmentResult {
	client, ok := s.clients(providerID)
	if !ok {
		return model.FragmentResult{
			FragmentID: fragment.ID, ProviderID: providerID, Status: model.StatusProviderErr,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.clock.Now()
	result, err := client.Generate(callCtx, fragment.AnonymizedText, providerclient.Options{})
	latency := s.clock.Now().Sub(start)

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return model.FragmentResult{FragmentID: fragment.ID, ProviderID: providerID, Status: model.StatusTimeout, Latency: latency}
		}
		if ctx.Err() != nil {
			return model.FragmentResult{FragmentID: fragment.ID, ProviderID: providerID, Status: model.StatusCanceled, Latency: latency}
		}
		s.log.Warnf("dispatch_call", "fragment=%s provider=%s error=%v", fragment.ID, providerID, err)
		return model.FragmentResult{FragmentID: fragment.ID, ProviderID: providerID, Status: model.StatusProviderErr, Latency: latency}
	}

	return model.FragmentResult{
		FragmentID: fragment.ID,
		ProviderID: providerID,
		Status:     model.StatusOK,
		Response:   result.Text,
		TokensIn:   result.TokensIn,
		TokensOut:  result.TokensOut,
		Latency:    latency,
		Cost:       result.Cost,
	}
}
