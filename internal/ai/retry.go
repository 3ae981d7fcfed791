package ai

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	mpkg "github.com/local/contractocr/internal/metrics"
)

// Retrying wraps a Client with bounded exponential-backoff retries on
// transient failures and records every attempt in the provider metrics.
// This is the only place remote judgment calls are repeated.
type Retrying struct {
	next     Client
	attempts int
	base     time.Duration
	maxWait  time.Duration
}

// WithRetry returns next wrapped with at most attempts calls in total.
func WithRetry(next Client, attempts int, base time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &Retrying{next: next, attempts: attempts, base: base, maxWait: 20 * base}
}

func (r *Retrying) Name() string { return r.next.Name() }

func (r *Retrying) Do(ctx context.Context, req Request) (Response, error) {
	var out Response
	attempt := 0
	op := func() error {
		attempt++
		start := time.Now()
		resp, err := r.next.Do(ctx, req)
		mpkg.ObserveBackend(r.next.Name(), req.Model, Outcome(err), time.Since(start))
		if err != nil {
			if ctx.Err() != nil || !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = resp
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.base
	eb.MaxInterval = r.maxWait
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.attempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		mpkg.IncRetry(r.next.Name())
		log.Warn().
			Err(err).
			Str("provider", r.next.Name()).
			Str("model", req.Model).
			Str("document_id", req.DocumentID).
			Str("page", req.Page).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("judgment call failed; retrying")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return Response{}, err
	}
	return out, nil
}
