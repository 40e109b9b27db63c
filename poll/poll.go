// Package poll waits for asynchronously provisioned resources.
package poll

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"

	"github.com/pushkin/deployer/api"
)

// Probe inspects a resource once. It reports ready=true when the resource
// can be used. Transient errors count as a not-ready attempt; any other
// error ends the wait.
type Probe func(ctx context.Context) (rec api.ResourceRecord, ready bool, err error)

// Poller probes at a fixed interval, at most MaxAttempts times.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Clock       clock.Clock
	Logger      zerolog.Logger
}

// New returns a Poller on the wall clock.
func New(interval time.Duration, maxAttempts int, logger zerolog.Logger) *Poller {
	return &Poller{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		Clock:       clock.NewClock(),
		Logger:      logger,
	}
}

// WaitUntilReady blocks until probe reports ready. The first probe runs
// immediately, so a resource ready on attempt k resolves after exactly k
// probes. After MaxAttempts failed probes it returns *api.TimeoutError
// without a trailing sleep.
func (p *Poller) WaitUntilReady(ctx context.Context, ref string, probe Probe) (api.ResourceRecord, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return api.ResourceRecord{}, err
		}
		rec, ready, err := probe(ctx)
		switch {
		case err == nil && ready:
			p.Logger.Debug().Str("resource", ref).Int("attempt", attempt).Msg("resource ready")
			return rec, nil
		case err != nil && !api.IsTransient(err):
			return api.ResourceRecord{}, err
		case err != nil:
			p.Logger.Debug().Err(err).Str("resource", ref).Int("attempt", attempt).Msg("probe failed, will retry")
		}

		if attempt >= attempts {
			return api.ResourceRecord{}, &api.TimeoutError{Resource: ref, Attempts: attempt}
		}

		timer := clk.NewTimer(p.Interval)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return api.ResourceRecord{}, ctx.Err()
		}
	}
}

// Until is WaitUntilReady for a condition that produces no record.
func (p *Poller) Until(ctx context.Context, ref string, cond func(ctx context.Context) (bool, error)) error {
	_, err := p.WaitUntilReady(ctx, ref, func(ctx context.Context) (api.ResourceRecord, bool, error) {
		ok, err := cond(ctx)
		return api.ResourceRecord{}, ok, err
	})
	return err
}
