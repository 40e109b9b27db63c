// Package reconcile maps desired resources onto existing or newly created
// external resources, idempotently.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
	"github.com/pushkin/deployer/poll"
)

// Store is the descriptor state the reconciler reads and writes through.
type Store interface {
	Snapshot() api.Descriptor
	Merge(ctx context.Context, recs ...api.ResourceRecord) error
	Replace(ctx context.Context, rec api.ResourceRecord) error
	Forget(ctx context.Context, kind api.Kind, name string) error
}

// CallObserver is told about every control-plane call.
type CallObserver interface {
	ObserveCall(kind, op string, err error)
}

// Reconciler implements get-or-adopt-or-create for every resource kind.
type Reconciler struct {
	provider *cloud.Provider
	store    Store
	poller   *poll.Poller
	logger   zerolog.Logger

	limiter  *rate.Limiter
	observer CallObserver
	group    singleflight.Group

	retryInitial  time.Duration
	retryMaxTries uint
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithRateLimit caps control-plane calls per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Reconciler) {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetry sets the first backoff interval and the total number of tries
// for transient errors.
func WithRetry(initial time.Duration, maxTries uint) Option {
	return func(r *Reconciler) {
		r.retryInitial = initial
		r.retryMaxTries = maxTries
	}
}

// WithCallObserver reports every control-plane call to o.
func WithCallObserver(o CallObserver) Option {
	return func(r *Reconciler) { r.observer = o }
}

// New returns a Reconciler. The poller bounds every readiness and deletion
// wait.
func New(provider *cloud.Provider, store Store, poller *poll.Poller, logger zerolog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		provider:      provider,
		store:         store,
		poller:        poller,
		logger:        logger,
		retryInitial:  500 * time.Millisecond,
		retryMaxTries: 5,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Descriptor returns a snapshot of the current descriptor.
func (r *Reconciler) Descriptor() api.Descriptor {
	return r.store.Snapshot()
}

// Reconcile returns the record for (kind, name). A record already in the
// descriptor is returned unchanged with no control-plane calls. Otherwise
// an existing resource is adopted by name, or one is created from spec.
// Adopted and created records are persisted before Reconcile returns.
func (r *Reconciler) Reconcile(ctx context.Context, kind api.Kind, name string, spec api.Spec) (api.ResourceRecord, error) {
	d := r.store.Snapshot()
	if rec, ok := d.Lookup(kind, name); ok {
		r.logger.Debug().Str("kind", string(kind)).Str("name", name).Msg("using recorded resource")
		return rec, nil
	}
	rec, err := r.adoptOrCreate(ctx, kind, name, spec)
	if err != nil {
		return api.ResourceRecord{}, &api.ResourceError{Kind: kind, Name: name, Err: err}
	}
	return rec, nil
}

func (r *Reconciler) adoptOrCreate(ctx context.Context, kind api.Kind, name string, spec api.Spec) (api.ResourceRecord, error) {
	if spec == nil {
		return api.ResourceRecord{}, &api.ValidationError{Kind: kind, Reason: "no desired spec"}
	}
	if spec.Kind() != kind {
		return api.ResourceRecord{}, &api.ValidationError{Kind: kind, Reason: fmt.Sprintf("spec is for %s", spec.Kind())}
	}
	if err := spec.Validate(); err != nil {
		return api.ResourceRecord{}, err
	}
	drv, err := r.provider.Driver(kind)
	if err != nil {
		return api.ResourceRecord{}, err
	}

	if rec, found, err := r.find(ctx, drv, name); err != nil {
		return api.ResourceRecord{}, err
	} else if found {
		return r.persist(ctx, rec, "adopted existing resource")
	}

	rec, err := retry(ctx, r, kind, "create", func() (api.ResourceRecord, error) {
		return drv.Create(ctx, name, spec)
	})
	if api.IsConflict(err) {
		r.logger.Info().Str("kind", string(kind)).Str("name", name).Msg("resource exists remotely, adopting")
		adopted, found, ferr := r.find(ctx, drv, name)
		if ferr != nil {
			return api.ResourceRecord{}, ferr
		}
		if !found {
			return api.ResourceRecord{}, fmt.Errorf("create reported a conflict but no resource matches: %w", err)
		}
		return r.persist(ctx, adopted, "adopted existing resource")
	}
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return r.persist(ctx, rec, "created resource")
}

func (r *Reconciler) persist(ctx context.Context, rec api.ResourceRecord, msg string) (api.ResourceRecord, error) {
	if err := r.store.Merge(ctx, rec); err != nil {
		return api.ResourceRecord{}, fmt.Errorf("persist: %w", err)
	}
	r.logger.Info().Str("kind", string(rec.Kind)).Str("name", rec.Name).Str("id", rec.ID).Msg(msg)
	return rec, nil
}

type findResult struct {
	rec   api.ResourceRecord
	found bool
}

// find collapses concurrent lookups of the same resource into one call.
func (r *Reconciler) find(ctx context.Context, drv cloud.Driver, name string) (api.ResourceRecord, bool, error) {
	kind := drv.Kind()
	v, err, _ := r.group.Do(string(kind)+"/"+name, func() (any, error) {
		return retry(ctx, r, kind, "find", func() (findResult, error) {
			rec, found, err := drv.Find(ctx, name)
			return findResult{rec, found}, err
		})
	})
	if err != nil {
		return api.ResourceRecord{}, false, err
	}
	res := v.(findResult)
	if res.found {
		res.rec.Kind = kind
		res.rec.Name = name
	}
	return res.rec, res.found, nil
}

// Await blocks until rec reports available, merging the ready record.
// Already-available records return immediately.
func (r *Reconciler) Await(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	switch rec.Status {
	case api.StatusAvailable, "":
		return rec, nil
	case api.StatusFailed:
		return api.ResourceRecord{}, &api.ResourceError{Kind: rec.Kind, Name: rec.Name,
			Err: &api.ProvisioningFailedError{Resource: string(rec.Kind), ID: rec.ID, Status: string(rec.Status)}}
	}
	drv, err := r.provider.Driver(rec.Kind)
	if err != nil {
		return api.ResourceRecord{}, err
	}

	r.logger.Info().Str("kind", string(rec.Kind)).Str("name", rec.Name).Msg("waiting for resource to become available")
	ready, err := r.poller.WaitUntilReady(ctx, rec.Ref().String(), func(ctx context.Context) (api.ResourceRecord, bool, error) {
		cur, err := r.call(ctx, rec.Kind, "describe", func() (api.ResourceRecord, error) {
			return drv.Describe(ctx, rec)
		})
		if err != nil {
			return api.ResourceRecord{}, false, err
		}
		switch cur.Status {
		case api.StatusAvailable:
			return cur, true, nil
		case api.StatusFailed:
			return api.ResourceRecord{}, false, &api.ProvisioningFailedError{Resource: string(rec.Kind), ID: rec.ID, Status: cur.Attr(api.AttrProviderStatus)}
		}
		return cur, false, nil
	})
	if err != nil {
		return api.ResourceRecord{}, &api.ResourceError{Kind: rec.Kind, Name: rec.Name, Err: err}
	}

	ready.Kind, ready.Name, ready.ID = rec.Kind, rec.Name, rec.ID
	ready.Attributes = mergeAttrs(rec.Attributes, ready.Attributes)
	if _, err := r.persist(ctx, ready, "resource available"); err != nil {
		return api.ResourceRecord{}, &api.ResourceError{Kind: rec.Kind, Name: rec.Name, Err: err}
	}
	return ready, nil
}

// Ensure reconciles and then waits for availability.
func (r *Reconciler) Ensure(ctx context.Context, kind api.Kind, name string, spec api.Spec) (api.ResourceRecord, error) {
	rec, err := r.Reconcile(ctx, kind, name, spec)
	if err != nil {
		return api.ResourceRecord{}, err
	}
	return r.Await(ctx, rec)
}

// Refresh revises a recorded resource in place when its driver supports
// updates, replacing the stored record. Unrecorded resources are
// reconciled instead.
func (r *Reconciler) Refresh(ctx context.Context, kind api.Kind, name string, spec api.Spec) (api.ResourceRecord, error) {
	cur, ok := r.store.Snapshot().Lookup(kind, name)
	if !ok {
		return r.Reconcile(ctx, kind, name, spec)
	}
	wrap := func(err error) error { return &api.ResourceError{Kind: kind, Name: name, Err: err} }

	drv, err := r.provider.Driver(kind)
	if err != nil {
		return api.ResourceRecord{}, wrap(err)
	}
	up, ok := drv.(cloud.Updater)
	if !ok {
		return cur, nil
	}
	if spec == nil {
		return api.ResourceRecord{}, wrap(&api.ValidationError{Kind: kind, Reason: "no desired spec"})
	}
	if err := spec.Validate(); err != nil {
		return api.ResourceRecord{}, wrap(err)
	}
	next, err := retry(ctx, r, kind, "update", func() (api.ResourceRecord, error) {
		return up.Update(ctx, cur, spec)
	})
	if err != nil {
		return api.ResourceRecord{}, wrap(err)
	}
	next.Kind, next.Name = kind, name
	next.Attributes = mergeAttrs(cur.Attributes, next.Attributes)
	if err := r.store.Replace(ctx, next); err != nil {
		return api.ResourceRecord{}, wrap(fmt.Errorf("persist: %w", err))
	}
	r.logger.Info().Str("kind", string(kind)).Str("name", name).Str("id", next.ID).Msg("updated resource")
	return next, nil
}

// Remove deletes (kind, name) and forgets it once the provider reports it
// gone. A resource absent both locally and remotely is a no-op. Lookup
// kinds are only forgotten.
func (r *Reconciler) Remove(ctx context.Context, kind api.Kind, name string) error {
	if err := r.remove(ctx, kind, name); err != nil {
		return &api.ResourceError{Kind: kind, Name: name, Err: err}
	}
	return nil
}

func (r *Reconciler) remove(ctx context.Context, kind api.Kind, name string) error {
	if kind.LookupOnly() {
		return r.store.Forget(ctx, kind, name)
	}
	drv, err := r.provider.Driver(kind)
	if err != nil {
		return err
	}
	rec, ok := r.store.Snapshot().Lookup(kind, name)
	if !ok {
		var found bool
		rec, found, err = r.find(ctx, drv, name)
		if err != nil {
			return err
		}
		if !found {
			r.logger.Debug().Str("kind", string(kind)).Str("name", name).Msg("nothing to delete")
			return nil
		}
	}

	ref := rec.Ref().String()
	r.logger.Info().Str("kind", string(kind)).Str("name", name).Str("id", rec.ID).Msg("deleting resource")
	err = r.poller.Until(ctx, ref, func(ctx context.Context) (bool, error) {
		_, err := retry(ctx, r, kind, "delete", func() (struct{}, error) {
			return struct{}{}, drv.Delete(ctx, rec)
		})
		switch {
		case err == nil, api.IsNotFound(err):
			return true, nil
		case errors.Is(err, api.ErrDeleteInProgress):
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return err
	}

	err = r.poller.Until(ctx, ref, func(ctx context.Context) (bool, error) {
		_, err := r.call(ctx, kind, "describe", func() (api.ResourceRecord, error) {
			return drv.Describe(ctx, rec)
		})
		if api.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
	if err != nil {
		return err
	}
	return r.store.Forget(ctx, kind, name)
}

// call runs one control-plane operation under the rate limit.
func (r *Reconciler) call(ctx context.Context, kind api.Kind, op string, fn func() (api.ResourceRecord, error)) (api.ResourceRecord, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return api.ResourceRecord{}, err
		}
	}
	rec, err := fn()
	if r.observer != nil {
		r.observer.ObserveCall(string(kind), op, err)
	}
	return rec, err
}

// retry runs fn under the rate limit, retrying transient errors with
// exponential backoff. Every other error is returned immediately.
func retry[T any](ctx context.Context, r *Reconciler, kind api.Kind, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, backoff.Permanent(err)
			}
		}
		v, err := fn()
		if r.observer != nil {
			r.observer.ObserveCall(string(kind), op, err)
		}
		if err != nil && !api.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("kind", string(kind)).Str("op", op).Int("attempt", attempt).Msg("transient control-plane error, retrying")
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.retryMaxTries))
}

func mergeAttrs(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
