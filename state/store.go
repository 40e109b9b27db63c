// Package state owns the deployment descriptor. All mutation goes through a
// single goroutine; readers get deep-copied snapshots.
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/copystructure"
	"github.com/rs/zerolog"

	"github.com/pushkin/deployer/api"
)

// maxCASAttempts bounds how often a write is re-applied after finding the
// file changed underneath it.
const maxCASAttempts = 5

var errClosed = errors.New("state store closed")

type request struct {
	mutate func(*api.Descriptor) error
	read   func(*api.Descriptor)
	reply  chan error
}

// Store serializes every descriptor mutation through one owner goroutine.
type Store struct {
	file   *File
	logger zerolog.Logger

	reqs chan request
	quit chan struct{}
	done chan struct{}

	// owned by the loop goroutine
	desc api.Descriptor
}

// Open loads the descriptor from file and starts the owner goroutine. A
// nil file keeps the descriptor in memory only.
func Open(file *File, logger zerolog.Logger) (*Store, error) {
	var desc api.Descriptor
	if file != nil {
		d, err := file.Read()
		if err != nil {
			return nil, err
		}
		desc = d
	}
	s := &Store{
		file:   file,
		logger: logger,
		reqs:   make(chan request),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		desc:   desc,
	}
	go s.loop()
	return s, nil
}

// NewMemory returns a store seeded with desc and no file behind it.
func NewMemory(desc api.Descriptor) *Store {
	s := &Store{
		logger: zerolog.Nop(),
		reqs:   make(chan request),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		desc:   mustCopy(desc),
	}
	go s.loop()
	return s
}

// Close stops the owner goroutine. Pending callers receive an error.
func (s *Store) Close() error {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
	return nil
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case req := <-s.reqs:
			if req.read != nil {
				req.read(&s.desc)
				req.reply <- nil
				continue
			}
			req.reply <- s.commit(req.mutate)
		case <-s.quit:
			return
		}
	}
}

func (s *Store) do(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return errClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.quit:
		return errClosed
	}
}

// Load returns a snapshot of the current descriptor.
func (s *Store) Load(ctx context.Context) (api.Descriptor, error) {
	var out api.Descriptor
	err := s.do(ctx, request{read: func(d *api.Descriptor) { out = mustCopy(*d) }})
	return out, err
}

// Snapshot is Load without cancellation. A closed store yields an empty
// descriptor.
func (s *Store) Snapshot() api.Descriptor {
	d, _ := s.Load(context.Background())
	return d
}

// Merge adds records to the descriptor. A record whose (kind, name) is
// already stored with the same external id refreshes status and
// attributes; a different external id is a *api.StateConflictError and
// nothing in the batch is written.
func (s *Store) Merge(ctx context.Context, recs ...api.ResourceRecord) error {
	return s.do(ctx, request{mutate: func(d *api.Descriptor) error {
		for _, rec := range recs {
			if cur, ok := d.Lookup(rec.Kind, rec.Name); ok && cur.ID != rec.ID {
				return &api.StateConflictError{Message: fmt.Sprintf(
					"%s %q is already recorded with id %q, refusing to overwrite with %q",
					rec.Kind, rec.Name, cur.ID, rec.ID)}
			}
		}
		for _, rec := range recs {
			d.Put(rec)
		}
		return nil
	}})
}

// Replace stores rec even when its external id changed, as after an
// in-place update that produced a new revision.
func (s *Store) Replace(ctx context.Context, rec api.ResourceRecord) error {
	return s.do(ctx, request{mutate: func(d *api.Descriptor) error {
		d.Put(rec)
		return nil
	}})
}

// Forget removes the record for (kind, name).
func (s *Store) Forget(ctx context.Context, kind api.Kind, name string) error {
	return s.do(ctx, request{mutate: func(d *api.Descriptor) error {
		d.Remove(kind, name)
		return nil
	}})
}

// SetIdentity fills the empty fields of the identity block.
func (s *Store) SetIdentity(ctx context.Context, id api.Identity) error {
	return s.do(ctx, request{mutate: func(d *api.Descriptor) error {
		fill(&d.Info.ProjName, id.ProjName)
		fill(&d.Info.AWSName, id.AWSName)
		fill(&d.Info.IAM, id.IAM)
		fill(&d.Info.Registry, id.Registry)
		fill(&d.Info.RootDomain, id.RootDomain)
		fill(&d.Info.Certificate, id.Certificate)
		if d.ClusterName == "" {
			d.ClusterName = d.Info.ClusterName()
		}
		return nil
	}})
}

// SetRootDomain overwrites the root domain, used to report the CDN domain
// when no custom domain was chosen.
func (s *Store) SetRootDomain(ctx context.Context, domain string) error {
	return s.do(ctx, request{mutate: func(d *api.Descriptor) error {
		d.Info.RootDomain = domain
		return nil
	}})
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// commit applies mutate to a copy of the descriptor and persists it with a
// revision compare-and-swap. When another writer changed the file, the
// fresh copy is loaded and mutate re-applied.
func (s *Store) commit(mutate func(*api.Descriptor) error) error {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		next := mustCopy(s.desc)
		if err := mutate(&next); err != nil {
			return err
		}
		next.DeriveDatabases()
		if s.file == nil {
			next.Revision = s.desc.Revision + 1
			s.desc = next
			return nil
		}

		disk, err := s.file.Read()
		if err != nil {
			return err
		}
		if disk.Revision != s.desc.Revision {
			s.logger.Warn().
				Int64("have", s.desc.Revision).
				Int64("disk", disk.Revision).
				Int("attempt", attempt).
				Msg("descriptor changed on disk, re-applying update")
			s.desc = disk
			continue
		}

		next.Revision = s.desc.Revision + 1
		if err := s.file.Write(next); err != nil {
			return err
		}
		s.desc = next
		return nil
	}
	return &api.StateConflictError{Message: fmt.Sprintf("descriptor %s kept changing after %d attempts", s.file.Path(), maxCASAttempts)}
}

func mustCopy(d api.Descriptor) api.Descriptor {
	c, err := copystructure.Copy(d)
	if err != nil {
		panic(fmt.Sprintf("copy descriptor: %v", err))
	}
	return c.(api.Descriptor)
}
