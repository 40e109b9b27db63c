// Package cloudtest provides an in-memory control plane with controllable
// latency and failures.
package cloudtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

// Operation names counted by Fake.
const (
	OpFind     = "find"
	OpCreate   = "create"
	OpDescribe = "describe"
	OpDelete   = "delete"
	OpUpdate   = "update"
)

// Event is one completed mutating call, in global order.
type Event struct {
	Op  string
	Ref api.Ref
	At  time.Time
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(op string, ref api.Ref) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Op: op, Ref: ref, At: time.Now()})
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Fake is an in-memory Driver for one kind.
type Fake struct {
	kind api.Kind
	log  *eventLog

	mu        sync.Mutex
	resources map[string]api.ResourceRecord
	calls     map[string]int
	describes map[string]int
	deletes   map[string]int
	revisions map[string]int

	// Latency returns the delay applied to every call. Nil means none.
	Latency func() time.Duration
	// ReadyAfter is how many Describe calls a new resource reports pending.
	ReadyAfter int
	// Fail is consulted before every call; a non-nil result is returned as is.
	Fail func(op, name string) error
	// Attributes builds the attributes of a created resource.
	Attributes func(name string, spec api.Spec) map[string]string
	// ID builds the external id of a created resource. Defaults to the name.
	ID func(name string, spec api.Spec) string
	// DeletePending is how many Delete calls answer api.ErrDeleteInProgress.
	DeletePending int
}

var (
	_ cloud.Driver  = (*Fake)(nil)
	_ cloud.Updater = (*Fake)(nil)
)

// NewFake returns an empty fake driver for kind.
func NewFake(kind api.Kind) *Fake {
	return newFake(kind, &eventLog{})
}

func newFake(kind api.Kind, log *eventLog) *Fake {
	return &Fake{
		kind:      kind,
		log:       log,
		resources: make(map[string]api.ResourceRecord),
		calls:     make(map[string]int),
		describes: make(map[string]int),
		deletes:   make(map[string]int),
		revisions: make(map[string]int),
	}
}

func (f *Fake) Kind() api.Kind { return f.kind }

// Seed stores rec as an existing provider-side resource.
func (f *Fake) Seed(rec api.ResourceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Kind = f.kind
	if rec.Status == "" {
		rec.Status = api.StatusAvailable
	}
	f.resources[rec.Name] = rec
}

// Has reports whether a resource with the logical name exists.
func (f *Fake) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.resources[name]
	return ok
}

// Len returns the number of existing resources.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resources)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(ctx context.Context, op, name string) error {
	f.mu.Lock()
	f.calls[op]++
	latency, fail := f.Latency, f.Fail
	f.mu.Unlock()

	if latency != nil {
		if d := latency(); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if fail != nil {
		if err := fail(op, name); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) Find(ctx context.Context, name string) (api.ResourceRecord, bool, error) {
	if err := f.enter(ctx, OpFind, name); err != nil {
		return api.ResourceRecord{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.resources[name]
	return rec, ok, nil
}

func (f *Fake) Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error) {
	if err := f.enter(ctx, OpCreate, name); err != nil {
		return api.ResourceRecord{}, err
	}
	if f.kind.LookupOnly() {
		return api.ResourceRecord{}, &api.ValidationError{Kind: f.kind, Reason: "resource must already exist"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[name]; ok {
		return api.ResourceRecord{}, &api.ConflictError{Message: fmt.Sprintf("%s %s already exists", f.kind, name)}
	}
	id := name
	if f.ID != nil {
		id = f.ID(name, spec)
	}
	rec := api.ResourceRecord{Kind: f.kind, Name: name, ID: id, Status: api.StatusAvailable}
	if f.ReadyAfter > 0 {
		rec.Status = api.StatusPending
	}
	if f.Attributes != nil {
		rec.Attributes = f.Attributes(name, spec)
	}
	f.resources[name] = rec
	f.log.add(OpCreate, rec.Ref())
	return rec, nil
}

func (f *Fake) Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error) {
	if err := f.enter(ctx, OpDescribe, rec.Name); err != nil {
		return api.ResourceRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.resources[rec.Name]
	if !ok || cur.ID != rec.ID {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: string(f.kind), ID: rec.ID}
	}
	if cur.Status == api.StatusPending {
		f.describes[rec.Name]++
		if f.describes[rec.Name] >= f.ReadyAfter {
			cur.Status = api.StatusAvailable
			f.resources[rec.Name] = cur
		}
	}
	return cur, nil
}

func (f *Fake) Delete(ctx context.Context, rec api.ResourceRecord) error {
	if err := f.enter(ctx, OpDelete, rec.Name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.resources[rec.Name]
	if !ok || cur.ID != rec.ID {
		return &api.NotFoundError{Resource: string(f.kind), ID: rec.ID}
	}
	if f.deletes[rec.Name] < f.DeletePending {
		f.deletes[rec.Name]++
		return api.ErrDeleteInProgress
	}
	delete(f.resources, rec.Name)
	f.log.add(OpDelete, rec.Ref())
	return nil
}

func (f *Fake) Update(ctx context.Context, rec api.ResourceRecord, spec api.Spec) (api.ResourceRecord, error) {
	if err := f.enter(ctx, OpUpdate, rec.Name); err != nil {
		return api.ResourceRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.resources[rec.Name]
	if !ok {
		return api.ResourceRecord{}, &api.NotFoundError{Resource: string(f.kind), ID: rec.ID}
	}
	f.revisions[rec.Name]++
	rev := f.revisions[rec.Name] + 1
	if f.Attributes != nil {
		cur.Attributes = f.Attributes(rec.Name, spec)
	}
	cur = cur.WithAttr(api.AttrRevision, fmt.Sprint(rev))
	if f.kind == api.KindTaskDefinition {
		cur.ID = fmt.Sprintf("%s:%d", rec.Name, rev)
	}
	f.resources[rec.Name] = cur
	f.log.add(OpUpdate, cur.Ref())
	return cur, nil
}
