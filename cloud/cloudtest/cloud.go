package cloudtest

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
)

// AllKinds lists every kind the deployer manages.
var AllKinds = []api.Kind{
	api.KindCertificate, api.KindVPC, api.KindSubnets, api.KindSecurityGroup,
	api.KindDatabase, api.KindBroker, api.KindLogGroup, api.KindRole,
	api.KindRepository, api.KindTaskDefinition, api.KindCluster,
	api.KindTargetGroup, api.KindLoadBalancer, api.KindListener,
	api.KindService, api.KindBucket, api.KindDistribution,
	api.KindHostedZone, api.KindRecordSet,
}

// Cloud is a set of fake drivers sharing one event log.
type Cloud struct {
	log   *eventLog
	fakes map[api.Kind]*Fake

	Site     *Site
	Registry *Registry
}

// New returns fakes for kinds, or for every kind when none are given.
func New(kinds ...api.Kind) *Cloud {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	c := &Cloud{
		log:      &eventLog{},
		fakes:    make(map[api.Kind]*Fake, len(kinds)),
		Site:     &Site{},
		Registry: &Registry{Creds: cloud.RegistryCredentials{Username: "AWS", Password: "token", ServerAddress: "123456789012.dkr.ecr.us-east-1.amazonaws.com"}},
	}
	for _, k := range kinds {
		c.fakes[k] = newFake(k, c.log)
	}
	return c
}

// Fake returns the fake driver for kind.
func (c *Cloud) Fake(kind api.Kind) *Fake {
	return c.fakes[kind]
}

// Provider wraps every fake in a cloud.Provider.
func (c *Cloud) Provider() *cloud.Provider {
	drivers := make([]cloud.Driver, 0, len(c.fakes))
	for _, f := range c.fakes {
		drivers = append(drivers, f)
	}
	return cloud.NewProvider(drivers...)
}

// SetLatency applies fn to every fake.
func (c *Cloud) SetLatency(fn func() time.Duration) {
	for _, f := range c.fakes {
		f.Latency = fn
	}
}

// RandomLatency returns a latency source uniformly distributed in [0, max).
func RandomLatency(max time.Duration) func() time.Duration {
	return func() time.Duration {
		if max <= 0 {
			return 0
		}
		return time.Duration(rand.Int64N(int64(max)))
	}
}

// Calls sums op across every fake.
func (c *Cloud) Calls(op string) int {
	n := 0
	for _, f := range c.fakes {
		n += f.Calls(op)
	}
	return n
}

// Events returns every create, update and delete in completion order.
func (c *Cloud) Events() []Event {
	return c.log.snapshot()
}

// Deleted returns the refs deleted so far, in order.
func (c *Cloud) Deleted() []api.Ref {
	var out []api.Ref
	for _, e := range c.log.snapshot() {
		if e.Op == OpDelete {
			out = append(out, e.Ref)
		}
	}
	return out
}

// Site records uploads instead of performing them.
type Site struct {
	mu      sync.Mutex
	Uploads []string
	Files   int
	Err     error
}

func (s *Site) UploadSite(ctx context.Context, bucket, dir string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	s.Uploads = append(s.Uploads, bucket+":"+dir)
	return s.Files, nil
}

// Registry hands out fixed credentials.
type Registry struct {
	Creds cloud.RegistryCredentials
	Err   error
}

func (r *Registry) Credentials(ctx context.Context) (cloud.RegistryCredentials, error) {
	return r.Creds, r.Err
}
