// Package cloud defines the control-plane surface the deployer drives.
// Implementations live in awscloud and, for tests, cloudtest.
package cloud

import (
	"context"
	"fmt"
	"sort"

	"github.com/pushkin/deployer/api"
)

// Driver manages every resource of one kind.
//
// Find matches an existing resource by the provider's naming convention.
// Describe returns a *api.NotFoundError once the resource is gone.
// Delete may return api.ErrDeleteInProgress, in which case the caller
// invokes it again later.
type Driver interface {
	Kind() api.Kind
	Find(ctx context.Context, name string) (api.ResourceRecord, bool, error)
	Create(ctx context.Context, name string, spec api.Spec) (api.ResourceRecord, error)
	Describe(ctx context.Context, rec api.ResourceRecord) (api.ResourceRecord, error)
	Delete(ctx context.Context, rec api.ResourceRecord) error
}

// Updater is implemented by drivers whose resources can be revised in place.
type Updater interface {
	Update(ctx context.Context, rec api.ResourceRecord, spec api.Spec) (api.ResourceRecord, error)
}

// SiteUploader syncs a directory of static files into a bucket.
type SiteUploader interface {
	UploadSite(ctx context.Context, bucket, dir string) (int, error)
}

// RegistryCredentials are short-lived push credentials for the image registry.
type RegistryCredentials struct {
	Username      string
	Password      string
	ServerAddress string
}

// Registry issues push credentials.
type Registry interface {
	Credentials(ctx context.Context) (RegistryCredentials, error)
}

// Provider resolves the driver for a resource kind.
type Provider struct {
	drivers map[api.Kind]Driver
}

// NewProvider indexes drivers by their kind. Later drivers replace earlier
// ones of the same kind.
func NewProvider(drivers ...Driver) *Provider {
	p := &Provider{drivers: make(map[api.Kind]Driver, len(drivers))}
	for _, d := range drivers {
		p.drivers[d.Kind()] = d
	}
	return p
}

// Driver returns the driver for kind.
func (p *Provider) Driver(kind api.Kind) (Driver, error) {
	d, ok := p.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("no driver registered for %s", kind)
	}
	return d, nil
}

// Kinds returns the registered kinds in sorted order.
func (p *Provider) Kinds() []api.Kind {
	kinds := make([]api.Kind, 0, len(p.drivers))
	for k := range p.drivers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
