// Package topology builds the provisioning graphs of a project: the full
// deployment for init, the redeploy for update and the mirror-image
// teardown for armageddon.
package topology

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/cloud"
	"github.com/pushkin/deployer/graph"
)

// Task ids of the fixed part of the graph.
const (
	TaskCertificate   = "certificate"
	TaskVPC           = "vpc"
	TaskSubnets       = "subnets"
	TaskDatabaseGroup = "sg-database"
	TaskBalancerGroup = "sg-balancer"
	TaskClusterGroup  = "sg-cluster"
	TaskBrokerGroup   = "sg-broker"
	TaskMainDB        = "db-main"
	TaskTransactionDB = "db-transaction"
	TaskMigrations    = "migrations"
	TaskBroker        = "broker"
	TaskLogGroup      = "log-group"
	TaskExecutionRole = "execution-role"
	TaskDefinitions   = "definitions"
	TaskCluster       = "cluster"
	TaskTargetGroup   = "target-group"
	TaskLoadBalancer  = "load-balancer"
	TaskHTTPListener  = "listener-http"
	TaskHTTPSListener = "listener-https"
	TaskBucket        = "bucket"
	TaskSiteSync      = "site-sync"
	TaskDistribution  = "distribution"
	TaskHostedZone    = "hosted-zone"
	TaskDNS           = "dns"
	TaskAPIDNS        = "dns-api"
)

// RepositoryTask is the id of the task owning a service's image repository.
func RepositoryTask(svc string) string { return "repo:" + svc }

// PublishTask is the id of the task building and pushing a service image.
func PublishTask(svc string) string { return "publish:" + svc }

// TaskDefinitionTask is the id of the task registering a service's task
// definition.
func TaskDefinitionTask(svc string) string { return "taskdef:" + svc }

// ServiceTask is the id of the task running a service on the cluster.
func ServiceTask(svc string) string { return "service:" + svc }

// Service is one container image of the project.
type Service struct {
	Name string
	// BuildDir is built from source when set; otherwise the local Image is
	// tagged and pushed.
	BuildDir    string
	Image       string
	Command     []string
	Environment map[string]string
}

// Project is everything needed to lay out a deployment.
type Project struct {
	Identity     api.Identity
	Region       string
	SiteDir      string
	API          Service
	Workers      []Service
	DesiredCount int32
}

// Validate checks the project before a graph is built from it.
func (p Project) Validate() error {
	if p.Identity.ProjName == "" || p.Identity.AWSName == "" {
		return fmt.Errorf("project identity is incomplete")
	}
	if api.Sanitize(p.Identity.ProjName) == "" {
		return fmt.Errorf("project name %q has no usable characters", p.Identity.ProjName)
	}
	if p.API.Name != APIService {
		return fmt.Errorf("api service must be named %q", APIService)
	}
	seen := map[string]bool{APIService: true}
	for _, w := range p.Workers {
		key := strings.ToLower(api.Sanitize(w.Name))
		if key == "" {
			return fmt.Errorf("worker %q has no usable name", w.Name)
		}
		if seen[key] {
			return fmt.Errorf("service name %q is used twice", w.Name)
		}
		seen[key] = true
	}
	return nil
}

func (p Project) services() []Service {
	return append([]Service{p.API}, p.Workers...)
}

// Resources is the reconciler surface the tasks drive.
type Resources interface {
	Reconcile(ctx context.Context, kind api.Kind, name string, spec api.Spec) (api.ResourceRecord, error)
	Ensure(ctx context.Context, kind api.Kind, name string, spec api.Spec) (api.ResourceRecord, error)
	Refresh(ctx context.Context, kind api.Kind, name string, spec api.Spec) (api.ResourceRecord, error)
	Remove(ctx context.Context, kind api.Kind, name string) error
}

// Publisher builds or tags a service image and pushes it to repositoryURI,
// returning the pushed reference.
type Publisher interface {
	Publish(ctx context.Context, svc Service, repositoryURI string) (string, error)
}

// Migrator runs the experiment database migrations.
type Migrator interface {
	Migrate(ctx context.Context, dbs map[string]api.Database) error
}

// Builder lays out the graphs of a project.
type Builder struct {
	Resources Resources
	Site      cloud.SiteUploader
	Publisher Publisher
	Migrator  Migrator
	Logger    zerolog.Logger
	// Secret generates database and broker passwords.
	Secret func() string
}

type mode int

const (
	modeInit mode = iota
	modeUpdate
)

// plan is a graph plus the resources each task owns, used for teardown.
type plan struct {
	g     *graph.Graph
	owned map[string][]api.Ref
}

func (pl *plan) add(id string, kind api.Kind, deps []string, run graph.TaskFunc, owns ...api.Ref) {
	pl.g.Add(graph.Task{ID: id, Kind: kind, Deps: deps, Run: run})
	if len(owns) > 0 {
		pl.owned[id] = owns
	}
}

// Init returns the full deployment graph.
func (b *Builder) Init(p Project) (*graph.Graph, error) {
	return b.build(p, modeInit)
}

// Update returns the redeploy graph. Images and the site are
// republished and task definitions and services are revised in place.
func (b *Builder) Update(p Project) (*graph.Graph, error) {
	return b.build(p, modeUpdate)
}

func (b *Builder) build(p Project, m mode) (*graph.Graph, error) {
	pl, err := b.plan(p, m)
	if err != nil {
		return nil, err
	}
	return pl.g, pl.g.Validate()
}

func (b *Builder) plan(p Project, m mode) (*plan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	pl := &plan{g: graph.New(), owned: make(map[string][]api.Ref)}
	t := &tasks{Builder: b, p: p, names: NamesFor(p.Identity), mode: m}
	t.network(pl)
	t.data(pl)
	t.images(pl)
	t.compute(pl)
	t.site(pl)
	t.dns(pl)
	return pl, nil
}

func (b *Builder) secret() string {
	if b.Secret != nil {
		return b.Secret()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func ref(kind api.Kind, name string) api.Ref {
	return api.Ref{Kind: kind, Name: name}
}

func need(in graph.Inputs, id string) (api.ResourceRecord, error) {
	rec, ok := in.Record(id)
	if !ok {
		return api.ResourceRecord{}, fmt.Errorf("no output from %s", id)
	}
	return rec, nil
}

func one(rec api.ResourceRecord, err error) ([]api.ResourceRecord, error) {
	if err != nil {
		return nil, err
	}
	return []api.ResourceRecord{rec}, nil
}
