package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushkin/deployer/api"
	"github.com/pushkin/deployer/awscloud"
	"github.com/pushkin/deployer/compose"
	"github.com/pushkin/deployer/config"
	"github.com/pushkin/deployer/graph"
	"github.com/pushkin/deployer/migrate"
	"github.com/pushkin/deployer/poll"
	"github.com/pushkin/deployer/publish"
	"github.com/pushkin/deployer/reconcile"
	"github.com/pushkin/deployer/state"
	"github.com/pushkin/deployer/telemetry"
	"github.com/pushkin/deployer/topology"
)

// deployment is one command's wiring of the store, the AWS drivers and
// the graph machinery.
type deployment struct {
	cfg      config.Config
	logger   zerolog.Logger
	store    *state.Store
	cloud    *awscloud.Cloud
	metrics  *telemetry.Metrics
	builder  *topology.Builder
	executor *graph.Executor
	shutdown func(context.Context) error
}

func openStore(cfg config.Config, logger zerolog.Logger) (*state.Store, error) {
	return state.Open(state.NewFile(cfg.Descriptor), logger.With().Str("component", "state").Logger())
}

// newIdentity describes a project about to be initialized.
type newIdentity struct {
	projName    string
	certificate string
}

// openDeployment connects to AWS for the project recorded in store. When
// fresh is set and the descriptor has no identity yet, one is created and
// persisted.
func (o *rootOptions) openDeployment(ctx context.Context, store *state.Store, fresh *newIdentity) (*deployment, error) {
	cfg, logger := o.cfg, o.logger
	id := store.Snapshot().Info
	switch {
	case id.ProjName == "" && fresh == nil:
		return nil, fmt.Errorf("no deployment recorded in %s; run init first", cfg.Descriptor)
	case id.ProjName == "":
		id.ProjName = fresh.projName
	case fresh != nil && fresh.projName != id.ProjName:
		return nil, fmt.Errorf("%s already describes project %q", cfg.Descriptor, id.ProjName)
	}

	shutdown, err := telemetry.InitTracer(ctx, "pushkin-aws", version)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	clients, err := awscloud.NewClients(ctx, cfg.Region, cfg.Profile, cfg.EndpointURL)
	if err != nil {
		return nil, err
	}
	cl := awscloud.New(clients, awscloud.Options{
		ProjName:    id.ProjName,
		ClusterName: id.ClusterName(),
		Logger:      logger.With().Str("component", "aws").Logger(),
	})

	if id.AWSName == "" {
		caller, err := cl.Caller(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve AWS account: %w", err)
		}
		var certificate string
		if fresh != nil {
			certificate = fresh.certificate
		}
		id = api.NewIdentity(id.ProjName, caller.ARN, cl.RegistryHost(caller.Account), cfg.Domain, certificate)
		if err := store.SetIdentity(ctx, id); err != nil {
			return nil, err
		}
		logger.Info().Str("project", id.ProjName).Str("awsName", id.AWSName).Str("account", caller.Account).Msg("created project identity")
	}

	metrics := telemetry.NewMetrics()
	poller := poll.New(cfg.PollInterval, cfg.PollAttempts, logger.With().Str("component", "poll").Logger())
	rec := reconcile.New(cl.Provider, store, poller, logger.With().Str("component", "reconcile").Logger(),
		reconcile.WithRetry(cfg.RetryInitial, cfg.RetryTries),
		reconcile.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		reconcile.WithCallObserver(metrics),
	)

	return &deployment{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		cloud:   cl,
		metrics: metrics,
		builder: &topology.Builder{
			Resources: rec,
			Site:      cl.Site,
			Migrator:  &migrate.Shell{Command: cfg.MigrateCmd, Logger: logger.With().Str("component", "migrate").Logger()},
			Logger:    logger.With().Str("component", "topology").Logger(),
		},
		executor: &graph.Executor{
			MaxParallel: cfg.MaxParallel,
			Logger:      logger.With().Str("component", "graph").Logger(),
			Observer:    metrics,
		},
		shutdown: shutdown,
	}, nil
}

// withPublisher connects to the local container engine for image builds.
func (d *deployment) withPublisher() error {
	pub, err := publish.New(d.cloud.Registry, d.logger.With().Str("component", "publish").Logger())
	if err != nil {
		return err
	}
	d.builder.Publisher = pub
	return nil
}

// project lays out the current identity with the compose workers. A
// missing compose file means the project has no workers.
func (d *deployment) project() (topology.Project, error) {
	p := topology.Project{
		Identity:     d.store.Snapshot().Info,
		Region:       d.cfg.Region,
		SiteDir:      d.cfg.SiteDir,
		API:          topology.Service{Name: topology.APIService, BuildDir: d.cfg.APIDir},
		DesiredCount: int32(d.cfg.DesiredCount),
	}
	f, err := compose.Load(d.cfg.ComposeFile)
	if errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn().Str("path", d.cfg.ComposeFile).Msg("compose file not found, deploying without workers")
		return p, nil
	}
	if err != nil {
		return topology.Project{}, err
	}
	for _, w := range f.Workers() {
		p.Workers = append(p.Workers, topology.Service{
			Name:        w.Name,
			Image:       w.Image,
			Command:     w.Command,
			Environment: w.Environment,
		})
	}
	return p, nil
}

// run executes g and reports the run. The error is non-nil when any task
// failed or was skipped.
func (d *deployment) run(ctx context.Context, op string, g *graph.Graph) (*graph.Result, error) {
	start := time.Now()
	res, err := d.executor.Run(ctx, g)
	if err != nil {
		return nil, err
	}
	d.logger.Info().
		Str("op", op).
		Int("succeeded", len(res.Succeeded())).
		Int("failed", len(res.Failed())).
		Int("skipped", len(res.Skipped())).
		Dur("elapsed", time.Since(start)).
		Msg("run finished")
	if res.OK() {
		return res, nil
	}
	if err := res.Err(); err != nil {
		return res, err
	}
	return res, fmt.Errorf("%s interrupted: %d tasks skipped", op, len(res.Skipped()))
}

// close flushes telemetry. The store is closed by its opener.
func (d *deployment) close(job string) {
	if err := d.metrics.Push(d.cfg.MetricsPushURL, job); err != nil {
		d.logger.Warn().Err(err).Msg("failed to push metrics")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("failed to flush traces")
	}
}
