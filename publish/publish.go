// Package publish builds service images and pushes them to the project's
// container registry through the docker engine.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/rs/zerolog"

	"github.com/pushkin/deployer/cloud"
	"github.com/pushkin/deployer/topology"
)

// Engine is the part of the docker client a Publisher uses.
type Engine interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
}

// Publisher builds, tags and pushes images.
type Publisher struct {
	engine   Engine
	registry cloud.Registry
	logger   zerolog.Logger
}

var _ topology.Publisher = (*Publisher)(nil)

// New returns a Publisher on the docker engine configured by the
// environment (DOCKER_HOST and friends).
func New(reg cloud.Registry, logger zerolog.Logger) (*Publisher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewWithEngine(cli, reg, logger), nil
}

// NewWithEngine returns a Publisher on an existing engine client.
func NewWithEngine(engine Engine, reg cloud.Registry, logger zerolog.Logger) *Publisher {
	return &Publisher{engine: engine, registry: reg, logger: logger}
}

// Publish builds svc from its BuildDir, or tags its local Image, as
// repositoryURI:latest, pushes it and returns the pushed reference.
func (p *Publisher) Publish(ctx context.Context, svc topology.Service, repositoryURI string) (string, error) {
	host, repo, tag := parseImageRef(repositoryURI)
	ref := host + "/" + repo + ":" + tag

	switch {
	case svc.BuildDir != "":
		if err := p.Build(ctx, svc.BuildDir, ref); err != nil {
			return "", err
		}
	case svc.Image != "":
		if err := p.Tag(ctx, svc.Image, ref); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("service %s has neither a build directory nor an image", svc.Name)
	}

	creds, err := p.registry.Credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("registry credentials: %w", err)
	}
	if err := p.Push(ctx, ref, creds); err != nil {
		return "", err
	}
	return ref, nil
}

// Build builds the image in dir, tagged ref.
func (p *Publisher) Build(ctx context.Context, dir, ref string) error {
	if dir == "" || ref == "" {
		return fmt.Errorf("build needs a directory and a tag")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	p.logger.Info().Str("dir", dir).Str("image", ref).Msg("building image")
	resp, err := p.engine.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{ref},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	if err := p.drain(resp.Body, ref); err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	return nil
}

// Tag gives the local image src the reference ref.
func (p *Publisher) Tag(ctx context.Context, src, ref string) error {
	if err := p.engine.ImageTag(ctx, src, ref); err != nil {
		return fmt.Errorf("tag %s as %s: %w", src, ref, err)
	}
	return nil
}

// Push pushes ref with creds.
func (p *Publisher) Push(ctx context.Context, ref string, creds cloud.RegistryCredentials) error {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.ServerAddress,
	})
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}

	p.logger.Info().Str("image", ref).Msg("pushing image")
	rc, err := p.engine.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("docker push %s: %w", ref, err)
	}
	defer rc.Close()
	if err := p.drain(rc, ref); err != nil {
		return fmt.Errorf("docker push %s: %w", ref, err)
	}
	return nil
}

type jsonMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m jsonMessage) errorMessage() string {
	if s := strings.TrimSpace(m.Error); s != "" {
		return s
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

// drain consumes a docker JSON message stream, failing on the first error
// message.
func (p *Publisher) drain(r io.Reader, ref string) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode output: %w", err)
		}
		if e := msg.errorMessage(); e != "" {
			return fmt.Errorf("%s", e)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			p.logger.Debug().Str("image", ref).Msg(line)
		} else if msg.Status != "" {
			p.logger.Debug().Str("image", ref).Str("layer", msg.ID).Msg(msg.Status)
		}
	}
}

// parseImageRef splits an image reference into registry, repository, and tag.
func parseImageRef(ref string) (host, repo, tag string) {
	tag = "latest"
	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		// A colon before the last slash belongs to a registry port.
		if after := ref[idx+1:]; !strings.Contains(after, "/") {
			tag = after
			ref = ref[:idx]
		}
	}

	if strings.Contains(ref, ".") || strings.Contains(ref, ":") {
		if parts := strings.SplitN(ref, "/", 2); len(parts) == 2 {
			return parts[0], parts[1], tag
		}
	}

	host = "registry-1.docker.io"
	if !strings.Contains(ref, "/") {
		repo = "library/" + ref
	} else {
		repo = ref
	}
	return host, repo, tag
}
