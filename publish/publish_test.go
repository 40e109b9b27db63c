package publish

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushkin/deployer/cloud/cloudtest"
	"github.com/pushkin/deployer/topology"
)

type fakeEngine struct {
	mu        sync.Mutex
	builds    []types.ImageBuildOptions
	tags      [][2]string
	pushes    []string
	auths     []string
	buildOut  string
	pushOut   string
	pushErr   error
	contextSz int
}

func (e *fakeEngine) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	b, err := io.ReadAll(buildContext)
	if err != nil {
		return types.ImageBuildResponse{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contextSz = len(b)
	e.builds = append(e.builds, options)
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(e.buildOut))}, nil
}

func (e *fakeEngine) ImageTag(ctx context.Context, source, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tags = append(e.tags, [2]string{source, target})
	return nil
}

func (e *fakeEngine) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pushErr != nil {
		return nil, e.pushErr
	}
	e.pushes = append(e.pushes, ref)
	e.auths = append(e.auths, options.RegistryAuth)
	return io.NopCloser(strings.NewReader(e.pushOut)), nil
}

const repoURI = "123456789012.dkr.ecr.us-east-1.amazonaws.com/mystudy/api"

func buildDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM node:20\nCOPY . .\n"), 0o644))
	return dir
}

func TestPublishBuildsAndPushes(t *testing.T) {
	engine := &fakeEngine{
		buildOut: `{"stream":"Step 1/2 : FROM node:20\n"}{"stream":"Successfully built abc\n"}`,
		pushOut:  `{"status":"Pushing","id":"abc"}{"status":"latest: digest: sha256:00 size: 1"}`,
	}
	c := cloudtest.New()
	p := NewWithEngine(engine, c.Registry, zerolog.Nop())

	ref, err := p.Publish(context.Background(), topology.Service{Name: "api", BuildDir: buildDir(t)}, repoURI)
	require.NoError(t, err)
	assert.Equal(t, repoURI+":latest", ref)

	require.Len(t, engine.builds, 1)
	assert.Equal(t, []string{ref}, engine.builds[0].Tags)
	assert.True(t, engine.builds[0].Remove)
	assert.Positive(t, engine.contextSz)
	assert.Equal(t, []string{ref}, engine.pushes)

	raw, err := base64.URLEncoding.DecodeString(engine.auths[0])
	require.NoError(t, err)
	var auth registry.AuthConfig
	require.NoError(t, json.Unmarshal(raw, &auth))
	assert.Equal(t, "AWS", auth.Username)
	assert.Equal(t, "token", auth.Password)
	assert.Equal(t, c.Registry.Creds.ServerAddress, auth.ServerAddress)
}

func TestPublishTagsPrebuiltImage(t *testing.T) {
	engine := &fakeEngine{}
	p := NewWithEngine(engine, cloudtest.New().Registry, zerolog.Nop())

	ref, err := p.Publish(context.Background(), topology.Service{Name: "quiz_worker", Image: "quiz_worker"}, repoURI+":v3")
	require.NoError(t, err)
	assert.Equal(t, repoURI+":v3", ref)
	assert.Empty(t, engine.builds)
	assert.Equal(t, [][2]string{{"quiz_worker", ref}}, engine.tags)
	assert.Equal(t, []string{ref}, engine.pushes)
}

func TestPublishNeedsSource(t *testing.T) {
	p := NewWithEngine(&fakeEngine{}, cloudtest.New().Registry, zerolog.Nop())
	_, err := p.Publish(context.Background(), topology.Service{Name: "empty"}, repoURI)
	assert.ErrorContains(t, err, "neither a build directory nor an image")
}

func TestBuildErrorMessageFailsBuild(t *testing.T) {
	engine := &fakeEngine{
		buildOut: `{"stream":"Step 1/2 : FROM node:20\n"}{"errorDetail":{"message":"COPY failed: no such file"},"error":"COPY failed: no such file"}`,
	}
	p := NewWithEngine(engine, cloudtest.New().Registry, zerolog.Nop())

	_, err := p.Publish(context.Background(), topology.Service{Name: "api", BuildDir: buildDir(t)}, repoURI)
	assert.ErrorContains(t, err, "COPY failed: no such file")
	assert.Empty(t, engine.pushes)
}

func TestPushFailures(t *testing.T) {
	engine := &fakeEngine{pushOut: `{"errorDetail":{"message":"denied: not authorized"}}`}
	p := NewWithEngine(engine, cloudtest.New().Registry, zerolog.Nop())
	err := p.Push(context.Background(), repoURI+":latest", cloudtest.New().Registry.Creds)
	assert.ErrorContains(t, err, "denied: not authorized")

	engine = &fakeEngine{pushErr: errors.New("connection refused")}
	p = NewWithEngine(engine, cloudtest.New().Registry, zerolog.Nop())
	err = p.Push(context.Background(), repoURI+":latest", cloudtest.New().Registry.Creds)
	assert.ErrorContains(t, err, "connection refused")
}

func TestPublishRegistryError(t *testing.T) {
	c := cloudtest.New()
	c.Registry.Err = errors.New("expired token")
	engine := &fakeEngine{}
	p := NewWithEngine(engine, c.Registry, zerolog.Nop())

	_, err := p.Publish(context.Background(), topology.Service{Name: "w", Image: "w"}, repoURI)
	assert.ErrorContains(t, err, "expired token")
	assert.Empty(t, engine.pushes)
}

func TestMalformedStream(t *testing.T) {
	p := NewWithEngine(&fakeEngine{}, cloudtest.New().Registry, zerolog.Nop())
	err := p.drain(strings.NewReader(`{"stream":`), "x")
	assert.ErrorContains(t, err, "decode output")
}

func TestParseImageRef(t *testing.T) {
	tests := []struct {
		ref             string
		host, repo, tag string
	}{
		{"nginx", "registry-1.docker.io", "library/nginx", "latest"},
		{"nginx:1.25", "registry-1.docker.io", "library/nginx", "1.25"},
		{"org/app:v1", "registry-1.docker.io", "org/app", "v1"},
		{repoURI, "123456789012.dkr.ecr.us-east-1.amazonaws.com", "mystudy/api", "latest"},
		{"localhost:5000/app", "localhost:5000", "app", "latest"},
		{"localhost:5000/app:dev", "localhost:5000", "app", "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			host, repo, tag := parseImageRef(tt.ref)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.repo, repo)
			assert.Equal(t, tt.tag, tag)
		})
	}
}
