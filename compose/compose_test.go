package compose

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devCompose = `
version: "3.8"
services:
  api:
    image: api
    build: ./api
    ports: ["3000:3000"]
  quiz_worker:
    image: quiz_worker
    command: node start.js --queue quiz
    labels:
      isPushkinWorker: true
    environment:
      QUEUE: quiz
  survey_worker:
    image: survey_worker
    command: ["node", "start.js"]
    labels:
      - "isPushkinWorker=true"
      - "team=research"
    environment:
      - QUEUE=survey
      - EMPTY
  disabled_worker:
    labels:
      isPushkinWorker: "false"
  test_db:
    image: postgres:11
`

func TestParseFindsWorkersSorted(t *testing.T) {
	f, err := Parse([]byte(devCompose))
	require.NoError(t, err)
	require.Len(t, f.Services, 5)

	workers := f.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, "quiz_worker", workers[0].Name)
	assert.Equal(t, "survey_worker", workers[1].Name)

	assert.Equal(t, []string{"node", "start.js", "--queue", "quiz"}, workers[0].Command)
	assert.Equal(t, map[string]string{"QUEUE": "quiz"}, workers[0].Environment)

	assert.Equal(t, []string{"node", "start.js"}, workers[1].Command)
	assert.Equal(t, "research", workers[1].Labels["team"])
	assert.Equal(t, map[string]string{"QUEUE": "survey", "EMPTY": ""}, workers[1].Environment)
}

func TestImageDefaultsToServiceName(t *testing.T) {
	f, err := Parse([]byte(devCompose))
	require.NoError(t, err)
	assert.Equal(t, "disabled_worker", f.Services["disabled_worker"].Image)
	assert.Equal(t, "postgres:11", f.Services["test_db"].Image)
	assert.False(t, f.Services["disabled_worker"].IsWorker())
	assert.False(t, f.Services["api"].IsWorker())
}

func TestIsWorkerLabelValues(t *testing.T) {
	for v, want := range map[string]bool{"true": true, "True": true, " 1 ": true, "false": false, "yes": false, "": false} {
		s := Service{Labels: map[string]string{WorkerLabel: v}}
		assert.Equal(t, want, s.IsWorker(), "label value %q", v)
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("services: ["))
	assert.Error(t, err)

	_, err = Parse([]byte("services:\n  w:\n    labels: 3\n"))
	assert.ErrorContains(t, err, "service w: labels")

	_, err = Parse([]byte("services:\n  w:\n    environment:\n      - {a: b}\n"))
	assert.ErrorContains(t, err, "service w: environment")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docker-compose.dev.yml")
	require.NoError(t, os.WriteFile(path, []byte(devCompose), 0o644))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Workers(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestNoServices(t *testing.T) {
	f, err := Parse([]byte("version: '3'\n"))
	require.NoError(t, err)
	assert.Empty(t, f.Workers())
}
