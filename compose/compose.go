// Package compose reads the project's docker-compose file to discover the
// worker services that get their own task definitions.
package compose

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkerLabel marks a compose service as a deployable worker.
const WorkerLabel = "isPushkinWorker"

// DefaultPath is where the compose file lives in a project.
const DefaultPath = "pushkin/docker-compose.dev.yml"

// Service is one compose service.
type Service struct {
	Name        string
	Image       string
	Command     []string
	Labels      map[string]string
	Environment map[string]string
}

// IsWorker reports whether the service carries a true WorkerLabel.
func (s Service) IsWorker() bool {
	v, ok := s.Labels[WorkerLabel]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// File is a parsed compose file.
type File struct {
	Services map[string]Service
}

type rawFile struct {
	Services map[string]*rawService `yaml:"services"`
}

type rawService struct {
	Image       string      `yaml:"image"`
	Command     interface{} `yaml:"command"`     // string or []string
	Labels      interface{} `yaml:"labels"`      // map or ["k=v"]
	Environment interface{} `yaml:"environment"` // map or ["k=v"]
}

// Load reads and parses the compose file at path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	return Parse(b)
}

// Parse parses a compose document.
func Parse(data []byte) (*File, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse compose YAML: %w", err)
	}
	f := &File{Services: make(map[string]Service, len(raw.Services))}
	for name, rs := range raw.Services {
		if rs == nil {
			rs = &rawService{}
		}
		svc := Service{Name: name, Image: rs.Image}
		var err error
		if svc.Command, err = parseCommand(rs.Command); err != nil {
			return nil, fmt.Errorf("service %s: command: %w", name, err)
		}
		if svc.Labels, err = parsePairs(rs.Labels); err != nil {
			return nil, fmt.Errorf("service %s: labels: %w", name, err)
		}
		if svc.Environment, err = parsePairs(rs.Environment); err != nil {
			return nil, fmt.Errorf("service %s: environment: %w", name, err)
		}
		if svc.Image == "" {
			svc.Image = name
		}
		f.Services[name] = svc
	}
	return f, nil
}

// Workers returns the worker services sorted by name.
func (f *File) Workers() []Service {
	var out []Service
	for _, s := range f.Services {
		if s.IsWorker() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func parseCommand(v interface{}) ([]string, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(c), nil
	case []interface{}:
		out := make([]string, 0, len(c))
		for _, item := range c {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

// parsePairs accepts both compose spellings: a mapping, or a list of
// "key=value" strings. Scalar values such as booleans are kept as text.
func parsePairs(v interface{}) (map[string]string, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		out := make(map[string]string, len(p))
		for k, val := range p {
			if val == nil {
				out[k] = ""
				continue
			}
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	case []interface{}:
		out := make(map[string]string, len(p))
		for _, item := range p {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("entry %v is not a string", item)
			}
			k, val, _ := strings.Cut(s, "=")
			out[k] = val
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}
