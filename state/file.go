package state

import (
	"bytes"
	"fmt"
	"os"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/pushkin/deployer/api"
)

// DefaultPath is the descriptor file name in the project directory.
const DefaultPath = "pushkin-aws.yaml"

// File is the on-disk YAML descriptor.
type File struct {
	path string
}

// NewFile returns a handle on the descriptor at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Exists reports whether the file is present.
func (f *File) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Read parses the descriptor. A missing file yields an empty descriptor.
func (f *File) Read() (api.Descriptor, error) {
	var d api.Descriptor
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return d, nil
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return d, nil
}

// Write replaces the file atomically so readers never see a partial write.
func (f *File) Write(d api.Descriptor) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return atomicwriter.WriteFile(f.path, buf.Bytes(), 0o600)
}
