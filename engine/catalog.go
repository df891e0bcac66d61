// ABOUTME: Worker catalog mapping worker kind names to external service endpoints.
// ABOUTME: Loaded once from YAML at process start; the compiler uses it to validate worker nodes.
package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkerKind describes one registered external worker service.
type WorkerKind struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Description string `yaml:"description,omitempty"`
}

// WorkerCatalog resolves worker kind names to endpoints. It is immutable
// after load and safe for concurrent use.
type WorkerCatalog struct {
	kinds map[string]WorkerKind
}

// catalogFile is the on-disk YAML shape:
//
//	workers:
//	  - name: transcode
//	    url: http://transcoder.internal/jobs
type catalogFile struct {
	Workers []WorkerKind `yaml:"workers"`
}

// LoadWorkerCatalog reads a catalog YAML file.
func LoadWorkerCatalog(path string) (*WorkerCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse worker catalog: %w", err)
	}

	c := &WorkerCatalog{kinds: make(map[string]WorkerKind, len(file.Workers))}
	for _, w := range file.Workers {
		if w.Name == "" || w.URL == "" {
			return nil, fmt.Errorf("worker catalog entry missing name or url: %+v", w)
		}
		if _, dup := c.kinds[w.Name]; dup {
			return nil, fmt.Errorf("duplicate worker kind %q in catalog", w.Name)
		}
		c.kinds[w.Name] = w
	}
	return c, nil
}

// NewWorkerCatalog builds a catalog from a list of kinds; used by tests and
// embedded deployments that do not read a file.
func NewWorkerCatalog(kinds ...WorkerKind) *WorkerCatalog {
	c := &WorkerCatalog{kinds: make(map[string]WorkerKind, len(kinds))}
	for _, w := range kinds {
		c.kinds[w.Name] = w
	}
	return c
}

// Known reports whether the kind is registered. Satisfies graph.KindSet.
func (c *WorkerCatalog) Known(kind string) bool {
	if c == nil {
		return false
	}
	_, ok := c.kinds[kind]
	return ok
}

// Resolve returns the registered kind, if any.
func (c *WorkerCatalog) Resolve(kind string) (WorkerKind, bool) {
	if c == nil {
		return WorkerKind{}, false
	}
	w, ok := c.kinds[kind]
	return w, ok
}
