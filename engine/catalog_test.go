// ABOUTME: Tests for loading and resolving the worker catalog.
package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadWorkerCatalog(t *testing.T) {
	path := writeCatalog(t, `workers:
  - name: transcode
    url: http://transcoder.internal/jobs
    description: media transcoding
  - name: summarize
    url: http://summarizer.internal/jobs
`)

	c, err := LoadWorkerCatalog(path)
	if err != nil {
		t.Fatalf("LoadWorkerCatalog failed: %v", err)
	}

	if !c.Known("transcode") || !c.Known("summarize") {
		t.Error("catalog is missing a declared kind")
	}
	if c.Known("ghost") {
		t.Error("catalog reports an undeclared kind")
	}
	w, ok := c.Resolve("transcode")
	if !ok || w.URL != "http://transcoder.internal/jobs" {
		t.Errorf("Resolve(transcode) = %+v, %v", w, ok)
	}
}

func TestLoadWorkerCatalogRejectsDuplicates(t *testing.T) {
	path := writeCatalog(t, `workers:
  - name: transcode
    url: http://a
  - name: transcode
    url: http://b
`)
	if _, err := LoadWorkerCatalog(path); err == nil {
		t.Error("duplicate kind accepted")
	}
}

func TestLoadWorkerCatalogRejectsMissingURL(t *testing.T) {
	path := writeCatalog(t, `workers:
  - name: transcode
`)
	if _, err := LoadWorkerCatalog(path); err == nil {
		t.Error("entry without url accepted")
	}
}

func TestNilCatalogIsSafe(t *testing.T) {
	var c *WorkerCatalog
	if c.Known("anything") {
		t.Error("nil catalog knows a kind")
	}
	if _, ok := c.Resolve("anything"); ok {
		t.Error("nil catalog resolved a kind")
	}
}
