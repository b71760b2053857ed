// Package connectors holds the source side contracts read by the
// extraction activities and the in-process reference readers.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// PageResult is one page read from a paginated source
type PageResult struct {
	Records    []models.Record
	TotalPages int
}

// PageReader reads API-style sources one page at a time. Page numbers
// start at 1 and TotalPages is reported with every page.
type PageReader interface {
	ReadPage(ctx context.Context, sync *models.Sync, page int) (*PageResult, error)
}

// BatchReader reads database-style sources in full, handing batches of at
// most batchSize rows to fn in a stable order. An error from fn stops the
// read and is returned.
type BatchReader interface {
	ReadBatches(ctx context.Context, sync *models.Sync, batchSize int, fn func(batch []models.Record) error) error
}

// Registry maps endpoint integration types to readers
type Registry struct {
	mu      sync.RWMutex
	pages   map[string]PageReader
	batches map[string]BatchReader
}

func NewRegistry() *Registry {
	return &Registry{
		pages:   make(map[string]PageReader),
		batches: make(map[string]BatchReader),
	}
}

func key(integration string) string {
	return strings.ToLower(strings.TrimSpace(integration))
}

func (r *Registry) RegisterPageReader(integration string, reader PageReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[key(integration)] = reader
}

func (r *Registry) RegisterBatchReader(integration string, reader BatchReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[key(integration)] = reader
}

// PageReader returns the page reader for the source endpoint
func (r *Registry) PageReader(source models.Endpoint) (PageReader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reader, ok := r.pages[key(source.IntegrationType)]
	if !ok {
		return nil, fmt.Errorf("%w: no page reader for %q", models.ErrUnsupportedSource, source.IntegrationType)
	}
	return reader, nil
}

// BatchReader returns the batch reader for the source endpoint
func (r *Registry) BatchReader(source models.Endpoint) (BatchReader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reader, ok := r.batches[key(source.IntegrationType)]
	if !ok {
		return nil, fmt.Errorf("%w: no batch reader for %q", models.ErrUnsupportedSource, source.IntegrationType)
	}
	return reader, nil
}

// Integrations lists every registered integration type
func (r *Registry) Integrations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range r.pages {
		seen[k] = struct{}{}
	}
	for k := range r.batches {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
