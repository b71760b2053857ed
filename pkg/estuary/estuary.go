package estuary

// estuary means "mouth of river"
// Noun, the tidal mouth of a large river, where the tide meets the stream

// Loaders here deliver a run's write records to the destination named by
// the connection.

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cohenjo/cdcsync/pkg/metrics"
	"github.com/cohenjo/cdcsync/pkg/models"
)

// Loader writes one batch of write records for sync. Tombstones are
// delivered as deletes. Loading the same batch twice must be harmless.
type Loader interface {
	Load(ctx context.Context, sync *models.Sync, recs []*models.SyncWriteRecord) error
}

var logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "estuary").Logger()

// Registry maps destination integration types to loaders
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

func (r *Registry) Register(integration string, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[strings.ToLower(strings.TrimSpace(integration))] = loader
}

// For returns the loader of the destination endpoint
func (r *Registry) For(destination models.Endpoint) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[strings.ToLower(strings.TrimSpace(destination.IntegrationType))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedTarget, destination.IntegrationType)
	}
	return l, nil
}

func (r *Registry) Integrations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.loaders))
	for k := range r.loaders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DocumentID identifies the destination row of rec: its primary key
// signature, or its data signature when the sync has no primary key.
func DocumentID(rec *models.SyncWriteRecord) string {
	if pk := rec.PKSignature(); pk != "" {
		return pk
	}
	return rec.DataSignature
}

// Target is the destination table, index or topic suffix of sync
func Target(sync *models.Sync) string {
	if sync.DestinationTable != "" {
		return sync.DestinationTable
	}
	return sync.StreamName
}

func countLoaded(destination string, recs []*models.SyncWriteRecord) {
	for _, rec := range recs {
		metrics.LoadedRecords.WithLabelValues(destination, string(rec.Action)).Inc()
	}
}

// StdoutLoader logs each record; used for demos and dry runs
type StdoutLoader struct {
	Logger *zerolog.Logger
}

func (s StdoutLoader) Load(ctx context.Context, sync *models.Sync, recs []*models.SyncWriteRecord) error {
	l := logger
	if s.Logger != nil {
		l = *s.Logger
	}
	for _, rec := range recs {
		l.Info().
			Str("sync_id", sync.ID).
			Str("target", Target(sync)).
			Str("action", string(rec.Action)).
			Str("document_id", DocumentID(rec)).
			Interface("record", rec.Record).
			Msg("record")
	}
	countLoaded("stdout", recs)
	return nil
}
