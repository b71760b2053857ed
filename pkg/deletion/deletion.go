// Package deletion infers rows removed at the source by diffing the
// primary key signatures seen by a run against the previous completed run,
// and appends delete write records for them.
package deletion

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/cdcsync/pkg/metrics"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/sigcache"
	"github.com/cohenjo/cdcsync/pkg/store"
)

// DefaultBatchSize bounds the signatures per store lookup
const DefaultBatchSize = 1000

// touchedActions are the write actions that exclude a signature from
// deletion when already recorded against the current run
var touchedActions = []models.DestinationAction{
	models.DestinationActionCreate,
	models.DestinationActionInsert,
	models.DestinationActionDelete,
}

// Store is what the detector needs from the record store
type Store interface {
	PreviousCompletedRun(ctx context.Context, syncID, excludeRunID string) (*models.SyncRun, error)
	SignaturesWrittenInRun(ctx context.Context, syncID, runID string, sigs []string, actions []models.DestinationAction) ([]string, error)
	LatestBySignature(ctx context.Context, syncID string, sigs []string) ([]*models.SyncWriteRecord, error)
	InsertWriteRecords(ctx context.Context, recs []*models.SyncWriteRecord) ([]*models.SyncWriteRecord, error)
}

var _ Store = (store.Store)(nil)

// Result summarizes one deletion pass
type Result struct {
	Skipped        bool   `json:"skipped"`
	Reason         string `json:"reason,omitempty"`
	PreviousRunID  string `json:"previous_run_id,omitempty"`
	Candidates     int    `json:"candidates"`
	TouchedInRun   int    `json:"touched_in_run"`
	AlreadyDeleted int    `json:"already_deleted"`
	Tombstones     int    `json:"tombstones"`
}

// Detector emits tombstones for vanished rows
type Detector struct {
	store     Store
	cache     sigcache.Cache
	batchSize int
}

func NewDetector(st Store, cache sigcache.Cache, batchSize int) *Detector {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Detector{store: st, cache: cache, batchSize: batchSize}
}

// Detect runs the deletion pass for run. Syncs without a primary key and
// runs without a completed predecessor produce no writes.
func (d *Detector) Detect(ctx context.Context, sync *models.Sync, run *models.SyncRun) (*Result, error) {
	logger := log.With().Str("sync_id", sync.ID).Str("run_id", run.ID).Logger()

	if !sync.HasPrimaryKey() {
		logger.Debug().Msg("Skipping deletion detection, no primary key")
		return &Result{Skipped: true, Reason: models.ErrMissingPrimaryKey.Error()}, nil
	}

	prev, err := d.store.PreviousCompletedRun(ctx, sync.ID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("find previous completed run: %w", err)
	}
	if prev == nil {
		logger.Debug().Msg("Skipping deletion detection, no previous completed run")
		return &Result{Skipped: true, Reason: "no previous completed run"}, nil
	}

	deleted, err := d.cache.Difference(ctx, sigcache.RunKey(sync.ID, prev.ID), sigcache.RunKey(sync.ID, run.ID))
	if err != nil {
		return nil, fmt.Errorf("diff signature sets: %w", err)
	}
	sort.Strings(deleted)

	result := &Result{PreviousRunID: prev.ID, Candidates: len(deleted)}
	for start := 0; start < len(deleted); start += d.batchSize {
		end := start + d.batchSize
		if end > len(deleted) {
			end = len(deleted)
		}
		if err := d.processBatch(ctx, sync, run, deleted[start:end], result); err != nil {
			return nil, err
		}
	}

	metrics.Tombstones.Add(float64(result.Tombstones))
	logger.Info().
		Str("previous_run_id", prev.ID).
		Int("candidates", result.Candidates).
		Int("touched_in_run", result.TouchedInRun).
		Int("already_deleted", result.AlreadyDeleted).
		Int("tombstones", result.Tombstones).
		Msg("Deletion detection finished")

	return result, nil
}

func (d *Detector) processBatch(ctx context.Context, sync *models.Sync, run *models.SyncRun, batch []string, result *Result) error {
	touched, err := d.store.SignaturesWrittenInRun(ctx, sync.ID, run.ID, batch, touchedActions)
	if err != nil {
		return fmt.Errorf("look up signatures written in run: %w", err)
	}
	result.TouchedInRun += len(touched)

	skip := make(map[string]struct{}, len(touched))
	for _, sig := range touched {
		skip[sig] = struct{}{}
	}
	remaining := make([]string, 0, len(batch)-len(touched))
	for _, sig := range batch {
		if _, ok := skip[sig]; !ok {
			remaining = append(remaining, sig)
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	latest, err := d.store.LatestBySignature(ctx, sync.ID, remaining)
	if err != nil {
		return fmt.Errorf("load latest versions: %w", err)
	}

	tombstones := make([]*models.SyncWriteRecord, 0, len(latest))
	for _, rec := range latest {
		if rec.IsTombstone() {
			result.AlreadyDeleted++
			continue
		}
		tombstones = append(tombstones, Tombstone(rec, run.ID))
	}
	if len(tombstones) == 0 {
		return nil
	}

	inserted, err := d.store.InsertWriteRecords(ctx, tombstones)
	if err != nil {
		return fmt.Errorf("insert tombstones: %w", err)
	}
	result.Tombstones += len(inserted)
	return nil
}

// Tombstone builds the delete version of rec for runID. The payload is a
// copy carrying the deletion marker.
func Tombstone(rec *models.SyncWriteRecord, runID string) *models.SyncWriteRecord {
	payload := make(models.Record, len(rec.Record)+1)
	for k, v := range rec.Record {
		payload[k] = v
	}
	payload[models.DeletedMarkerField] = true

	var pk *string
	if rec.PrimaryKeySignature != nil {
		sig := *rec.PrimaryKeySignature
		pk = &sig
	}

	return &models.SyncWriteRecord{
		SyncID:              rec.SyncID,
		SyncRunID:           runID,
		PrimaryKeySignature: pk,
		DataSignature:       rec.DataSignature,
		Action:              models.DestinationActionDelete,
		Record:              payload,
	}
}
