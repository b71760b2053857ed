// Package dedup turns one extracted page or batch into versioned write
// records, skipping exact duplicates of what is already stored for the
// sync, and records every seen primary key into the run's signature set.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/cdcsync/pkg/metrics"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/sigcache"
	"github.com/cohenjo/cdcsync/pkg/signature"
	"github.com/cohenjo/cdcsync/pkg/store"
)

// Input is one extracted unit to deduplicate
type Input struct {
	Sync                *models.Sync
	RunID               string
	ReadRecordID        string
	Records             []models.Record
	DestinationCategory models.EndpointCategory
}

// Result counts what happened to each record of the input
type Result struct {
	Persisted  int `json:"persisted"`
	Duplicates int `json:"duplicates"`
	NoIdentity int `json:"no_identity"`
	Replayed   int `json:"replayed"` // already written by an earlier attempt of the same unit
}

// Processor deduplicates extracted records against the record store
type Processor struct {
	store store.RecordStore
	cache sigcache.Cache
	ttl   time.Duration
}

func NewProcessor(st store.RecordStore, cache sigcache.Cache, ttl time.Duration) *Processor {
	if ttl <= 0 {
		ttl = sigcache.DefaultTTL
	}
	return &Processor{store: st, cache: cache, ttl: ttl}
}

// ActionFor is the write action used for new versions sent to category
func ActionFor(category models.EndpointCategory) models.DestinationAction {
	if category.IsRelational() {
		return models.DestinationActionInsert
	}
	return models.DestinationActionCreate
}

// Process persists the records of in that are new or changed. The stored
// snapshot is read once; rows repeated inside the batch collapse to one
// version.
func (p *Processor) Process(ctx context.Context, in Input) (*Result, error) {
	if in.Sync == nil {
		return nil, fmt.Errorf("dedup: sync is required")
	}
	syncID := in.Sync.ID
	logger := log.With().Str("sync_id", syncID).Str("run_id", in.RunID).Str("read_record_id", in.ReadRecordID).Logger()

	latest, err := p.store.LatestDataSignatures(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("load existing signatures: %w", err)
	}

	action := ActionFor(in.DestinationCategory)
	result := &Result{}
	seen := make([]string, 0, len(in.Records))
	writes := make([]*models.SyncWriteRecord, 0, len(in.Records))

	for i, rec := range in.Records {
		pk := signature.PrimaryKeySignature(rec, in.Sync.SourceDefinedPrimaryKey, syncID)
		if pk == nil {
			result.NoIdentity++
			continue
		}
		seen = append(seen, *pk)

		data, err := signature.DataSignature(rec, syncID)
		if err != nil {
			return nil, models.NewSyncError(models.ErrorKindValidation, syncID, in.RunID,
				fmt.Errorf("record %d of %s: %w", i, in.ReadRecordID, err))
		}

		if prev, ok := latest[*pk]; ok && prev == data {
			result.Duplicates++
			continue
		}
		latest[*pk] = data

		writes = append(writes, &models.SyncWriteRecord{
			SyncID:              syncID,
			SyncRunID:           in.RunID,
			SyncReadRecordID:    in.ReadRecordID,
			RowIndex:            i,
			PrimaryKeySignature: pk,
			DataSignature:       data,
			Action:              action,
			Record:              rec,
		})
	}

	if len(writes) > 0 {
		inserted, err := p.store.InsertWriteRecords(ctx, writes)
		if err != nil {
			return nil, fmt.Errorf("insert write records: %w", err)
		}
		result.Persisted = len(inserted)
		result.Replayed = len(writes) - len(inserted)
	}

	if len(seen) > 0 {
		if err := p.cache.Add(ctx, sigcache.RunKey(syncID, in.RunID), seen, p.ttl); err != nil {
			return nil, fmt.Errorf("record seen signatures: %w", err)
		}
	}

	metrics.DedupRecords.WithLabelValues("persisted").Add(float64(result.Persisted))
	metrics.DedupRecords.WithLabelValues("duplicate").Add(float64(result.Duplicates + result.Replayed))
	metrics.DedupRecords.WithLabelValues("no_identity").Add(float64(result.NoIdentity))

	logger.Debug().
		Int("records", len(in.Records)).
		Int("persisted", result.Persisted).
		Int("duplicates", result.Duplicates).
		Int("replayed", result.Replayed).
		Int("no_identity", result.NoIdentity).
		Msg("Deduplicated batch")

	return result, nil
}
