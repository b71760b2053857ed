package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/sigcache"
	"github.com/cohenjo/cdcsync/pkg/signature"
	"github.com/cohenjo/cdcsync/pkg/store"
)

func testSync() *models.Sync {
	return &models.Sync{
		ID:                      "sync-1",
		ConnectionID:            "conn-1",
		StreamName:              "users",
		Mode:                    models.SyncModeIncrementalDedup,
		SourceDefinedPrimaryKey: []string{"id"},
	}
}

func setup() (*Processor, *store.MemoryStore, *sigcache.MemoryCache) {
	st := store.NewMemoryStore()
	cache := sigcache.NewMemoryCache()
	return NewProcessor(st, cache, time.Hour), st, cache
}

func input(runID string, page int, records ...models.Record) Input {
	return Input{
		Sync:                testSync(),
		RunID:               runID,
		ReadRecordID:        store.ReadRecordID(runID, "page", page),
		Records:             records,
		DestinationCategory: models.EndpointCategoryDatabase,
	}
}

func TestProcess_IdempotentAcrossRuns(t *testing.T) {
	p, st, _ := setup()
	ctx := context.Background()
	rec := models.Record{"id": 1, "name": "ada"}

	res, err := p.Process(ctx, input("run-1", 1, rec))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Persisted)

	res, err = p.Process(ctx, input("run-2", 1, models.Record{"name": "ada", "id": 1}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Persisted)
	assert.Equal(t, 1, res.Duplicates)

	writes := st.WriteRecords("sync-1")
	require.Len(t, writes, 1)
	assert.Equal(t, models.DestinationActionInsert, writes[0].Action)
}

func TestProcess_ReplayWithStaleSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	cache := sigcache.NewMemoryCache()
	p := NewProcessor(staleStore{st}, cache, time.Hour)
	ctx := context.Background()
	in := input("run-1", 3, models.Record{"id": 1, "v": "a"}, models.Record{"id": 2, "v": "b"})

	first, err := p.Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Persisted)

	// the snapshot never reflects the first attempt, as after a partial commit
	again, err := p.Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Persisted)
	assert.Equal(t, 2, again.Replayed)
	assert.Len(t, st.WriteRecords("sync-1"), 2)
}

func TestProcess_Versioning(t *testing.T) {
	p, st, _ := setup()
	ctx := context.Background()

	_, err := p.Process(ctx, input("run-1", 1, models.Record{"id": 1, "v": "a"}))
	require.NoError(t, err)
	_, err = p.Process(ctx, input("run-2", 1, models.Record{"id": 1, "v": "b"}))
	require.NoError(t, err)

	writes := st.WriteRecords("sync-1")
	require.Len(t, writes, 2)
	assert.Equal(t, writes[0].PKSignature(), writes[1].PKSignature())
	assert.NotEqual(t, writes[0].DataSignature, writes[1].DataSignature)
	for _, w := range writes {
		assert.False(t, w.IsTombstone())
	}
}

func TestProcess_RevertIsANewVersion(t *testing.T) {
	p, st, _ := setup()
	ctx := context.Background()

	for i, v := range []string{"a", "b", "a"} {
		runID := []string{"run-1", "run-2", "run-3"}[i]
		res, err := p.Process(ctx, input(runID, 1, models.Record{"id": 7, "v": v}))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Persisted, "run %s", runID)
	}
	assert.Len(t, st.WriteRecords("sync-1"), 3)
}

func TestProcess_InBatchDuplicatesCollapse(t *testing.T) {
	p, st, _ := setup()

	res, err := p.Process(context.Background(), input("run-1", 1,
		models.Record{"id": 1, "v": "a"},
		models.Record{"v": "a", "id": 1},
		models.Record{"id": 2, "v": "a"},
	))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Len(t, st.WriteRecords("sync-1"), 2)
}

func TestProcess_SeenSetAndNoIdentity(t *testing.T) {
	p, st, cache := setup()
	ctx := context.Background()

	_, err := p.Process(ctx, input("run-1", 1, models.Record{"id": 1}))
	require.NoError(t, err)

	res, err := p.Process(ctx, input("run-2", 1,
		models.Record{"id": 1},
		models.Record{"id": 2},
		models.Record{"name": "no key"},
		models.Record{"id": nil},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 2, res.NoIdentity)

	key := sigcache.RunKey("sync-1", "run-2")
	members, err := cache.Members(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		*signature.PrimaryKeySignature(models.Record{"id": 1}, []string{"id"}, "sync-1"),
		*signature.PrimaryKeySignature(models.Record{"id": 2}, []string{"id"}, "sync-1"),
	}, members)
	assert.InDelta(t, time.Hour.Seconds(), cache.TTL(key).Seconds(), 5)

	for _, w := range st.WriteRecords("sync-1") {
		assert.NotNil(t, w.PrimaryKeySignature)
	}
}

func TestProcess_ActionByDestination(t *testing.T) {
	tests := []struct {
		category models.EndpointCategory
		expected models.DestinationAction
	}{
		{models.EndpointCategoryDatabase, models.DestinationActionInsert},
		{models.EndpointCategoryDataWarehouse, models.DestinationActionInsert},
		{models.EndpointCategoryAPI, models.DestinationActionCreate},
		{"", models.DestinationActionCreate},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			p, st, _ := setup()
			in := input("run-1", 1, models.Record{"id": 1})
			in.DestinationCategory = tt.category

			_, err := p.Process(context.Background(), in)
			require.NoError(t, err)
			writes := st.WriteRecords("sync-1")
			require.Len(t, writes, 1)
			assert.Equal(t, tt.expected, writes[0].Action)
		})
	}
}

func TestProcess_UnencodableRecordIsValidationError(t *testing.T) {
	p, _, _ := setup()
	_, err := p.Process(context.Background(), input("run-1", 1, models.Record{"id": 1, "bad": make(chan int)}))
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}

// staleStore never reports existing signatures
type staleStore struct {
	store.RecordStore
}

func (staleStore) LatestDataSignatures(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}
