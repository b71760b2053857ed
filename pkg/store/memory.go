package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cohenjo/cdcsync/pkg/models"
)

type rowKey struct {
	readRecordID string
	rowIndex     int
}

// MemoryStore is an in-process Store. It honours the same ordering and
// idempotency rules as PostgresStore.
type MemoryStore struct {
	mu          sync.RWMutex
	connections map[string]*models.Connection
	syncs       map[string]*models.Sync
	runs        map[string]*models.SyncRun
	reads       map[string]*models.SyncReadRecord
	writes      []*models.SyncWriteRecord
	rows        map[rowKey]struct{}
	seq         int64
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: make(map[string]*models.Connection),
		syncs:       make(map[string]*models.Sync),
		runs:        make(map[string]*models.SyncRun),
		reads:       make(map[string]*models.SyncReadRecord),
		rows:        make(map[rowKey]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) SaveConnection(ctx context.Context, conn *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conn
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	c.UpdatedAt = m.now()
	m.connections[c.ID] = &c
	return nil
}

func (m *MemoryStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, models.ErrConnectionNotFound
	}
	out := *c
	return &out, nil
}

func (m *MemoryStore) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	if !ok {
		return models.ErrConnectionNotFound
	}
	c.Status = status
	c.StatusMessage = message
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SaveSync(ctx context.Context, s *models.Sync) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.SourceDefinedPrimaryKey = append([]string(nil), s.SourceDefinedPrimaryKey...)
	cp.UpdatedAt = m.now()
	m.syncs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSync(ctx context.Context, id string) (*models.Sync, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.syncs[id]
	if !ok {
		return nil, models.ErrSyncNotFound
	}
	out := *s
	return &out, nil
}

func (m *MemoryStore) ListSyncs(ctx context.Context, connectionID string) ([]*models.Sync, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Sync
	for _, s := range m.syncs {
		if s.ConnectionID == connectionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateSyncStatus(ctx context.Context, id string, status models.SyncStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.syncs[id]
	if !ok {
		return models.ErrSyncNotFound
	}
	s.Status = status
	s.StatusMessage = message
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return nil
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = m.now()
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*models.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	out := *r
	return &out, nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *models.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return models.ErrRunNotFound
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) PreviousCompletedRun(ctx context.Context, syncID, excludeRunID string) (*models.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *models.SyncRun
	for _, r := range m.runs {
		if r.SyncID != syncID || r.ID == excludeRunID || !r.ExtractionCompleted {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (m *MemoryStore) InsertReadRecord(ctx context.Context, rec *models.SyncReadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reads[rec.ID]; ok {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	cp := *rec
	m.reads[rec.ID] = &cp
	return nil
}

// ReadRecord returns a stored read record, or nil
func (m *MemoryStore) ReadRecord(id string) *models.SyncReadRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads[id]
}

func (m *MemoryStore) LatestDataSignatures(ctx context.Context, syncID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	for _, w := range m.latestLocked(syncID, nil) {
		if !w.IsTombstone() {
			out[w.PKSignature()] = w.DataSignature
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertWriteRecords(ctx context.Context, recs []*models.SyncWriteRecord) ([]*models.SyncWriteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := make([]*models.SyncWriteRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.SyncReadRecordID != "" && !rec.IsTombstone() {
			key := rowKey{rec.SyncReadRecordID, rec.RowIndex}
			if _, dup := m.rows[key]; dup {
				continue
			}
			m.rows[key] = struct{}{}
		}
		m.seq++
		rec.ID = m.seq
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = m.now()
		}
		cp := *rec
		m.writes = append(m.writes, &cp)
		inserted = append(inserted, rec)
	}
	return inserted, nil
}

func (m *MemoryStore) SignaturesWrittenInRun(ctx context.Context, syncID, runID string, sigs []string, actions []models.DestinationAction) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[string]struct{}, len(sigs))
	for _, s := range sigs {
		want[s] = struct{}{}
	}
	allowed := make(map[models.DestinationAction]struct{}, len(actions))
	for _, a := range actions {
		allowed[a] = struct{}{}
	}

	found := make(map[string]struct{})
	for _, w := range m.writes {
		if w.SyncID != syncID || w.SyncRunID != runID {
			continue
		}
		if _, ok := allowed[w.Action]; !ok {
			continue
		}
		if _, ok := want[w.PKSignature()]; ok {
			found[w.PKSignature()] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for s := range found {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) LatestBySignature(ctx context.Context, syncID string, sigs []string) ([]*models.SyncWriteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[string]struct{}, len(sigs))
	for _, s := range sigs {
		want[s] = struct{}{}
	}

	latest := m.latestLocked(syncID, want)
	out := make([]*models.SyncWriteRecord, 0, len(latest))
	for _, w := range latest {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PKSignature() < out[j].PKSignature() })
	return out, nil
}

func (m *MemoryStore) ListWriteRecords(ctx context.Context, runID string, afterID int64, limit int) ([]*models.SyncWriteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.SyncWriteRecord
	for _, w := range m.writes {
		if w.SyncRunID != runID || w.ID <= afterID {
			continue
		}
		cp := *w
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// WriteRecords returns every write record of a sync in insertion order
func (m *MemoryStore) WriteRecords(syncID string) []*models.SyncWriteRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.SyncWriteRecord
	for _, w := range m.writes {
		if w.SyncID == syncID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryStore) Close() {}

// latestLocked picks the newest record per primary key signature by
// (created_at, id). A nil filter means every signature.
func (m *MemoryStore) latestLocked(syncID string, filter map[string]struct{}) map[string]*models.SyncWriteRecord {
	latest := make(map[string]*models.SyncWriteRecord)
	for _, w := range m.writes {
		if w.SyncID != syncID || w.PrimaryKeySignature == nil {
			continue
		}
		sig := *w.PrimaryKeySignature
		if filter != nil {
			if _, ok := filter[sig]; !ok {
				continue
			}
		}
		cur, ok := latest[sig]
		if !ok || w.CreatedAt.After(cur.CreatedAt) || (w.CreatedAt.Equal(cur.CreatedAt) && w.ID > cur.ID) {
			latest[sig] = w
		}
	}
	return latest
}
