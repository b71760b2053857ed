package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/cdcsync/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresConfig holds connection settings for the record store
type PostgresConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and makes sure the tables exist
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initializeSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("postgres record store ready")
	return s, nil
}

func (s *PostgresStore) initializeSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create record store tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) SaveConnection(ctx context.Context, conn *models.Connection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections (id, name, status, source, destination, schedule, status_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, status = EXCLUDED.status, source = EXCLUDED.source,
			destination = EXCLUDED.destination, schedule = EXCLUDED.schedule,
			status_message = EXCLUDED.status_message, updated_at = now()`,
		conn.ID, conn.Name, string(conn.Status), conn.Source, conn.Destination, conn.Schedule, conn.StatusMessage)
	if err != nil {
		return fmt.Errorf("failed to save connection %s: %w", conn.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var c models.Connection
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, status, source, destination, schedule, status_message, created_at, updated_at
		FROM connections WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &status, &c.Source, &c.Destination, &c.Schedule, &c.StatusMessage, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", id, err)
	}
	c.Status = models.ConnectionStatus(status)
	return &c, nil
}

func (s *PostgresStore) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections SET status = $2, status_message = $3, updated_at = now() WHERE id = $1`,
		id, string(status), message)
	if err != nil {
		return fmt.Errorf("failed to update connection %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConnectionNotFound
	}
	return nil
}

func (s *PostgresStore) SaveSync(ctx context.Context, sync *models.Sync) error {
	pk := sync.SourceDefinedPrimaryKey
	if pk == nil {
		pk = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syncs (id, connection_id, stream_name, sync_mode, status, source_schema,
			destination_table, mapping, source_defined_primary_key, cursor_field, current_cursor, status_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			stream_name = EXCLUDED.stream_name, sync_mode = EXCLUDED.sync_mode, status = EXCLUDED.status,
			source_schema = EXCLUDED.source_schema, destination_table = EXCLUDED.destination_table,
			mapping = EXCLUDED.mapping, source_defined_primary_key = EXCLUDED.source_defined_primary_key,
			cursor_field = EXCLUDED.cursor_field, current_cursor = EXCLUDED.current_cursor,
			status_message = EXCLUDED.status_message, updated_at = now()`,
		sync.ID, sync.ConnectionID, sync.StreamName, string(sync.Mode), string(sync.Status), sync.SourceSchema,
		sync.DestinationTable, sync.Mapping, pk, sync.CursorField, sync.CurrentCursor, sync.StatusMessage)
	if err != nil {
		return fmt.Errorf("failed to save sync %s: %w", sync.ID, err)
	}
	return nil
}

const syncColumns = `id, connection_id, stream_name, sync_mode, status, source_schema, destination_table,
	mapping, source_defined_primary_key, cursor_field, current_cursor, status_message, updated_at`

func scanSync(row pgx.Row) (*models.Sync, error) {
	var sync models.Sync
	var mode, status string
	err := row.Scan(&sync.ID, &sync.ConnectionID, &sync.StreamName, &mode, &status, &sync.SourceSchema,
		&sync.DestinationTable, &sync.Mapping, &sync.SourceDefinedPrimaryKey, &sync.CursorField,
		&sync.CurrentCursor, &sync.StatusMessage, &sync.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sync.Mode = models.SyncMode(mode)
	sync.Status = models.SyncStatus(status)
	return &sync, nil
}

func (s *PostgresStore) GetSync(ctx context.Context, id string) (*models.Sync, error) {
	sync, err := scanSync(s.pool.QueryRow(ctx, `SELECT `+syncColumns+` FROM syncs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrSyncNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync %s: %w", id, err)
	}
	return sync, nil
}

func (s *PostgresStore) ListSyncs(ctx context.Context, connectionID string) ([]*models.Sync, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+syncColumns+` FROM syncs WHERE connection_id = $1 ORDER BY id`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncs of %s: %w", connectionID, err)
	}
	defer rows.Close()

	var out []*models.Sync
	for rows.Next() {
		sync, err := scanSync(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync: %w", err)
		}
		out = append(out, sync)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSyncStatus(ctx context.Context, id string, status models.SyncStatus, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE syncs SET status = $2, status_message = $3, updated_at = now() WHERE id = $1`,
		id, string(status), message)
	if err != nil {
		return fmt.Errorf("failed to update sync %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSyncNotFound
	}
	return nil
}

const runColumns = `id, sync_id, connection_id, status, current_page, total_pages, extraction_completed,
	total_records, total_batches, workflow_id, workflow_run_id, error, created_at, finished_at`

func scanRun(row pgx.Row) (*models.SyncRun, error) {
	var run models.SyncRun
	var status string
	err := row.Scan(&run.ID, &run.SyncID, &run.ConnectionID, &status, &run.CurrentPage, &run.TotalPages,
		&run.ExtractionCompleted, &run.TotalRecords, &run.TotalBatches, &run.WorkflowID, &run.WorkflowRunID,
		&run.Error, &run.CreatedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	run.Status = models.SyncRunStatus(status)
	return &run, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.SyncRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, sync_id, connection_id, status, workflow_id, workflow_run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.SyncID, run.ConnectionID, string(run.Status), run.WorkflowID, run.WorkflowRunID, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.SyncRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.SyncRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_runs SET status = $2, current_page = $3, total_pages = $4, extraction_completed = $5,
			total_records = $6, total_batches = $7, workflow_id = $8, workflow_run_id = $9, error = $10,
			finished_at = $11
		WHERE id = $1`,
		run.ID, string(run.Status), run.CurrentPage, run.TotalPages, run.ExtractionCompleted,
		run.TotalRecords, run.TotalBatches, run.WorkflowID, run.WorkflowRunID, run.Error, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrRunNotFound
	}
	return nil
}

func (s *PostgresStore) PreviousCompletedRun(ctx context.Context, syncID, excludeRunID string) (*models.SyncRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE sync_id = $1 AND id <> $2 AND extraction_completed
		ORDER BY created_at DESC LIMIT 1`, syncID, excludeRunID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find baseline run for sync %s: %w", syncID, err)
	}
	return run, nil
}

func (s *PostgresStore) InsertReadRecord(ctx context.Context, rec *models.SyncReadRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data := rec.Data
	if data == nil {
		data = []models.Record{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_read_records (id, sync_id, sync_run_id, page_number, batch_number, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SyncID, rec.SyncRunID, rec.PageNumber, rec.BatchNumber, data, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert read record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) LatestDataSignatures(ctx context.Context, syncID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (primary_key_signature) primary_key_signature, data_signature, destination_action
		FROM sync_write_records
		WHERE sync_id = $1 AND primary_key_signature IS NOT NULL
		ORDER BY primary_key_signature ASC, created_at DESC, id DESC`, syncID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signatures of sync %s: %w", syncID, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var pk, data, action string
		if err := rows.Scan(&pk, &data, &action); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		if models.DestinationAction(action) != models.DestinationActionDelete {
			out[pk] = data
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertWriteRecords(ctx context.Context, recs []*models.SyncWriteRecord) ([]*models.SyncWriteRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, rec := range recs {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		var readID *string
		if rec.SyncReadRecordID != "" {
			readID = &rec.SyncReadRecordID
		}
		batch.Queue(`
			INSERT INTO sync_write_records (sync_id, sync_run_id, sync_read_record_id, row_index,
				primary_key_signature, data_signature, destination_action, record, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING
			RETURNING id`,
			rec.SyncID, rec.SyncRunID, readID, rec.RowIndex, rec.PrimaryKeySignature,
			rec.DataSignature, string(rec.Action), rec.Record, rec.CreatedAt)
	}

	inserted := make([]*models.SyncWriteRecord, 0, len(recs))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()

		for _, rec := range recs {
			var id int64
			err := results.QueryRow().Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			rec.ID = id
			inserted = append(inserted, rec)
		}
		return results.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert %d write records: %w", len(recs), err)
	}
	return inserted, nil
}

func (s *PostgresStore) SignaturesWrittenInRun(ctx context.Context, syncID, runID string, sigs []string, actions []models.DestinationAction) ([]string, error) {
	if len(sigs) == 0 {
		return nil, nil
	}
	acts := make([]string, len(actions))
	for i, a := range actions {
		acts[i] = string(a)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT primary_key_signature FROM sync_write_records
		WHERE sync_id = $1 AND sync_run_id = $2
			AND primary_key_signature = ANY($3) AND destination_action = ANY($4)
		ORDER BY primary_key_signature`, syncID, runID, sigs, acts)
	if err != nil {
		return nil, fmt.Errorf("failed to look up signatures of run %s: %w", runID, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const writeColumns = `id, sync_id, sync_run_id, COALESCE(sync_read_record_id, ''), row_index,
	primary_key_signature, data_signature, destination_action, record, created_at`

func scanWrite(row pgx.Row) (*models.SyncWriteRecord, error) {
	var w models.SyncWriteRecord
	var action string
	err := row.Scan(&w.ID, &w.SyncID, &w.SyncRunID, &w.SyncReadRecordID, &w.RowIndex,
		&w.PrimaryKeySignature, &w.DataSignature, &action, &w.Record, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.Action = models.DestinationAction(action)
	return &w, nil
}

func (s *PostgresStore) LatestBySignature(ctx context.Context, syncID string, sigs []string) ([]*models.SyncWriteRecord, error) {
	if len(sigs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (primary_key_signature) `+writeColumns+`
		FROM sync_write_records
		WHERE sync_id = $1 AND primary_key_signature = ANY($2)
		ORDER BY primary_key_signature ASC, created_at DESC, id DESC`, syncID, sigs)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest versions for sync %s: %w", syncID, err)
	}
	return collectWrites(rows)
}

func (s *PostgresStore) ListWriteRecords(ctx context.Context, runID string, afterID int64, limit int) ([]*models.SyncWriteRecord, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+writeColumns+` FROM sync_write_records
		WHERE sync_run_id = $1 AND id > $2
		ORDER BY id LIMIT $3`, runID, afterID, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list write records of run %s: %w", runID, err)
	}
	return collectWrites(rows)
}

func collectWrites(rows pgx.Rows) ([]*models.SyncWriteRecord, error) {
	defer rows.Close()

	var out []*models.SyncWriteRecord
	for rows.Next() {
		w, err := scanWrite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan write record: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
