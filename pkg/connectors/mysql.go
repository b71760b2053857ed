package connectors

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// MySQLReader extracts a table in primary key order using keyset
// pagination. The sync's stream name is the table, optionally prefixed
// with its schema.
type MySQLReader struct {
	db *sqlx.DB
}

func NewMySQLReader(dsn string) (*MySQLReader, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return &MySQLReader{db: db}, nil
}

func NewMySQLReaderFromDB(db *sqlx.DB) *MySQLReader {
	return &MySQLReader{db: db}
}

func (r *MySQLReader) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *MySQLReader) Close() error {
	return r.db.Close()
}

func (r *MySQLReader) ReadBatches(ctx context.Context, sync *models.Sync, batchSize int, fn func(batch []models.Record) error) error {
	if batchSize < 1 {
		batchSize = 1
	}
	keys := sync.SourceDefinedPrimaryKey
	if len(keys) == 0 {
		return r.scan(ctx, sync, batchSize, fn)
	}

	var after []interface{}
	for {
		query, args := keysetQuery(sync.StreamName, keys, after, batchSize)
		batch, err := r.query(ctx, query, args, batchSize)
		if err != nil {
			return fmt.Errorf("read %s: %w", sync.StreamName, err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}

		last := batch[len(batch)-1]
		after = make([]interface{}, len(keys))
		for i, k := range keys {
			after[i] = last[k]
		}
	}
}

// scan reads a table without a primary key in a single pass
func (r *MySQLReader) scan(ctx context.Context, sync *models.Sync, batchSize int, fn func(batch []models.Record) error) error {
	log.Warn().Str("table", sync.StreamName).Msg("No primary key, reading table in one pass")

	rows, err := r.db.QueryxContext(ctx, "SELECT * FROM "+quoteTable(sync.StreamName))
	if err != nil {
		return fmt.Errorf("read %s: %w", sync.StreamName, err)
	}
	defer rows.Close()

	batch := make([]models.Record, 0, batchSize)
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return fmt.Errorf("scan %s: %w", sync.StreamName, err)
		}
		batch = append(batch, normalizeRow(row))
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]models.Record, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read %s: %w", sync.StreamName, err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func (r *MySQLReader) query(ctx context.Context, query string, args []interface{}, size int) ([]models.Record, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := make([]models.Record, 0, size)
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		batch = append(batch, normalizeRow(row))
	}
	return batch, rows.Err()
}

// keysetQuery selects the next limit rows ordered by keys, starting after
// the key values in after (nil for the first page).
func keysetQuery(table string, keys []string, after []interface{}, limit int) (string, []interface{}) {
	cols := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = quoteIdent(k)
	}
	order := strings.Join(cols, ", ")

	var b strings.Builder
	args := make([]interface{}, 0, len(after)+1)
	b.WriteString("SELECT * FROM ")
	b.WriteString(quoteTable(table))
	if len(after) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(after)), ", ")
		fmt.Fprintf(&b, " WHERE (%s) > (%s)", order, marks)
		args = append(args, after...)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(order)
	b.WriteString(" LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// normalizeRow turns driver byte slices into strings so rows hash and
// serialize as text
func normalizeRow(row map[string]interface{}) models.Record {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return row
}
