package estuary

import (
	"context"
	"fmt"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// MySQLLoader upserts rows with REPLACE INTO and removes tombstoned rows
// by primary key. Each batch is applied in one transaction.
type MySQLLoader struct {
	conn *sqlx.DB
}

func NewMySQLLoader(dsn string) (*MySQLLoader, error) {
	conn, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return &MySQLLoader{conn: conn}, nil
}

func NewMySQLLoaderFromDB(conn *sqlx.DB) *MySQLLoader {
	return &MySQLLoader{conn: conn}
}

func (m *MySQLLoader) Close() error {
	return m.conn.Close()
}

func (m *MySQLLoader) Load(ctx context.Context, sync *models.Sync, recs []*models.SyncWriteRecord) error {
	if len(recs) == 0 {
		return nil
	}
	table := Target(sync)

	tx, err := m.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", models.ErrLoadFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range recs {
		stmt, args, err := mysqlStatement(table, sync.SourceDefinedPrimaryKey, rec)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, stmt, args); err != nil {
			return fmt.Errorf("%w: write record %d: %v", models.ErrLoadFailed, rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrLoadFailed, err)
	}
	countLoaded("mysql", recs)
	return nil
}

// mysqlStatement builds the named statement applying rec to table
func mysqlStatement(table string, keys []string, rec *models.SyncWriteRecord) (string, map[string]interface{}, error) {
	args := make(map[string]interface{}, len(rec.Record))
	for k, v := range rec.Record {
		if k == models.DeletedMarkerField {
			continue
		}
		args[k] = v
	}

	if rec.IsTombstone() {
		if len(keys) == 0 {
			return "", nil, fmt.Errorf("%w: cannot delete from %s without a primary key", models.ErrMissingPrimaryKey, table)
		}
		conds := make([]string, len(keys))
		for i, k := range keys {
			conds[i] = fmt.Sprintf("%s = :%s", quoteIdent(k), k)
		}
		return fmt.Sprintf("DELETE FROM %s WHERE %s", quoteTable(table), strings.Join(conds, " AND ")), args, nil
	}

	cols := make([]string, 0, len(args))
	for k := range args {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		params[i] = ":" + c
	}
	stmt := fmt.Sprintf("REPLACE INTO %s (%s) VALUES (%s)", quoteTable(table), strings.Join(quoted, ", "), strings.Join(params, ", "))
	return stmt, args, nil
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
