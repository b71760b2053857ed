package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	DSN       string
	File      string
	Table     string
	Limit     int
	BatchSize int
}

type namesRecord struct {
	Name   string `db:"name"`
	Year   int    `db:"year"`
	Gender string `db:"gender"`
	Count  int    `db:"count"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the national names CSV into a MySQL source table",
		Long: `Insert rows of a names CSV (Id,Name,Year,Gender,Count) into a MySQL
table so the mysql source has something to extract.

Example:
  cdcsync seed --dsn 'user:pass@tcp(localhost:3306)/test' --file /tmp/NationalNames.csv`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := seedNames(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d rows into %s\n", n, opts.Table)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "MySQL DSN (required)")
	cmd.Flags().StringVar(&opts.File, "file", "/tmp/NationalNames.csv", "names CSV file")
	cmd.Flags().StringVar(&opts.Table, "table", "names", "target table")
	cmd.Flags().IntVar(&opts.Limit, "limit", 10000, "maximum rows to insert")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 500, "rows per insert")
	_ = cmd.MarkFlagRequired("dsn")

	return cmd
}

func seedNames(ctx context.Context, opts *SeedOptions) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	file, err := os.Open(opts.File)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", opts.File, err)
	}
	defer file.Close()

	conn, err := sqlx.Open("mysql", opts.DSN)
	if err != nil {
		return 0, fmt.Errorf("connect to MySQL: %w", err)
	}
	defer conn.Close()

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (id BIGINT AUTO_INCREMENT PRIMARY KEY, name VARCHAR(64), year INT, gender CHAR(1), count INT)", opts.Table)
	if _, err := conn.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("create table %s: %w", opts.Table, err)
	}

	insert := fmt.Sprintf("INSERT INTO `%s` (name, year, gender, count) VALUES (:name, :year, :gender, :count)", opts.Table)
	batch := make([]namesRecord, 0, opts.BatchSize)
	inserted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := conn.NamedExecContext(ctx, insert, batch); err != nil {
			return fmt.Errorf("insert into %s: %w", opts.Table, err)
		}
		inserted += len(batch)
		batch = batch[:0]
		return nil
	}

	records, err := readNames(bufio.NewReader(file), opts.Limit)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		batch = append(batch, rec)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}
	if err := flush(); err != nil {
		return inserted, err
	}
	log.Info().Int("rows", inserted).Str("table", opts.Table).Msg("Seed finished")
	return inserted, nil
}

// readNames parses up to limit rows of Id,Name,Year,Gender,Count
func readNames(in io.Reader, limit int) ([]namesRecord, error) {
	r := csv.NewReader(in)
	r.Comma = ','
	r.Comment = '#'

	var out []namesRecord
	for limit <= 0 || len(out) < limit {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bad record at row %d: %w", len(out)+1, err)
		}
		if len(record) < 5 {
			return nil, fmt.Errorf("row %d has %d fields, want 5", len(out)+1, len(record))
		}
		year, err := strconv.Atoi(strings.TrimSpace(record[2]))
		if err != nil {
			// header row
			if len(out) == 0 {
				continue
			}
			return nil, fmt.Errorf("row %d: year: %w", len(out)+1, err)
		}
		count, err := strconv.Atoi(strings.TrimSpace(record[4]))
		if err != nil {
			return nil, fmt.Errorf("row %d: count: %w", len(out)+1, err)
		}
		out = append(out, namesRecord{Name: record[1], Year: year, Gender: record[3], Count: count})
	}
	return out, nil
}
