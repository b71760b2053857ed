package connectors

import (
	"context"
	"fmt"
	"sync"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// StaticPageReader serves fixed pages per stream name. It backs demos and
// tests; Set swaps the content between runs.
type StaticPageReader struct {
	mu    sync.RWMutex
	pages map[string][][]models.Record
}

func NewStaticPageReader() *StaticPageReader {
	return &StaticPageReader{pages: make(map[string][][]models.Record)}
}

func (r *StaticPageReader) Set(stream string, pages ...[]models.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[stream] = pages
}

func (r *StaticPageReader) ReadPage(ctx context.Context, sync *models.Sync, page int) (*PageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	pages := r.pages[sync.StreamName]
	total := len(pages)
	if total == 0 {
		// an empty stream still has a first page
		if page == 1 {
			return &PageResult{TotalPages: 1}, nil
		}
		total = 1
	}
	if page < 1 || page > total {
		return nil, fmt.Errorf("page %d out of range 1..%d", page, total)
	}
	return &PageResult{Records: pages[page-1], TotalPages: total}, nil
}

// StaticBatchReader serves fixed rows per stream name
type StaticBatchReader struct {
	mu   sync.RWMutex
	rows map[string][]models.Record
}

func NewStaticBatchReader() *StaticBatchReader {
	return &StaticBatchReader{rows: make(map[string][]models.Record)}
}

func (r *StaticBatchReader) Set(stream string, rows []models.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[stream] = rows
}

func (r *StaticBatchReader) ReadBatches(ctx context.Context, sync *models.Sync, batchSize int, fn func(batch []models.Record) error) error {
	if batchSize < 1 {
		batchSize = 1
	}
	r.mu.RLock()
	rows := r.rows[sync.StreamName]
	r.mu.RUnlock()

	for start := 0; start < len(rows); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}
