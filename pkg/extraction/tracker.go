// Package extraction drives reading a sync's source: the page-completion
// tracker for paginated sources and a single bulk read for database-style
// sources.
package extraction

import (
	"errors"
	"sort"
)

// State of a PageTracker
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingPageOne State = "awaiting_page_one"
	StatePaging          State = "paging"
	StateComplete        State = "complete"
	StateError           State = "error"
)

// PageTracker records which pages of a paginated read are done. It is a
// plain value owned by one workflow goroutine. Transitions never block;
// pages to fetch next are queued and taken with TakeRequest.
type PageTracker struct {
	Version    int          `json:"version"`
	State      State        `json:"state"`
	TotalPages int          `json:"total_pages"`
	Processed  map[int]bool `json:"processed"`
	Requested  []int        `json:"requested"` // every page ever requested, in order
	Err        string       `json:"error,omitempty"`

	queue   []int
	failure error
}

func NewPageTracker() *PageTracker {
	return &PageTracker{State: StateIdle, Processed: make(map[int]bool)}
}

// Start requests page 1. It only acts once.
func (t *PageTracker) Start() int {
	if t.State != StateIdle {
		return 0
	}
	t.State = StateAwaitingPageOne
	t.request(1)
	return 1
}

// OnPageOneCompleted records total pages from the first page. Replays are
// ignored. A total of zero is treated as one page.
func (t *PageTracker) OnPageOneCompleted(totalPages int) (next int, accepted bool) {
	if t.State != StateAwaitingPageOne || t.Processed[1] {
		return 0, false
	}
	if totalPages < 1 {
		totalPages = 1
	}

	t.TotalPages = totalPages
	t.Processed[1] = true
	t.Version++

	if totalPages > 1 {
		t.State = StatePaging
		t.request(2)
		return 2, true
	}
	t.State = StateComplete
	return 0, true
}

// OnPageProcessed marks page done. It is ignored while the total is
// unknown, for pages already done and for pages past the total.
func (t *PageTracker) OnPageProcessed(page int) (next int, accepted bool) {
	if t.State != StatePaging || t.TotalPages == 0 {
		return 0, false
	}
	if page < 1 || page > t.TotalPages || t.Processed[page] {
		return 0, false
	}

	t.Processed[page] = true
	t.Version++

	if t.Complete() {
		t.State = StateComplete
		return 0, true
	}
	// one page in flight at a time; the outstanding page's signal requests the next
	if t.outstanding() {
		return 0, true
	}
	if next = t.nextAfter(page); next > 0 {
		t.request(next)
	}
	return next, true
}

// Fail moves the tracker to the error state
func (t *PageTracker) Fail(err error) {
	if t.State == StateComplete || t.State == StateError {
		return
	}
	if err == nil {
		err = errors.New("extraction failed")
	}
	t.State = StateError
	t.Err = err.Error()
	t.failure = err
	t.Version++
}

// Failure returns the error passed to Fail, or nil
func (t *PageTracker) Failure() error {
	return t.failure
}

// Complete reports whether the processed pages are exactly 1..TotalPages
func (t *PageTracker) Complete() bool {
	if t.TotalPages < 1 || len(t.Processed) != t.TotalPages {
		return false
	}
	for p := 1; p <= t.TotalPages; p++ {
		if !t.Processed[p] {
			return false
		}
	}
	return true
}

// Done reports whether the tracker reached a terminal state
func (t *PageTracker) Done() bool {
	return t.State == StateComplete || t.State == StateError
}

// HasRequest reports whether a page request is waiting to be taken
func (t *PageTracker) HasRequest() bool {
	return len(t.queue) > 0
}

// TakeRequest pops the oldest queued page request, or 0 when none
func (t *PageTracker) TakeRequest() int {
	if len(t.queue) == 0 {
		return 0
	}
	next := t.queue[0]
	t.queue = t.queue[1:]
	return next
}

// ProcessedPages lists processed pages in ascending order
func (t *PageTracker) ProcessedPages() []int {
	out := make([]int, 0, len(t.Processed))
	for p := range t.Processed {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// outstanding reports whether a requested page is still unprocessed
func (t *PageTracker) outstanding() bool {
	for _, p := range t.Requested {
		if !t.Processed[p] {
			return true
		}
	}
	return false
}

// nextAfter is the first page after page that is neither processed nor
// requested, wrapping to fill gaps
func (t *PageTracker) nextAfter(page int) int {
	open := func(p int) bool { return !t.Processed[p] && !t.requested(p) }
	for p := page + 1; p <= t.TotalPages; p++ {
		if open(p) {
			return p
		}
	}
	for p := 1; p < page; p++ {
		if open(p) {
			return p
		}
	}
	return 0
}

func (t *PageTracker) requested(page int) bool {
	for _, p := range t.Requested {
		if p == page {
			return true
		}
	}
	return false
}

func (t *PageTracker) request(page int) {
	t.Requested = append(t.Requested, page)
	t.queue = append(t.queue, page)
}
