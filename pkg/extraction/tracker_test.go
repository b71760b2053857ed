package extraction

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageTracker_CompletionPredicate(t *testing.T) {
	tr := NewPageTracker()
	assert.Equal(t, 1, tr.Start())
	assert.Equal(t, 1, tr.TakeRequest())
	assert.False(t, tr.Complete())

	next, ok := tr.OnPageOneCompleted(3)
	require.True(t, ok)
	assert.Equal(t, 2, next)
	assert.False(t, tr.Complete(), "{1}")

	next, ok = tr.OnPageProcessed(2)
	require.True(t, ok)
	assert.Equal(t, 3, next)
	assert.False(t, tr.Complete(), "{1,2}")

	_, ok = tr.OnPageProcessed(4)
	assert.False(t, ok, "page past the total is ignored")
	assert.False(t, tr.Complete())

	next, ok = tr.OnPageProcessed(3)
	require.True(t, ok)
	assert.Equal(t, 0, next)
	assert.True(t, tr.Complete())
	assert.Equal(t, StateComplete, tr.State)
	assert.Equal(t, []int{1, 2, 3}, tr.ProcessedPages())
}

func TestPageTracker_DuplicatePageOne(t *testing.T) {
	tr := NewPageTracker()
	tr.Start()

	_, ok := tr.OnPageOneCompleted(5)
	require.True(t, ok)
	_, ok = tr.OnPageOneCompleted(5)
	assert.False(t, ok)

	pageTwo := 0
	for _, p := range tr.Requested {
		if p == 2 {
			pageTwo++
		}
	}
	assert.Equal(t, 1, pageTwo)
	assert.Equal(t, 5, tr.TotalPages)
}

func TestPageTracker_IgnoredSignals(t *testing.T) {
	tr := NewPageTracker()
	tr.Start()

	_, ok := tr.OnPageProcessed(2)
	assert.False(t, ok, "total pages unknown")

	tr.OnPageOneCompleted(3)
	version := tr.Version

	for _, page := range []int{0, -1, 1, 4} {
		_, ok := tr.OnPageProcessed(page)
		assert.False(t, ok, "page %d", page)
	}
	assert.Equal(t, version, tr.Version)

	_, ok = tr.OnPageProcessed(2)
	require.True(t, ok)
	_, ok = tr.OnPageProcessed(2)
	assert.False(t, ok, "duplicate")
}

func TestPageTracker_SinglePage(t *testing.T) {
	for _, total := range []int{0, 1} {
		tr := NewPageTracker()
		tr.Start()
		tr.TakeRequest()

		next, ok := tr.OnPageOneCompleted(total)
		require.True(t, ok)
		assert.Equal(t, 0, next)
		assert.True(t, tr.Complete())
		assert.True(t, tr.Done())
		assert.False(t, tr.HasRequest())
		assert.Equal(t, 1, tr.TotalPages)
	}
}

func TestPageTracker_Fail(t *testing.T) {
	tr := NewPageTracker()
	tr.Start()
	boom := errors.New("boom")
	tr.Fail(boom)

	assert.Equal(t, StateError, tr.State)
	assert.True(t, tr.Done())
	assert.Equal(t, "boom", tr.Err)
	assert.ErrorIs(t, tr.Failure(), boom)

	_, ok := tr.OnPageOneCompleted(2)
	assert.False(t, ok)
}

func TestPageTracker_StartOnce(t *testing.T) {
	tr := NewPageTracker()
	assert.Equal(t, 1, tr.Start())
	assert.Equal(t, 0, tr.Start())
	assert.Equal(t, []int{1}, tr.Requested)
}

func TestPageTracker_OutOfOrderWhilePageInFlight(t *testing.T) {
	tr := NewPageTracker()
	tr.Start()
	tr.TakeRequest()
	next, ok := tr.OnPageOneCompleted(4)
	require.True(t, ok)
	require.Equal(t, 2, next)
	assert.Equal(t, 2, tr.TakeRequest())

	// page 4 reported while page 2 is still being fetched
	next, ok = tr.OnPageProcessed(4)
	require.True(t, ok)
	assert.Equal(t, 0, next)
	assert.False(t, tr.HasRequest())

	next, ok = tr.OnPageProcessed(2)
	require.True(t, ok)
	assert.Equal(t, 3, next)
	assert.Equal(t, 3, tr.TakeRequest())
	assert.False(t, tr.HasRequest())
	assert.Equal(t, []int{1, 2, 3}, tr.Requested)

	next, ok = tr.OnPageProcessed(3)
	require.True(t, ok)
	assert.Equal(t, 0, next)
	assert.Equal(t, StateComplete, tr.State)
	assert.Equal(t, []int{1, 2, 3}, tr.Requested, "no page is fetched twice")
}
