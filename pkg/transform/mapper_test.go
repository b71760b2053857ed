package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/cdcsync/pkg/models"
)

func TestMapper_Apply(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		input    models.Record
		expected models.Record
	}{
		{
			name:     "shift",
			spec:     `[{"operation":"shift","spec":{"output":"input"}}]`,
			input:    models.Record{"input": "input value"},
			expected: models.Record{"output": "input value"},
		},
		{
			name:     "mongo key",
			spec:     `[{"operation":"shift","spec":{"id":"_id"}}]`,
			input:    models.Record{"_id": "14.3"},
			expected: models.Record{"id": "14.3"},
		},
		{
			name:     "empty spec",
			spec:     "",
			input:    models.Record{"a": "b"},
			expected: models.Record{"a": "b"},
		},
		{
			name:     "tombstone keeps marker",
			spec:     `[{"operation":"shift","spec":{"user":"name"}}]`,
			input:    models.Record{"name": "ada", models.DeletedMarkerField: true},
			expected: models.Record{"user": "ada", models.DeletedMarkerField: true},
		},
	}

	m := NewMapper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := m.Apply(tt.spec, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestMapper_InvalidSpec(t *testing.T) {
	m := NewMapper()
	assert.ErrorIs(t, m.Validate(`{not json`), ErrInvalidSpec)
	assert.NoError(t, m.Validate(""))

	_, err := m.Apply(`{not json`, models.Record{"a": "b"})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestMapper_ApplyAll(t *testing.T) {
	m := NewMapper()
	recs := []*models.SyncWriteRecord{
		{ID: 1, Record: models.Record{"input": "x"}},
		{ID: 2, Record: models.Record{"input": "y"}},
	}
	require.NoError(t, m.ApplyAll(`[{"operation":"shift","spec":{"output":"input"}}]`, recs))
	assert.Equal(t, models.Record{"output": "x"}, recs[0].Record)
	assert.Equal(t, models.Record{"output": "y"}, recs[1].Record)
}
