// Package transform maps write record payloads into the destination's
// shape using kazaam specs stored on the sync.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/qntfy/kazaam/v4"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// Mapper applies kazaam specs, compiling each distinct spec once
type Mapper struct {
	mu           sync.RWMutex
	transformers map[string]*kazaam.Kazaam
}

func NewMapper() *Mapper {
	return &Mapper{transformers: make(map[string]*kazaam.Kazaam)}
}

// Validate compiles spec without applying it
func (m *Mapper) Validate(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	_, err := m.transformer(spec)
	return err
}

// Apply maps record with spec. An empty spec returns the record as is.
// The deletion marker of a tombstone survives any mapping.
func (m *Mapper) Apply(spec string, record models.Record) (models.Record, error) {
	if strings.TrimSpace(spec) == "" {
		return record, nil
	}
	k, err := m.transformer(spec)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransformationFailed, err)
	}
	output, err := k.Transform(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransformationFailed, err)
	}

	dec := json.NewDecoder(bytes.NewReader(output))
	dec.UseNumber()
	var mapped models.Record
	if err := dec.Decode(&mapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if mapped == nil {
		mapped = models.Record{}
	}
	if marker, ok := record[models.DeletedMarkerField]; ok {
		mapped[models.DeletedMarkerField] = marker
	}
	return mapped, nil
}

// ApplyAll maps each write record's payload in place
func (m *Mapper) ApplyAll(spec string, recs []*models.SyncWriteRecord) error {
	for _, rec := range recs {
		mapped, err := m.Apply(spec, rec.Record)
		if err != nil {
			return fmt.Errorf("write record %d: %w", rec.ID, err)
		}
		rec.Record = mapped
	}
	return nil
}

func (m *Mapper) transformer(spec string) (*kazaam.Kazaam, error) {
	m.mu.RLock()
	k, ok := m.transformers[spec]
	m.mu.RUnlock()
	if ok {
		return k, nil
	}

	k, err := kazaam.NewKazaam(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	m.mu.Lock()
	m.transformers[spec] = k
	m.mu.Unlock()
	return k, nil
}
