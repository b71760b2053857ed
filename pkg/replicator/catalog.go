package replicator

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cohenjo/cdcsync/pkg/connectors"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/store"
)

// Catalog declares connections and their syncs. Syncs of a static source
// carry their rows inline.
type Catalog struct {
	Connections []CatalogConnection `yaml:"connections" validate:"dive"`
}

type CatalogConnection struct {
	ID          string          `yaml:"id" validate:"required"`
	Name        string          `yaml:"name"`
	Schedule    string          `yaml:"schedule,omitempty"`
	Source      models.Endpoint `yaml:"source"`
	Destination models.Endpoint `yaml:"destination"`
	Syncs       []CatalogSync   `yaml:"syncs" validate:"dive"`
}

type CatalogSync struct {
	ID               string          `yaml:"id" validate:"required"`
	StreamName       string          `yaml:"stream_name" validate:"required"`
	Mode             models.SyncMode `yaml:"sync_mode" validate:"omitempty,oneof=full_refresh_overwrite incremental_dedup"`
	DestinationTable string          `yaml:"destination_table,omitempty"`
	Mapping          string          `yaml:"mapping,omitempty"`
	PrimaryKey       []string        `yaml:"primary_key,omitempty"`
	CursorField      string          `yaml:"cursor_field,omitempty"`

	// Pages holds the rows of a static source, one slice per page
	Pages [][]map[string]interface{} `yaml:"pages,omitempty"`
}

// LoadCatalog reads and validates a YAML catalog file
func LoadCatalog(filename string) (*Catalog, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", filename, err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

func ParseCatalog(r io.Reader) (*Catalog, error) {
	var cat Catalog
	if err := yaml.NewDecoder(r).Decode(&cat); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks required fields and endpoint categories
func (c *Catalog) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, v := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed validation: %s", v.Namespace(), v.Tag()))
			}
			return fmt.Errorf("invalid catalog: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid catalog: %w", err)
	}

	seen := make(map[string]string)
	for _, conn := range c.Connections {
		if conn.Source.Category == "" || conn.Destination.Category == "" {
			return fmt.Errorf("invalid catalog: connection %s needs source and destination categories", conn.ID)
		}
		for _, s := range conn.Syncs {
			if other, ok := seen[s.ID]; ok {
				return fmt.Errorf("invalid catalog: sync %s declared by %s and %s", s.ID, other, conn.ID)
			}
			seen[s.ID] = conn.ID
		}
	}
	return nil
}

// Apply saves every connection and sync into st and hands static rows to
// the static readers
func (c *Catalog) Apply(ctx context.Context, st store.ConnectionStore, pages *connectors.StaticPageReader, rows *connectors.StaticBatchReader) error {
	for _, cc := range c.Connections {
		conn := &models.Connection{
			ID:          cc.ID,
			Name:        cc.Name,
			Status:      models.ConnectionStatusCreated,
			Source:      cc.Source,
			Destination: cc.Destination,
			Schedule:    cc.Schedule,
		}
		if conn.Name == "" {
			conn.Name = cc.ID
		}
		if err := st.SaveConnection(ctx, conn); err != nil {
			return fmt.Errorf("save connection %s: %w", cc.ID, err)
		}

		for _, cs := range cc.Syncs {
			mode := cs.Mode
			if mode == "" {
				mode = models.SyncModeIncrementalDedup
			}
			if err := st.SaveSync(ctx, &models.Sync{
				ID:                      cs.ID,
				ConnectionID:            cc.ID,
				StreamName:              cs.StreamName,
				Mode:                    mode,
				Status:                  models.SyncStatusQueued,
				DestinationTable:        cs.DestinationTable,
				Mapping:                 cs.Mapping,
				SourceDefinedPrimaryKey: cs.PrimaryKey,
				CursorField:             cs.CursorField,
			}); err != nil {
				return fmt.Errorf("save sync %s: %w", cs.ID, err)
			}

			if len(cs.Pages) == 0 {
				continue
			}
			records := make([][]models.Record, len(cs.Pages))
			var all []models.Record
			for i, page := range cs.Pages {
				records[i] = make([]models.Record, len(page))
				for j, row := range page {
					records[i][j] = models.Record(row)
				}
				all = append(all, records[i]...)
			}
			pages.Set(cs.StreamName, records...)
			rows.Set(cs.StreamName, all)
		}
	}
	return nil
}
