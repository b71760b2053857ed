package estuary

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pquerna/ffjson/ffjson"

	"github.com/cohenjo/cdcsync/pkg/models"
)

// ElasticLoader indexes each write record under its document id and
// deletes the document for tombstones.
type ElasticLoader struct {
	es          *elasticsearch.Client
	indexPrefix string
}

func NewElasticLoader(addresses []string, indexPrefix string) (*ElasticLoader, error) {
	return NewElasticLoaderWithTransport(addresses, indexPrefix, &http.Transport{
		MaxIdleConnsPerHost:   10,
		ResponseHeaderTimeout: 10 * time.Second,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	})
}

func NewElasticLoaderWithTransport(addresses []string, indexPrefix string, transport http.RoundTripper) (*ElasticLoader, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ElasticLoader{es: es, indexPrefix: indexPrefix}, nil
}

func (e *ElasticLoader) Index(sync *models.Sync) string {
	return e.indexPrefix + Target(sync)
}

func (e *ElasticLoader) Load(ctx context.Context, sync *models.Sync, recs []*models.SyncWriteRecord) error {
	index := e.Index(sync)
	for _, rec := range recs {
		if err := e.write(ctx, index, rec); err != nil {
			return fmt.Errorf("%w: elasticsearch index %s: %v", models.ErrLoadFailed, index, err)
		}
	}
	countLoaded("elasticsearch", recs)
	return nil
}

func (e *ElasticLoader) write(ctx context.Context, index string, rec *models.SyncWriteRecord) error {
	id := DocumentID(rec)

	var req esapi.Request
	if rec.IsTombstone() {
		req = esapi.DeleteRequest{
			Index:      index,
			DocumentID: id,
		}
	} else {
		body, err := ffjson.Marshal(rec.Record)
		if err != nil {
			return fmt.Errorf("encode write record %d: %w", rec.ID, err)
		}
		req = esapi.IndexRequest{
			Index:      index,
			DocumentID: id,
			Body:       bytes.NewReader(body),
		}
	}

	res, err := req.Do(ctx, e.es)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	// deleting a document that was never indexed is fine
	if rec.IsTombstone() && res.StatusCode == http.StatusNotFound {
		logger.Debug().Str("index", index).Str("document_id", id).Msg("Tombstone for missing document")
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("document %s: %s", id, res.Status())
	}
	return nil
}
