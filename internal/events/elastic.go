package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticSink indexe les événements pour le reporting admin.
// DocumentID = event_id : une relivraison écrase le même document.
type ElasticSink struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticSink(client *elasticsearch.Client, index string) *ElasticSink {
	if index == "" {
		index = "order_events"
	}
	return &ElasticSink{client: client, index: index}
}

func (s *ElasticSink) Name() string { return "elasticsearch" }

func (s *ElasticSink) Send(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: e.ID,
		Body:       bytes.NewReader(data),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("envoi Elastic: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("Elastic a renvoyé une erreur pour %s: %s", e.ID, res.String())
	}
	return nil
}
