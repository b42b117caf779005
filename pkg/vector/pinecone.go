// Copyright 2025 The Nestor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the managed Pinecone backend.
type PineconeConfig struct {
	// APIKey is required.
	APIKey string `yaml:"api_key"`

	// Host overrides the default API host.
	Host string `yaml:"host,omitempty"`

	// IndexName is the default index when the collection name is empty.
	IndexName string `yaml:"index_name"`
}

// Pinecone uses Pinecone's managed service. Indexes must be provisioned
// out of band; CreateCollection only verifies existence.
type Pinecone struct {
	client    *pinecone.Client
	indexName string
}

// NewPinecone creates a Pinecone provider.
func NewPinecone(cfg PineconeConfig) (*Pinecone, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone: api key is required")
	}

	params := pinecone.NewClientParams{ApiKey: cfg.APIKey}
	if cfg.Host != "" {
		params.Host = cfg.Host
	}
	client, err := pinecone.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("pinecone: create client: %w", err)
	}

	indexName := cfg.IndexName
	if indexName == "" {
		indexName = "nestor-index"
	}
	return &Pinecone{client: client, indexName: indexName}, nil
}

func (p *Pinecone) Name() string { return "pinecone" }

func (p *Pinecone) index(collection string) string {
	if collection == "" {
		return p.indexName
	}
	return collection
}

func (p *Pinecone) connect(ctx context.Context, indexName string) (*pinecone.IndexConnection, error) {
	index, err := p.client.DescribeIndex(ctx, indexName)
	if err != nil {
		return nil, fmt.Errorf("pinecone: describe index '%s': %w", indexName, err)
	}
	conn, err := p.client.Index(pinecone.NewIndexConnParams{Host: index.Host})
	if err != nil {
		return nil, fmt.Errorf("pinecone: connect to index '%s': %w", indexName, err)
	}
	return conn, nil
}

func (p *Pinecone) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	conn, err := p.connect(ctx, p.index(collection))
	if err != nil {
		return err
	}
	defer conn.Close()

	var meta *pinecone.Metadata
	if len(metadata) > 0 {
		meta, err = structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("pinecone: convert metadata: %w", err)
		}
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vector,
		Metadata: meta,
	}})
	if err != nil {
		return fmt.Errorf("pinecone: upsert: %w", err)
	}
	return nil
}

func (p *Pinecone) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *Pinecone) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	conn, err := p.connect(ctx, p.index(collection))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var metaFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		metaFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("pinecone: convert filter: %w", err)
		}
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  metaFilter,
		IncludeMetadata: true,
		IncludeValues:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone: query: %w", err)
	}

	results := make([]Result, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}
		metadata := make(map[string]any)
		if match.Vector.Metadata != nil {
			for k, v := range match.Vector.Metadata.AsMap() {
				metadata[k] = v
			}
		}
		content, _ := metadata["content"].(string)
		results = append(results, Result{
			ID:       match.Vector.Id,
			Content:  content,
			Score:    match.Score,
			Vector:   match.Vector.Values,
			Metadata: metadata,
		})
	}
	return results, nil
}

func (p *Pinecone) Delete(ctx context.Context, collection, id string) error {
	conn, err := p.connect(ctx, p.index(collection))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("pinecone: delete '%s': %w", id, err)
	}
	return nil
}

func (p *Pinecone) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	conn, err := p.connect(ctx, p.index(collection))
	if err != nil {
		return err
	}
	defer conn.Close()

	metaFilter, err := structpb.NewStruct(filter)
	if err != nil {
		return fmt.Errorf("pinecone: convert filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, metaFilter); err != nil {
		return fmt.Errorf("pinecone: delete by filter: %w", err)
	}
	return nil
}

func (p *Pinecone) CreateCollection(ctx context.Context, collection string, _ int) error {
	indexName := p.index(collection)
	indexes, err := p.client.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("pinecone: list indexes: %w", err)
	}
	for _, idx := range indexes {
		if idx.Name == indexName {
			return nil
		}
	}
	return fmt.Errorf("pinecone: index '%s' does not exist; provision it via the Pinecone console", indexName)
}

func (p *Pinecone) DeleteCollection(_ context.Context, collection string) error {
	return fmt.Errorf("pinecone: index deletion is managed out of band (index '%s')", p.index(collection))
}

func (p *Pinecone) Close() error { return nil }

var _ Provider = (*Pinecone)(nil)
