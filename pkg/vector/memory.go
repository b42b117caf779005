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
	"math"
	"sort"
	"sync"
)

// InMemory is a map-backed provider with brute-force cosine search.
// Intended for tests and small single-process deployments.
type InMemory struct {
	mu          sync.RWMutex
	collections map[string]map[string]memoryRecord
}

type memoryRecord struct {
	vector   []float32
	metadata map[string]any
}

// NewInMemory creates an empty in-memory provider.
func NewInMemory() *InMemory {
	return &InMemory{collections: make(map[string]map[string]memoryRecord)}
}

func (p *InMemory) Name() string { return "inmemory" }

func (p *InMemory) Upsert(_ context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	col := p.collections[collection]
	if col == nil {
		col = make(map[string]memoryRecord)
		p.collections[collection] = col
	}

	vecCopy := make([]float32, len(vector))
	copy(vecCopy, vector)
	metaCopy := make(map[string]any, len(metadata))
	for k, v := range metadata {
		metaCopy[k] = v
	}
	col[id] = memoryRecord{vector: vecCopy, metadata: metaCopy}
	return nil
}

func (p *InMemory) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *InMemory) SearchWithFilter(_ context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	col := p.collections[collection]
	var results []Result
	for id, rec := range col {
		if !matchesFilter(rec.metadata, filter) {
			continue
		}
		score := cosineSimilarity(vector, rec.vector)
		content, _ := rec.metadata["content"].(string)
		results = append(results, Result{
			ID:       id,
			Content:  content,
			Score:    score,
			Vector:   rec.vector,
			Metadata: rec.metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (p *InMemory) Delete(_ context.Context, collection, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	col := p.collections[collection]
	if col == nil {
		return fmt.Errorf("collection '%s' not found", collection)
	}
	delete(col, id)
	return nil
}

func (p *InMemory) DeleteByFilter(_ context.Context, collection string, filter map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	col := p.collections[collection]
	for id, rec := range col {
		if matchesFilter(rec.metadata, filter) {
			delete(col, id)
		}
	}
	return nil
}

func (p *InMemory) CreateCollection(_ context.Context, collection string, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.collections[collection] == nil {
		p.collections[collection] = make(map[string]memoryRecord)
	}
	return nil
}

func (p *InMemory) DeleteCollection(_ context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.collections, collection)
	return nil
}

func (p *InMemory) Close() error { return nil }

func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Provider = (*InMemory)(nil)
