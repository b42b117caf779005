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

// Package vector abstracts vector stores behind one Provider interface.
//
// The memory subsystem stores embeddings here; backends range from the
// embedded chromem store (zero config) to Qdrant and Pinecone for
// production deployments.
package vector

import "context"

// Result is one similarity search hit.
type Result struct {
	ID       string
	Content  string
	Score    float32
	Vector   []float32
	Metadata map[string]any
}

// Provider is the vector store contract. Collections are created lazily
// by backends that support it.
type Provider interface {
	// Name returns the backend name.
	Name() string

	// Upsert stores a vector with its metadata. The "content" metadata
	// key carries the original text.
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error

	// Search returns the topK most similar vectors.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)

	// SearchWithFilter combines similarity with exact metadata matching.
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)

	// Delete removes one vector by id.
	Delete(ctx context.Context, collection, id string) error

	// DeleteByFilter removes every vector matching the filter.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	// CreateCollection provisions a collection for the given dimension.
	CreateCollection(ctx context.Context, collection string, dimension int) error

	// DeleteCollection drops a collection and its vectors.
	DeleteCollection(ctx context.Context, collection string) error

	// Close releases backend resources.
	Close() error
}
