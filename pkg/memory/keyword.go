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

package memory

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// phraseBoost multiplies the score of documents containing the query
// verbatim.
const phraseBoost = 1.5

// keywordDoc is one indexed record.
type keywordDoc struct {
	id       string
	appName  string
	userID   string
	content  string
	terms    map[string]int
	metadata map[string]any
}

// keywordIndex is an in-memory TF-IDF index scoped per (app, user).
type keywordIndex struct {
	mu   sync.RWMutex
	docs map[string]keywordDoc // id -> doc
}

func newKeywordIndex() *keywordIndex {
	return &keywordIndex{docs: make(map[string]keywordDoc)}
}

func (idx *keywordIndex) add(doc keywordDoc) {
	doc.terms = termFrequencies(doc.content)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs[doc.id] = doc
}

func (idx *keywordIndex) remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.docs, id)
}

func (idx *keywordIndex) removeBySession(appName, userID, sessionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for id, doc := range idx.docs {
		if doc.appName != appName || doc.userID != userID {
			continue
		}
		if sid, _ := doc.metadata["session_id"].(string); sid == sessionID {
			delete(idx.docs, id)
		}
	}
}

// search scores the user's documents with TF-IDF and a phrase boost,
// returning the top results normalized into [0, 1].
func (idx *keywordIndex) search(appName, userID, query string, limit int) []SearchResult {
	queryTerms := termFrequencies(query)
	if len(queryTerms) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var corpus []keywordDoc
	for _, doc := range idx.docs {
		if doc.appName == appName && doc.userID == userID {
			corpus = append(corpus, doc)
		}
	}
	if len(corpus) == 0 {
		return nil
	}

	// Document frequency per query term within the user's corpus.
	df := make(map[string]int, len(queryTerms))
	for term := range queryTerms {
		for _, doc := range corpus {
			if doc.terms[term] > 0 {
				df[term]++
			}
		}
	}

	lowerQuery := strings.ToLower(strings.TrimSpace(query))
	var results []SearchResult
	var maxScore float64
	for _, doc := range corpus {
		var score float64
		for term := range queryTerms {
			tf := doc.terms[term]
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + float64(len(corpus))/float64(df[term]))
			score += float64(tf) * idf
		}
		if score == 0 {
			continue
		}
		if lowerQuery != "" && strings.Contains(strings.ToLower(doc.content), lowerQuery) {
			score *= phraseBoost
		}
		if score > maxScore {
			maxScore = score
		}
		results = append(results, SearchResult{
			ID:       doc.id,
			Content:  doc.content,
			Score:    score,
			Metadata: doc.metadata,
		})
	}

	if maxScore > 0 {
		for i := range results {
			results[i].Score /= maxScore
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// termFrequencies lowercases, strips punctuation and drops words shorter
// than three characters.
func termFrequencies(text string) map[string]int {
	terms := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if len(word) > 2 {
			terms[word]++
		}
	}
	return terms
}
