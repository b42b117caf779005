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

package artifact

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// memoryService keeps artifact versions in process memory.
type memoryService struct {
	mu    sync.RWMutex
	blobs map[string][]agent.Part
}

// InMemoryService creates an in-memory artifact service.
func InMemoryService() Service {
	return &memoryService{blobs: make(map[string][]agent.Part)}
}

func (s *memoryService) Save(ctx context.Context, req *SaveRequest) (*SaveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storageKey(req.AppName, req.UserID, req.SessionID, req.FileName)
	s.blobs[key] = append(s.blobs[key], req.Part)
	return &SaveResponse{Version: int64(len(s.blobs[key]) - 1)}, nil
}

func (s *memoryService) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := storageKey(req.AppName, req.UserID, req.SessionID, req.FileName)
	versions, ok := s.blobs[key]
	if !ok || len(versions) == 0 {
		return nil, ErrArtifactNotFound
	}

	version := req.Version
	if version < 0 {
		version = int64(len(versions) - 1)
	}
	if version >= int64(len(versions)) {
		return nil, ErrArtifactNotFound
	}
	return &LoadResponse{Version: version, Part: versions[version]}, nil
}

func (s *memoryService) ListKeys(ctx context.Context, req *ListKeysRequest) (*ListKeysResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionPrefix := req.AppName + "/" + req.UserID + "/" + req.SessionID + "/"
	userPrefix := req.AppName + "/" + req.UserID + "/user/"

	var names []string
	for key := range s.blobs {
		switch {
		case strings.HasPrefix(key, sessionPrefix):
			names = append(names, strings.TrimPrefix(key, sessionPrefix))
		case strings.HasPrefix(key, userPrefix):
			names = append(names, strings.TrimPrefix(key, userPrefix))
		}
	}
	sort.Strings(names)
	return &ListKeysResponse{FileNames: names}, nil
}

func (s *memoryService) ListVersions(ctx context.Context, req *ListVersionsRequest) (*ListVersionsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := storageKey(req.AppName, req.UserID, req.SessionID, req.FileName)
	versions := make([]int64, len(s.blobs[key]))
	for i := range versions {
		versions[i] = int64(i)
	}
	return &ListVersionsResponse{Versions: versions}, nil
}

func (s *memoryService) Delete(ctx context.Context, req *DeleteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, storageKey(req.AppName, req.UserID, req.SessionID, req.FileName))
	return nil
}

var _ Service = (*memoryService)(nil)
