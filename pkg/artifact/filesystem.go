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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// fsService stores artifact versions as JSON-encoded parts under
// root/<storage-key>/vN.json.
type fsService struct {
	root string
	mu   sync.Mutex
}

// NewFilesystemService creates a filesystem-backed artifact service
// rooted at dir.
func NewFilesystemService(dir string) (Service, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &fsService{root: dir}, nil
}

func (s *fsService) keyDir(appName, userID, sessionID, fileName string) string {
	key := storageKey(appName, userID, sessionID, fileName)
	// Filenames may contain the "user:" prefix; keep paths portable.
	key = strings.ReplaceAll(key, ":", "_")
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *fsService) Save(ctx context.Context, req *SaveRequest) (*SaveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.keyDir(req.AppName, req.UserID, req.SessionID, req.FileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	versions, err := readVersions(dir)
	if err != nil {
		return nil, err
	}
	next := int64(len(versions))

	data, err := json.Marshal(req.Part)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("v%d.json", next))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return &SaveResponse{Version: next}, nil
}

func (s *fsService) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.keyDir(req.AppName, req.UserID, req.SessionID, req.FileName)
	versions, err := readVersions(dir)
	if err != nil || len(versions) == 0 {
		return nil, ErrArtifactNotFound
	}

	version := req.Version
	if version < 0 {
		version = versions[len(versions)-1]
	}

	data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("v%d.json", version)))
	if err != nil {
		return nil, ErrArtifactNotFound
	}
	var part agent.Part
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, err
	}
	return &LoadResponse{Version: version, Part: part}, nil
}

func (s *fsService) ListKeys(ctx context.Context, req *ListKeysRequest) (*ListKeysResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	collect := func(base, prefix string) error {
		entries, err := os.ReadDir(base)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				names = append(names, prefix+entry.Name())
			}
		}
		return nil
	}

	sessionBase := filepath.Join(s.root, req.AppName, req.UserID, req.SessionID)
	userBase := filepath.Join(s.root, req.AppName, req.UserID, "user")
	if err := collect(sessionBase, ""); err != nil {
		return nil, err
	}
	if err := collect(userBase, ""); err != nil {
		return nil, err
	}

	// Underscore-mangled "user_" names map back to the logical prefix.
	for i, name := range names {
		if strings.HasPrefix(name, "user_") {
			names[i] = UserNamespacePrefix + strings.TrimPrefix(name, "user_")
		}
	}
	sort.Strings(names)
	return &ListKeysResponse{FileNames: names}, nil
}

func (s *fsService) ListVersions(ctx context.Context, req *ListVersionsRequest) (*ListVersionsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.keyDir(req.AppName, req.UserID, req.SessionID, req.FileName)
	versions, err := readVersions(dir)
	if err != nil {
		return nil, err
	}
	return &ListVersionsResponse{Versions: versions}, nil
}

func (s *fsService) Delete(ctx context.Context, req *DeleteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return os.RemoveAll(s.keyDir(req.AppName, req.UserID, req.SessionID, req.FileName))
}

func readVersions(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var versions []int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

var _ Service = (*fsService)(nil)
