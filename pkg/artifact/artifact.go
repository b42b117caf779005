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

// Package artifact stores versioned binary and text blobs keyed by
// (app, user, session, filename).
//
// Filenames prefixed "user:" are namespaced to the user and visible from
// every session of that user; all other filenames are session-scoped.
// Versions are dense, starting at 0; individual versions cannot be
// deleted, only whole keys.
package artifact

import (
	"context"
	"errors"
	"strings"

	"github.com/nestor-ai/nestor/pkg/agent"
)

// UserNamespacePrefix marks filenames shared across a user's sessions.
const UserNamespacePrefix = "user:"

var (
	// ErrArtifactNotFound is returned for unknown keys or versions.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Service is the artifact store contract shared by all backends.
type Service interface {
	// Save appends a new version for the key and returns its index.
	Save(ctx context.Context, req *SaveRequest) (*SaveResponse, error)

	// Load returns one version of an artifact; Version < 0 means latest.
	Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error)

	// ListKeys lists session-scoped keys plus the user's "user:" keys.
	ListKeys(ctx context.Context, req *ListKeysRequest) (*ListKeysResponse, error)

	// ListVersions lists the stored version indexes for a key.
	ListVersions(ctx context.Context, req *ListVersionsRequest) (*ListVersionsResponse, error)

	// Delete removes every version of a key.
	Delete(ctx context.Context, req *DeleteRequest) error
}

type SaveRequest struct {
	AppName   string
	UserID    string
	SessionID string
	FileName  string
	Part      agent.Part
}

type SaveResponse struct {
	Version int64
}

type LoadRequest struct {
	AppName   string
	UserID    string
	SessionID string
	FileName  string
	// Version selects a stored version; negative selects the latest.
	Version int64
}

type LoadResponse struct {
	Version int64
	Part    agent.Part
}

type ListKeysRequest struct {
	AppName   string
	UserID    string
	SessionID string
}

type ListKeysResponse struct {
	FileNames []string
}

type ListVersionsRequest struct {
	AppName   string
	UserID    string
	SessionID string
	FileName  string
}

type ListVersionsResponse struct {
	Versions []int64
}

type DeleteRequest struct {
	AppName   string
	UserID    string
	SessionID string
	FileName  string
}

// IsUserNamespaced reports whether a filename lives in the user namespace.
func IsUserNamespaced(fileName string) bool {
	return strings.HasPrefix(fileName, UserNamespacePrefix)
}

// storageKey builds the backing key for a filename: user-namespaced files
// ignore the session id.
func storageKey(appName, userID, sessionID, fileName string) string {
	if IsUserNamespaced(fileName) {
		return appName + "/" + userID + "/user/" + fileName
	}
	return appName + "/" + userID + "/" + sessionID + "/" + fileName
}

// Bound adapts a Service to the agent.Artifacts view for one invocation's
// (app, user, session) triple.
func Bound(service Service, appName, userID, sessionID string) agent.Artifacts {
	return &boundArtifacts{
		service:   service,
		appName:   appName,
		userID:    userID,
		sessionID: sessionID,
	}
}

type boundArtifacts struct {
	service   Service
	appName   string
	userID    string
	sessionID string
}

func (b *boundArtifacts) Save(ctx context.Context, name string, part agent.Part) (*agent.ArtifactSaveResponse, error) {
	resp, err := b.service.Save(ctx, &SaveRequest{
		AppName:   b.appName,
		UserID:    b.userID,
		SessionID: b.sessionID,
		FileName:  name,
		Part:      part,
	})
	if err != nil {
		return nil, err
	}
	return &agent.ArtifactSaveResponse{Name: name, Version: resp.Version}, nil
}

func (b *boundArtifacts) List(ctx context.Context) (*agent.ArtifactListResponse, error) {
	keys, err := b.service.ListKeys(ctx, &ListKeysRequest{
		AppName:   b.appName,
		UserID:    b.userID,
		SessionID: b.sessionID,
	})
	if err != nil {
		return nil, err
	}

	resp := &agent.ArtifactListResponse{}
	for _, name := range keys.FileNames {
		versions, err := b.service.ListVersions(ctx, &ListVersionsRequest{
			AppName:   b.appName,
			UserID:    b.userID,
			SessionID: b.sessionID,
			FileName:  name,
		})
		if err != nil {
			return nil, err
		}
		latest := int64(-1)
		if n := len(versions.Versions); n > 0 {
			latest = versions.Versions[n-1]
		}
		resp.Artifacts = append(resp.Artifacts, agent.ArtifactInfo{Name: name, Version: latest})
	}
	return resp, nil
}

func (b *boundArtifacts) Load(ctx context.Context, name string) (*agent.ArtifactLoadResponse, error) {
	return b.LoadVersion(ctx, name, -1)
}

func (b *boundArtifacts) LoadVersion(ctx context.Context, name string, version int64) (*agent.ArtifactLoadResponse, error) {
	resp, err := b.service.Load(ctx, &LoadRequest{
		AppName:   b.appName,
		UserID:    b.userID,
		SessionID: b.sessionID,
		FileName:  name,
		Version:   version,
	})
	if err != nil {
		return nil, err
	}
	return &agent.ArtifactLoadResponse{Name: name, Version: resp.Version, Part: resp.Part}, nil
}

var _ agent.Artifacts = (*boundArtifacts)(nil)
