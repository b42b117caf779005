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

package artifact_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/artifact"
)

func backends(t *testing.T) map[string]artifact.Service {
	t.Helper()

	fs, err := artifact.NewFilesystemService(t.TempDir())
	require.NoError(t, err)

	return map[string]artifact.Service{
		"memory":     artifact.InMemoryService(),
		"filesystem": fs,
	}
}

func textPart(text string) agent.Part {
	return agent.Part{Text: text}
}

func save(t *testing.T, svc artifact.Service, sessionID, name string, part agent.Part) int64 {
	t.Helper()
	resp, err := svc.Save(context.Background(), &artifact.SaveRequest{
		AppName: "app", UserID: "u1", SessionID: sessionID,
		FileName: name, Part: part,
	})
	require.NoError(t, err)
	return resp.Version
}

func TestVersionsAreDense(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, int64(0), save(t, svc, "s1", "notes.txt", textPart("v0")))
			assert.Equal(t, int64(1), save(t, svc, "s1", "notes.txt", textPart("v1")))
			assert.Equal(t, int64(2), save(t, svc, "s1", "notes.txt", textPart("v2")))

			versions, err := svc.ListVersions(context.Background(), &artifact.ListVersionsRequest{
				AppName: "app", UserID: "u1", SessionID: "s1", FileName: "notes.txt",
			})
			require.NoError(t, err)
			assert.Equal(t, []int64{0, 1, 2}, versions.Versions)
		})
	}
}

func TestLoadLatestAndSpecificVersion(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			save(t, svc, "s1", "notes.txt", textPart("old"))
			save(t, svc, "s1", "notes.txt", textPart("new"))

			latest, err := svc.Load(context.Background(), &artifact.LoadRequest{
				AppName: "app", UserID: "u1", SessionID: "s1",
				FileName: "notes.txt", Version: -1,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), latest.Version)
			assert.Equal(t, "new", latest.Part.Text)

			first, err := svc.Load(context.Background(), &artifact.LoadRequest{
				AppName: "app", UserID: "u1", SessionID: "s1",
				FileName: "notes.txt", Version: 0,
			})
			require.NoError(t, err)
			assert.Equal(t, "old", first.Part.Text)

			_, err = svc.Load(context.Background(), &artifact.LoadRequest{
				AppName: "app", UserID: "u1", SessionID: "s1",
				FileName: "notes.txt", Version: 9,
			})
			assert.ErrorIs(t, err, artifact.ErrArtifactNotFound)
		})
	}
}

func TestLoadMissingArtifact(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Load(context.Background(), &artifact.LoadRequest{
				AppName: "app", UserID: "u1", SessionID: "s1",
				FileName: "ghost.txt", Version: -1,
			})
			assert.ErrorIs(t, err, artifact.ErrArtifactNotFound)
		})
	}
}

func TestUserNamespaceSharedAcrossSessions(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			save(t, svc, "s1", "user:profile.json", textPart(`{"name":"Ada"}`))
			save(t, svc, "s1", "local.txt", textPart("session only"))

			// The user-scoped file is visible from another session.
			loaded, err := svc.Load(context.Background(), &artifact.LoadRequest{
				AppName: "app", UserID: "u1", SessionID: "s2",
				FileName: "user:profile.json", Version: -1,
			})
			require.NoError(t, err)
			assert.Equal(t, `{"name":"Ada"}`, loaded.Part.Text)

			// The session-scoped one is not.
			_, err = svc.Load(context.Background(), &artifact.LoadRequest{
				AppName: "app", UserID: "u1", SessionID: "s2",
				FileName: "local.txt", Version: -1,
			})
			assert.ErrorIs(t, err, artifact.ErrArtifactNotFound)
		})
	}
}

func TestListKeysMergesScopes(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			save(t, svc, "s1", "a.txt", textPart("a"))
			save(t, svc, "s1", "user:shared.txt", textPart("s"))
			save(t, svc, "s2", "other.txt", textPart("o"))

			keys, err := svc.ListKeys(context.Background(), &artifact.ListKeysRequest{
				AppName: "app", UserID: "u1", SessionID: "s1",
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"a.txt", "user:shared.txt"}, keys.FileNames)
		})
	}
}

func TestDeleteRemovesAllVersions(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			save(t, svc, "s1", "notes.txt", textPart("v0"))
			save(t, svc, "s1", "notes.txt", textPart("v1"))

			require.NoError(t, svc.Delete(context.Background(), &artifact.DeleteRequest{
				AppName: "app", UserID: "u1", SessionID: "s1", FileName: "notes.txt",
			}))

			_, err := svc.Load(context.Background(), &artifact.LoadRequest{
				AppName: "app", UserID: "u1", SessionID: "s1",
				FileName: "notes.txt", Version: -1,
			})
			assert.ErrorIs(t, err, artifact.ErrArtifactNotFound)
		})
	}
}

func TestInlineDataRoundTrip(t *testing.T) {
	for name, svc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			part := agent.Part{InlineData: &agent.Blob{
				MIMEType: "image/png",
				Data:     []byte{0x89, 0x50, 0x4e, 0x47},
			}}
			save(t, svc, "s1", "logo.png", part)

			loaded, err := svc.Load(context.Background(), &artifact.LoadRequest{
				AppName: "app", UserID: "u1", SessionID: "s1",
				FileName: "logo.png", Version: -1,
			})
			require.NoError(t, err)
			require.NotNil(t, loaded.Part.InlineData)
			assert.Equal(t, "image/png", loaded.Part.InlineData.MIMEType)
			assert.Equal(t, part.InlineData.Data, loaded.Part.InlineData.Data)
		})
	}
}

func TestBoundView(t *testing.T) {
	svc := artifact.InMemoryService()
	bound := artifact.Bound(svc, "app", "u1", "s1")
	ctx := context.Background()

	saved, err := bound.Save(ctx, "report.md", textPart("draft"))
	require.NoError(t, err)
	assert.Equal(t, "report.md", saved.Name)
	assert.Equal(t, int64(0), saved.Version)

	_, err = bound.Save(ctx, "report.md", textPart("final"))
	require.NoError(t, err)

	loaded, err := bound.Load(ctx, "report.md")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, "final", loaded.Part.Text)

	old, err := bound.LoadVersion(ctx, "report.md", 0)
	require.NoError(t, err)
	assert.Equal(t, "draft", old.Part.Text)

	list, err := bound.List(ctx)
	require.NoError(t, err)
	require.Len(t, list.Artifacts, 1)
	assert.Equal(t, "report.md", list.Artifacts[0].Name)
	assert.Equal(t, int64(1), list.Artifacts[0].Version)
}
