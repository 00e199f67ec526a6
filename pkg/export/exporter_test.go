package export

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/mutation"
	"github.com/nainya/chatstore/pkg/store"
)

var exportedAt = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{Path: filepath.Join(t.TempDir(), "chat.db"), NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type seeded struct {
	store    *store.Store
	exporter *Exporter
	projects []int64
	threads  []int64
	messages []int64
}

// seed creates two projects, each with one thread holding one message.
func seed(t *testing.T) *seeded {
	t.Helper()
	ctx := context.Background()
	s := openStore(t)
	ops := mutation.New(s)
	out := &seeded{store: s, exporter: New(s, WithClock(func() time.Time { return exportedAt }))}
	for i, name := range []string{"Alpha", "Beta"} {
		pid, err := ops.AddProject(ctx, model.Project{Name: name, Context: []string{"research"}})
		require.NoError(t, err)
		tid, err := ops.AddThread(ctx, model.Thread{ProjectID: pid, Title: name + " planning"})
		require.NoError(t, err)
		msg := model.Message{ThreadID: tid, ProjectID: pid, Role: model.RoleUser, Content: "hello from " + name}
		if i == 0 {
			msg.Attachments = []model.Attachment{{Type: model.AttachmentFile, Name: "notes.txt", Size: 6, MimeType: "text/plain", Data: []byte("secret")}}
		}
		mid, err := ops.AddMessage(ctx, msg)
		require.NoError(t, err)
		out.projects = append(out.projects, pid)
		out.threads = append(out.threads, tid)
		out.messages = append(out.messages, mid)
	}
	return out
}

func TestExportAllReplacesAttachmentData(t *testing.T) {
	f := seed(t)
	snap, err := f.exporter.ExportAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Version, snap.Version)
	assert.Equal(t, exportedAt, snap.ExportedAt)
	assert.Len(t, snap.Projects, 2)
	assert.Len(t, snap.Threads, 2)
	require.Len(t, snap.Messages, 2)
	assert.Len(t, snap.SearchTokens, 6)

	att := snap.Messages[0].Attachments
	require.Len(t, att, 1)
	assert.Equal(t, BinaryPlaceholder, att[0].Data)
	assert.Equal(t, "notes.txt", att[0].Name)
	assert.Nil(t, att[0].Attachment.Data)
	assert.Nil(t, snap.Messages[0].Message.Attachments)

	var buf bytes.Buffer
	require.NoError(t, snap.Encode(&buf))
	assert.Contains(t, buf.String(), BinaryPlaceholder)
	assert.NotContains(t, buf.String(), "c2VjcmV0")
	assert.True(t, strings.HasPrefix(buf.String(), "{\n  \"version\": \"1.0\""))
}

func TestExportAllLeavesStoreUntouched(t *testing.T) {
	f := seed(t)
	_, err := f.exporter.ExportAll(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.store.View(context.Background(), "test", func(tx *store.Tx) error {
		m, err := store.Messages.Get(tx, f.messages[0])
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), m.Attachments[0].Data)
		return nil
	}))
}

func TestExportProjectScopesTokens(t *testing.T) {
	f := seed(t)
	snap, err := f.exporter.ExportProject(context.Background(), f.projects[1])
	require.NoError(t, err)

	require.Len(t, snap.Projects, 1)
	assert.Equal(t, "Beta", snap.Projects[0].Name)
	require.Len(t, snap.Threads, 1)
	assert.Equal(t, f.threads[1], snap.Threads[0].ID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, f.messages[1], snap.Messages[0].ID)

	require.Len(t, snap.SearchTokens, 3)
	want := map[string]int64{
		model.TokenProject: f.projects[1],
		model.TokenThread:  f.threads[1],
		model.TokenMessage: f.messages[1],
	}
	for _, tok := range snap.SearchTokens {
		assert.Equal(t, want[tok.Type], tok.ReferenceID, tok.Type)
	}
}

func TestExportProjectsKeepsRequestOrder(t *testing.T) {
	f := seed(t)
	snap, err := f.exporter.ExportProjects(context.Background(), f.projects[1], f.projects[0])
	require.NoError(t, err)

	require.Len(t, snap.Projects, 2)
	assert.Equal(t, f.projects[1], snap.Projects[0].ID)
	assert.Equal(t, f.projects[0], snap.Projects[1].ID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, f.messages[1], snap.Messages[0].ID)
	assert.Equal(t, f.messages[0], snap.Messages[1].ID)
}

func TestExportProjectsWithoutIDsExportsEverything(t *testing.T) {
	f := seed(t)
	snap, err := f.exporter.ExportProjects(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Projects, 2)
	assert.Len(t, snap.SearchTokens, 6)
}

func TestExportMissingProject(t *testing.T) {
	f := seed(t)
	_, err := f.exporter.ExportProjects(context.Background(), f.projects[0], 99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestExportEmptyStore(t *testing.T) {
	x := New(openStore(t))
	data, err := x.ExportProjectsJSON(context.Background())
	require.NoError(t, err)

	snap, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Empty(t, snap.Projects)
	assert.Contains(t, string(data), `"projects": []`)
}

func TestStats(t *testing.T) {
	f := seed(t)
	st, err := f.exporter.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, st.TotalProjects)
	assert.Equal(t, 2, st.TotalThreads)
	assert.Equal(t, 2, st.TotalMessages)
	assert.Equal(t, 6, st.TotalSearchTokens)
	// 2*500 + 2*300 + 2*1000 + 6*100 = 4200
	assert.Equal(t, "4.1 KB", st.DatabaseSize)
	assert.Greater(t, st.FileBytes, int64(0))
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:       "0 Bytes",
		500:     "500 Bytes",
		1024:    "1 KB",
		1536:    "1.5 KB",
		2048:    "2 KB",
		2100:    "2.05 KB",
		1 << 20: "1 MB",
		3 << 30: "3 GB",
	}
	for n, want := range cases {
		assert.Equal(t, want, FormatBytes(n), "%d bytes", n)
	}
}

func TestDefaultFilename(t *testing.T) {
	at := time.UnixMilli(1717243200000)
	assert.Equal(t, "project-7-export-1717243200000.json", DefaultFilename([]int64{7}, at))
	assert.Equal(t, "chat-export-1717243200000.json", DefaultFilename(nil, at))
	assert.Equal(t, "chat-export-1717243200000.json", DefaultFilename([]int64{1, 2}, at))
}

func TestImportRoundTrip(t *testing.T) {
	f := seed(t)
	data, err := f.exporter.ExportProjectsJSON(context.Background())
	require.NoError(t, err)
	snap, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)

	dst := openStore(t)
	res, err := New(dst).Import(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Projects: 2, Threads: 2, Messages: 2, SearchTokens: 6}, res)

	require.NoError(t, dst.View(context.Background(), "test", func(tx *store.Tx) error {
		m, err := store.Messages.Get(tx, f.messages[0])
		require.NoError(t, err)
		assert.Equal(t, "hello from Alpha", m.Content)
		assert.Equal(t, f.threads[0], m.ThreadID)
		require.Len(t, m.Attachments, 1)
		assert.Equal(t, "notes.txt", m.Attachments[0].Name)
		assert.Nil(t, m.Attachments[0].Data)

		th, err := store.Threads.Get(tx, f.threads[1])
		require.NoError(t, err)
		assert.Equal(t, "Beta planning", th.Title)
		assert.Equal(t, f.messages[1], th.LastMessageID)
		return nil
	}))

	// Imported ids are taken; new rows continue after them.
	id, err := mutation.New(dst).AddProject(context.Background(), model.Project{Name: "Gamma"})
	require.NoError(t, err)
	assert.Greater(t, id, f.projects[1])
}

func TestImportDecodesBase64Attachments(t *testing.T) {
	snap := newSnapshot(exportedAt)
	snap.Projects = []*model.Project{{ID: 1, Name: "P", Status: model.StatusActive}}
	snap.Threads = []*model.Thread{{ID: 1, ProjectID: 1, Title: "T", Status: model.StatusActive}}
	snap.Messages = []*Message{{
		Message:     model.Message{ID: 1, ThreadID: 1, ProjectID: 1, Role: model.RoleUser, Content: "see file"},
		Attachments: []Attachment{{Attachment: model.Attachment{ID: "a", Name: "f"}, Data: "c2VjcmV0"}},
	}}

	s := openStore(t)
	_, err := New(s).Import(context.Background(), snap)
	require.NoError(t, err)
	require.NoError(t, s.View(context.Background(), "test", func(tx *store.Tx) error {
		m, err := store.Messages.Get(tx, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), m.Attachments[0].Data)
		return nil
	}))
}

func TestImportConflict(t *testing.T) {
	f := seed(t)
	snap, err := f.exporter.ExportProject(context.Background(), f.projects[0])
	require.NoError(t, err)

	_, err = f.exporter.Import(context.Background(), snap)
	assert.True(t, errors.Is(err, ErrConflict))

	dup := newSnapshot(exportedAt)
	dup.Projects = []*model.Project{{ID: 5, Name: "a"}, {ID: 5, Name: "b"}}
	_, err = New(openStore(t)).Import(context.Background(), dup)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestImportIntegrity(t *testing.T) {
	orphan := newSnapshot(exportedAt)
	orphan.Threads = []*model.Thread{{ID: 1, ProjectID: 42, Title: "lost"}}

	mismatch := newSnapshot(exportedAt)
	mismatch.Projects = []*model.Project{{ID: 1, Name: "one"}, {ID: 2, Name: "two"}}
	mismatch.Threads = []*model.Thread{{ID: 1, ProjectID: 1, Title: "t"}}
	mismatch.Messages = []*Message{{Message: model.Message{ID: 1, ThreadID: 1, ProjectID: 2, Role: model.RoleUser}}}

	badID := newSnapshot(exportedAt)
	badID.Projects = []*model.Project{{ID: 0, Name: "zero"}}

	for name, snap := range map[string]*Snapshot{"orphan": orphan, "mismatch": mismatch, "bad id": badID} {
		t.Run(name, func(t *testing.T) {
			s := openStore(t)
			_, err := New(s).Import(context.Background(), snap)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIntegrity))

			counts, err := s.CountAll(context.Background())
			require.NoError(t, err)
			assert.Zero(t, counts[store.CollProjects])
		})
	}
}
