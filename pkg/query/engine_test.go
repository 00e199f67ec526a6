// ABOUTME: Tests for the query engine
// ABOUTME: Data is written through mutation operations with a stepping clock

package query

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/mutation"
	"github.com/nainya/chatstore/pkg/store"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type env struct {
	ctx    context.Context
	store  *store.Store
	ops    *mutation.Operations
	engine *Engine
}

func setupTestEngine(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{Path: filepath.Join(t.TempDir(), "chat.db"), NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	tick := 0
	clock := func() time.Time {
		tick++
		return t0.Add(time.Duration(tick) * time.Minute)
	}
	return &env{
		ctx:    context.Background(),
		store:  s,
		ops:    mutation.New(s, mutation.WithClock(clock)),
		engine: NewEngine(s),
	}
}

func (e *env) project(t *testing.T, name string) int64 {
	t.Helper()
	id, err := e.ops.AddProject(e.ctx, model.Project{Name: name})
	require.NoError(t, err)
	return id
}

func (e *env) thread(t *testing.T, pid int64, title string) int64 {
	t.Helper()
	id, err := e.ops.AddThread(e.ctx, model.Thread{ProjectID: pid, Title: title})
	require.NoError(t, err)
	return id
}

func (e *env) say(t *testing.T, tid int64, content string) int64 {
	t.Helper()
	id, err := e.ops.AddMessage(e.ctx, model.Message{ThreadID: tid, Content: content, Role: model.RoleUser})
	require.NoError(t, err)
	return id
}

func (e *env) history(t *testing.T, q string, at time.Time, results int) {
	t.Helper()
	require.NoError(t, e.store.Update(e.ctx, "test", func(tx *store.Tx) error {
		_, err := store.SearchHistory.Insert(tx, &model.SearchHistory{Query: q, Timestamp: at, ResultCount: &results})
		return err
	}))
}

func threadTitles(ts []*model.Thread) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Title
	}
	return out
}

func TestPointLookups(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "Demo")
	tid := e.thread(t, pid, "Chat A")
	mid := e.say(t, tid, "hello there")

	p, err := e.engine.GetProject(e.ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "Demo", p.Name)

	th, err := e.engine.GetThread(e.ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, "Chat A", th.Title)

	m, err := e.engine.GetMessage(e.ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, "hello there", m.Content)

	_, err = e.engine.GetProject(e.ctx, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestThreadsByProjectOrder(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	other := e.project(t, "other")
	a := e.thread(t, pid, "a")
	b := e.thread(t, pid, "b")
	e.thread(t, pid, "empty")
	e.thread(t, other, "elsewhere")
	e.say(t, b, "first")
	e.say(t, a, "second")

	got, err := e.engine.GetThreadsByProject(e.ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "empty"}, threadTitles(got))
}

func TestMessagesOrderedByCreatedAt(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	tid := e.thread(t, pid, "t")
	for i, offset := range []int{30, 10, 20} {
		_, err := e.ops.AddMessage(e.ctx, model.Message{
			ThreadID: tid, Content: fmt.Sprintf("m%d", i), Role: model.RoleUser,
			CreatedAt: t0.Add(time.Duration(offset) * time.Hour),
		})
		require.NoError(t, err)
	}

	byThread, err := e.engine.GetMessagesByThread(e.ctx, tid)
	require.NoError(t, err)
	byProject, err := e.engine.GetMessagesByProject(e.ctx, pid)
	require.NoError(t, err)
	for _, list := range [][]*model.Message{byThread, byProject} {
		require.Len(t, list, 3)
		assert.Equal(t, []string{"m1", "m2", "m0"}, []string{list[0].Content, list[1].Content, list[2].Content})
	}
}

func TestRecentThreads(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	var ids []int64
	for i := 0; i < 12; i++ {
		tid := e.thread(t, pid, fmt.Sprintf("t%02d", i))
		e.say(t, tid, "ping")
		ids = append(ids, tid)
	}

	got, err := e.engine.GetRecentThreads(e.ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, DefaultRecentThreads)
	assert.Equal(t, ids[11], got[0].ID)

	got, err = e.engine.GetRecentThreads(e.ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"t11", "t10", "t09"}, threadTitles(got))
}

func TestActiveProjects(t *testing.T) {
	e := setupTestEngine(t)
	a := e.project(t, "a")
	b := e.project(t, "b")
	c := e.project(t, "c")
	_, err := e.ops.ArchiveProject(e.ctx, b)
	require.NoError(t, err)
	_, err = e.ops.UpdateProject(e.ctx, a, model.ProjectChanges{})
	require.NoError(t, err)

	got, err := e.engine.GetActiveProjects(e.ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0].ID)
	assert.Equal(t, c, got[1].ID)

	all, err := e.engine.ListProjects(e.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestProjectStats(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	t1 := e.thread(t, pid, "one")
	e.thread(t, pid, "two")
	tokens := int64(100)
	cost := 0.5
	for i := 0; i < 3; i++ {
		m := model.Message{ThreadID: t1, Content: "x", Role: model.RoleAssistant}
		if i > 0 {
			m.TokensUsed, m.Cost = &tokens, &cost
		}
		_, err := e.ops.AddMessage(e.ctx, m)
		require.NoError(t, err)
	}

	stats, err := e.engine.GetProjectStats(e.ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ThreadCount)
	assert.Equal(t, 3, stats.MessageCount)
	assert.Equal(t, int64(200), stats.TotalTokens)
	assert.InDelta(t, 1.0, stats.TotalCost, 1e-9)
	assert.NotNil(t, stats.LastActivity)

	empty, err := e.engine.GetProjectStats(e.ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, empty.ThreadCount)
	assert.Nil(t, empty.LastActivity)
}

func TestSearchMessagesScenario(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "Demo")
	tid := e.thread(t, pid, "Chat A")
	mid := e.say(t, tid, "Hello world this is a test")
	e.say(t, tid, "unrelated reply")

	got, err := e.engine.SearchMessages(e.ctx, "test")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mid, got[0].ID)

	got, err = e.engine.SearchMessages(e.ctx, "xyz")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchMessagesSubstringAndOrder(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	tid := e.thread(t, pid, "t")
	first := e.say(t, tid, "databases are fun")
	e.say(t, tid, "nothing here")
	third := e.say(t, tid, "my database broke")

	got, err := e.engine.SearchMessages(e.ctx, "DATA zz")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].ID)
	assert.Equal(t, third, got[1].ID)
}

func TestBlankSearchSkipsStore(t *testing.T) {
	e := setupTestEngine(t)
	require.NoError(t, e.store.Close())

	for _, q := range []string{"", "   ", "a b"} {
		got, err := e.engine.SearchMessages(e.ctx, q)
		require.NoError(t, err, "query %q", q)
		assert.Empty(t, got)
	}
}

func TestSearchThreads(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	e.thread(t, pid, "Kubernetes upgrade notes")
	e.thread(t, pid, "Lunch ideas")

	got, err := e.engine.SearchThreads(e.ctx, "kube")
	require.NoError(t, err)
	assert.Equal(t, []string{"Kubernetes upgrade notes"}, threadTitles(got))
}

func TestSearchBrowseMode(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	other := e.project(t, "q")
	for i := 0; i < 17; i++ {
		tid := e.thread(t, pid, fmt.Sprintf("t%02d", i))
		e.say(t, tid, "hi there")
	}
	quiet := e.thread(t, pid, "no messages yet")
	archived := e.thread(t, pid, "archived")
	_, err := e.ops.ArchiveThread(e.ctx, archived)
	require.NoError(t, err)
	e.thread(t, other, "other project")
	for i := 0; i < 7; i++ {
		e.history(t, fmt.Sprintf("query %d", i), t0.Add(time.Duration(i)*time.Hour), i)
	}

	got, err := e.engine.Search(e.ctx, "  ", pid)
	require.NoError(t, err)
	require.Len(t, got, BrowseThreads+BrowseHistory)

	threads, history := got[:BrowseThreads], got[BrowseThreads:]
	for _, r := range threads {
		assert.Equal(t, KindThread, r.Kind)
		assert.NotEqual(t, archived, r.ID)
	}
	// the empty thread was created last, so its updatedAt is the newest activity
	assert.Equal(t, quiet, threads[0].ID)
	assert.Equal(t, "t16", threads[1].Title)
	for i := 1; i < len(threads); i++ {
		assert.False(t, threads[i].Timestamp.After(threads[i-1].Timestamp))
	}
	assert.Equal(t, KindQuery, history[0].Kind)
	assert.Equal(t, "query 6", history[0].Title)
	assert.Equal(t, "6 results", history[0].Metadata)
	assert.Equal(t, "query 2", history[4].Title)
}

func TestSearchFilterMode(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	golang := e.thread(t, pid, "Golang tips")
	other := e.thread(t, pid, "Cooking")
	msg := e.say(t, other, "boil pasta in salted water, like a golang gopher would")
	e.say(t, other, "nothing relevant")
	e.history(t, "golang generics", t0.Add(-time.Hour), 3)
	e.history(t, "pasta", t0.Add(-time.Hour), 1)

	got, err := e.engine.Search(e.ctx, "GoLang", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// the message is newer than the thread's updatedAt; history is oldest
	assert.Equal(t, KindMessage, got[0].Kind)
	assert.Equal(t, msg, got[0].ID)
	assert.Equal(t, "Cooking", got[0].Metadata)
	assert.Equal(t, "boil pasta in salted water, like a golang gopher would...", got[0].Title)
	assert.Equal(t, KindThread, got[1].Kind)
	assert.Equal(t, golang, got[1].ID)
	assert.Equal(t, KindQuery, got[2].Kind)
	assert.Equal(t, "golang generics", got[2].Title)
	assert.Empty(t, got[2].Metadata)

	none, err := e.engine.Search(e.ctx, "zzz", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchFilterCapsResults(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	tid := e.thread(t, pid, "t")
	for i := 0; i < 40; i++ {
		e.say(t, tid, fmt.Sprintf("needle %d", i))
	}
	got, err := e.engine.Search(e.ctx, "needle", 0)
	require.NoError(t, err)
	require.Len(t, got, MaxResults)
	assert.Equal(t, "needle 39...", got[0].Title)
}

func TestSearchFilterScansRecentMessagesOnly(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	tid := e.thread(t, pid, "t")
	for i := 0; i < 20; i++ {
		e.say(t, tid, fmt.Sprintf("needle %d", i))
	}
	for i := 0; i < FilterMessages; i++ {
		e.say(t, tid, fmt.Sprintf("filler %d", i))
	}

	got, err := e.engine.Search(e.ctx, "needle", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	latest := e.say(t, tid, "one more needle")
	got, err = e.engine.Search(e.ctx, "needle", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, latest, got[0].ID)
}

func TestSearchFilterScansRecentMessagesPerProject(t *testing.T) {
	e := setupTestEngine(t)
	old := e.project(t, "old")
	busy := e.project(t, "busy")
	oldThread := e.thread(t, old, "t")
	busyThread := e.thread(t, busy, "t")
	for i := 0; i < 20; i++ {
		e.say(t, oldThread, fmt.Sprintf("needle %d", i))
	}
	for i := 0; i < FilterMessages; i++ {
		e.say(t, busyThread, fmt.Sprintf("filler %d", i))
	}

	got, err := e.engine.Search(e.ctx, "needle", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = e.engine.Search(e.ctx, "needle", busy)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = e.engine.Search(e.ctx, "needle", old)
	require.NoError(t, err)
	require.Len(t, got, 20)
	assert.Equal(t, "needle 19...", got[0].Title)
}

func TestSearchFilterLabelsOnlyActiveThreads(t *testing.T) {
	e := setupTestEngine(t)
	pid := e.project(t, "p")
	live := e.thread(t, pid, "Live")
	shelved := e.thread(t, pid, "Shelved")
	e.say(t, live, "gopher in the live thread")
	e.say(t, shelved, "gopher in the shelved thread")
	_, err := e.ops.ArchiveThread(e.ctx, shelved)
	require.NoError(t, err)

	got, err := e.engine.Search(e.ctx, "gopher", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	labels := map[int64]string{}
	for _, r := range got {
		require.Equal(t, KindMessage, r.Kind)
		labels[r.ThreadID] = r.Metadata
	}
	assert.Equal(t, "Live", labels[live])
	assert.Empty(t, labels[shelved])
}
