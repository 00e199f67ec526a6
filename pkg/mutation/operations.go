// ABOUTME: Write path for projects, threads and messages
// ABOUTME: Each operation is one store transaction that keeps summaries and search tokens in step

package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/chatstore/internal/logger"
	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/storage"
	"github.com/nainya/chatstore/pkg/store"
)

var (
	// ErrProjectMismatch is returned when a message names a project other
	// than the one owning its thread.
	ErrProjectMismatch = errors.New("mutation: thread belongs to another project")
	// ErrInvalid is returned for input that can never be stored.
	ErrInvalid = errors.New("mutation: invalid input")
)

const (
	previewLength = 100
	titleLength   = 30
)

// Operations is the only component that writes chat data.
type Operations struct {
	store *store.Store
	log   *logger.Logger
	now   func() time.Time
}

// Option configures Operations.
type Option func(*Operations)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Operations) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Operations) { o.log = l }
}

// New returns Operations writing to s.
func New(s *store.Store, opts ...Option) *Operations {
	o := &Operations{store: s, log: logger.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Component("mutation")
	return o
}

// AddProject inserts p and indexes its name and context tags. ID and
// timestamps are assigned here; an empty status means active.
func (o *Operations) AddProject(ctx context.Context, p model.Project) (int64, error) {
	now := o.now()
	p.ID = 0
	p.Context = append([]string{}, p.Context...)
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = model.StatusActive
	}
	if err := checkStatus("project", p.Status); err != nil {
		return 0, err
	}
	var id int64
	err := o.store.Update(ctx, "add_project", func(tx *store.Tx) error {
		var err error
		if id, err = store.Projects.Insert(tx, &p); err != nil {
			return err
		}
		return Reindex(tx, model.TokenProject, id, ProjectText(&p), now)
	})
	return id, err
}

// AddThread inserts t under an existing project. An empty title becomes
// the default title.
func (o *Operations) AddThread(ctx context.Context, t model.Thread) (int64, error) {
	now := o.now()
	t.ID = 0
	t.CreatedAt, t.UpdatedAt = now, now
	t.LastMessageAt, t.LastMessageContent, t.LastMessageID = nil, "", 0
	if t.Title == "" {
		t.Title = model.DefaultThreadTitle
	}
	if t.Status == "" {
		t.Status = model.StatusActive
	}
	if err := checkStatus("thread", t.Status); err != nil {
		return 0, err
	}
	var id int64
	err := o.store.Update(ctx, "add_thread", func(tx *store.Tx) error {
		if _, err := store.Projects.Get(tx, t.ProjectID); err != nil {
			return err
		}
		var err error
		if id, err = store.Threads.Insert(tx, &t); err != nil {
			return err
		}
		return Reindex(tx, model.TokenThread, id, t.Title, now)
	})
	return id, err
}

// AddMessage inserts m, points the thread summary at it, touches the
// project and indexes the content. A zero CreatedAt means now; a zero
// ProjectID is taken from the thread.
func (o *Operations) AddMessage(ctx context.Context, m model.Message) (int64, error) {
	if err := checkMessage(&m); err != nil {
		return 0, err
	}
	now := o.now()
	m.ID = 0
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Status == "" {
		m.Status = model.MessageCompleted
	}
	m.Attachments = withAttachmentIDs(m.Attachments)

	var id int64
	err := o.store.Update(ctx, "add_message", func(tx *store.Tx) error {
		thread, err := store.Threads.Get(tx, m.ThreadID)
		if err != nil {
			return err
		}
		if m.ProjectID == 0 {
			m.ProjectID = thread.ProjectID
		}
		if thread.ProjectID != m.ProjectID {
			return fmt.Errorf("%w: thread %d is in project %d, message names %d",
				ErrProjectMismatch, thread.ID, thread.ProjectID, m.ProjectID)
		}
		project, err := store.Projects.Get(tx, m.ProjectID)
		if err != nil {
			return err
		}

		if id, err = store.Messages.Insert(tx, &m); err != nil {
			return err
		}

		at := m.CreatedAt
		thread.LastMessageAt = &at
		thread.LastMessageContent = model.Truncate(m.Content, previewLength)
		thread.LastMessageID = id
		thread.UpdatedAt = now
		if m.Role == model.RoleUser && !thread.IsTitleUserEdited &&
			(thread.Title == "" || thread.Title == model.DefaultThreadTitle) {
			if title := deriveTitle(m.Content); title != "" {
				thread.Title = title
				if err := Reindex(tx, model.TokenThread, thread.ID, title, now); err != nil {
					return err
				}
			}
		}
		if err := store.Threads.Put(tx, thread); err != nil {
			return err
		}

		project.UpdatedAt = now
		if err := store.Projects.Put(tx, project); err != nil {
			return err
		}
		return Reindex(tx, model.TokenMessage, id, m.Content, now)
	})
	return id, err
}

// AddSearchToken inserts a raw index row.
func (o *Operations) AddSearchToken(ctx context.Context, tok model.SearchToken) (int64, error) {
	switch tok.Type {
	case model.TokenMessage, model.TokenThread, model.TokenProject:
	default:
		return 0, fmt.Errorf("%w: search token type %q", ErrInvalid, tok.Type)
	}
	tok.ID = 0
	tok.CreatedAt = o.now()
	var id int64
	err := o.store.Update(ctx, "add_search_token", func(tx *store.Tx) error {
		var err error
		id, err = store.SearchTokens.Insert(tx, &tok)
		return err
	})
	return id, err
}

// UpdateProject merges changes into project id and stamps updatedAt. It
// returns 0 when the project does not exist.
func (o *Operations) UpdateProject(ctx context.Context, id int64, changes model.ProjectChanges) (int, error) {
	if changes.Status != nil {
		if err := checkStatus("project", *changes.Status); err != nil {
			return 0, err
		}
	}
	now := o.now()
	n := 0
	err := o.store.Update(ctx, "update_project", func(tx *store.Tx) error {
		p, ok, err := store.Projects.Lookup(tx, id)
		if err != nil || !ok {
			return err
		}
		textChanged := changes.Apply(p)
		p.UpdatedAt = now
		if err := store.Projects.Put(tx, p); err != nil {
			return err
		}
		n = 1
		if textChanged {
			return Reindex(tx, model.TokenProject, id, ProjectText(p), now)
		}
		return nil
	})
	return n, err
}

// UpdateThread merges changes into thread id and stamps updatedAt. It
// returns 0 when the thread does not exist.
func (o *Operations) UpdateThread(ctx context.Context, id int64, changes model.ThreadChanges) (int, error) {
	if changes.Status != nil {
		if err := checkStatus("thread", *changes.Status); err != nil {
			return 0, err
		}
	}
	now := o.now()
	n := 0
	err := o.store.Update(ctx, "update_thread", func(tx *store.Tx) error {
		t, ok, err := store.Threads.Lookup(tx, id)
		if err != nil || !ok {
			return err
		}
		titleChanged := changes.Apply(t)
		t.UpdatedAt = now
		if err := store.Threads.Put(tx, t); err != nil {
			return err
		}
		n = 1
		if titleChanged {
			return Reindex(tx, model.TokenThread, id, t.Title, now)
		}
		return nil
	})
	return n, err
}

// RenameThread sets a user-chosen title that automatic derivation keeps.
func (o *Operations) RenameThread(ctx context.Context, id int64, title string) (int, error) {
	return o.UpdateThread(ctx, id, model.ThreadChanges{Title: &title, IsTitleUserEdited: model.Ptr(true)})
}

// ArchiveThread moves a thread to the archived status.
func (o *Operations) ArchiveThread(ctx context.Context, id int64) (int, error) {
	return o.UpdateThread(ctx, id, model.ThreadChanges{Status: model.Ptr(model.StatusArchived)})
}

// ArchiveProject moves a project to the archived status.
func (o *Operations) ArchiveProject(ctx context.Context, id int64) (int, error) {
	return o.UpdateProject(ctx, id, model.ProjectChanges{Status: model.Ptr(model.StatusArchived)})
}

// UpdateMessage merges changes into message id. New content replaces the
// message's search token and, for the thread's latest message, its preview.
// It returns 0 when the message does not exist.
func (o *Operations) UpdateMessage(ctx context.Context, id int64, changes model.MessageChanges) (int, error) {
	if changes.Attachments != nil {
		list := withAttachmentIDs(*changes.Attachments)
		changes.Attachments = &list
	}
	now := o.now()
	n := 0
	err := o.store.Update(ctx, "update_message", func(tx *store.Tx) error {
		m, ok, err := store.Messages.Lookup(tx, id)
		if err != nil || !ok {
			return err
		}
		contentChanged := changes.Apply(m)
		if err := checkMessage(m); err != nil {
			return err
		}
		if err := store.Messages.Put(tx, m); err != nil {
			return err
		}
		n = 1
		if !contentChanged {
			return nil
		}
		if err := Reindex(tx, model.TokenMessage, id, m.Content, now); err != nil {
			return err
		}
		t, ok, err := store.Threads.Lookup(tx, m.ThreadID)
		if err != nil || !ok || t.LastMessageID != id {
			return err
		}
		t.LastMessageContent = model.Truncate(m.Content, previewLength)
		t.UpdatedAt = now
		return store.Threads.Put(tx, t)
	})
	return n, err
}

// DeleteProject removes a project with its threads, messages and every
// search token of the three. Missing projects are ignored.
func (o *Operations) DeleteProject(ctx context.Context, id int64) error {
	var threads, messages int
	err := o.store.Update(ctx, "delete_project", func(tx *store.Tx) error {
		threadIDs, err := store.Threads.IDs(tx, store.On(store.IdxProjectID, storage.Int64(id)))
		if err != nil {
			return err
		}
		messageIDs, err := store.Messages.IDs(tx, store.On(store.IdxProjectID, storage.Int64(id)))
		if err != nil {
			return err
		}
		threads, messages = len(threadIDs), len(messageIDs)

		if err := DropTokens(tx, model.TokenProject, id); err != nil {
			return err
		}
		for _, tid := range threadIDs {
			if err := DropTokens(tx, model.TokenThread, tid); err != nil {
				return err
			}
		}
		for _, mid := range messageIDs {
			if err := DropTokens(tx, model.TokenMessage, mid); err != nil {
				return err
			}
			if _, err := store.Messages.Delete(tx, mid); err != nil {
				return err
			}
		}
		for _, tid := range threadIDs {
			if _, err := store.Threads.Delete(tx, tid); err != nil {
				return err
			}
		}
		_, err = store.Projects.Delete(tx, id)
		return err
	})
	if err == nil {
		o.log.Debug("Project deleted").
			Int64("project_id", id).
			Int("threads", threads).
			Int("messages", messages).
			Send()
	}
	return err
}

// DeleteThread removes a thread with its messages and their search tokens.
// The project row is left as it is.
func (o *Operations) DeleteThread(ctx context.Context, id int64) error {
	return o.store.Update(ctx, "delete_thread", func(tx *store.Tx) error {
		messageIDs, err := store.Messages.IDs(tx, store.On(store.IdxThreadID, storage.Int64(id)))
		if err != nil {
			return err
		}
		for _, mid := range messageIDs {
			if err := DropTokens(tx, model.TokenMessage, mid); err != nil {
				return err
			}
			if _, err := store.Messages.Delete(tx, mid); err != nil {
				return err
			}
		}
		if err := DropTokens(tx, model.TokenThread, id); err != nil {
			return err
		}
		_, err = store.Threads.Delete(tx, id)
		return err
	})
}

// DeleteMessage removes a message and its search token. When it was the
// thread's latest message the summary moves to the newest remaining one.
func (o *Operations) DeleteMessage(ctx context.Context, id int64) error {
	now := o.now()
	return o.store.Update(ctx, "delete_message", func(tx *store.Tx) error {
		m, ok, err := store.Messages.Lookup(tx, id)
		if err != nil || !ok {
			return err
		}
		if err := DropTokens(tx, model.TokenMessage, id); err != nil {
			return err
		}
		if _, err := store.Messages.Delete(tx, id); err != nil {
			return err
		}

		t, ok, err := store.Threads.Lookup(tx, m.ThreadID)
		if err != nil || !ok || t.LastMessageID != id {
			return err
		}
		latest, err := store.Messages.Find(tx, store.On(store.IdxThreadID, storage.Int64(t.ID)).Desc().Take(1))
		if err != nil {
			return err
		}
		if len(latest) == 0 {
			t.LastMessageAt, t.LastMessageContent, t.LastMessageID = nil, "", 0
		} else {
			at := latest[0].CreatedAt
			t.LastMessageAt = &at
			t.LastMessageContent = model.Truncate(latest[0].Content, previewLength)
			t.LastMessageID = latest[0].ID
		}
		t.UpdatedAt = now
		return store.Threads.Put(tx, t)
	})
}

func checkMessage(m *model.Message) error {
	switch m.Role {
	case model.RoleUser, model.RoleAssistant, model.RoleSystem:
	default:
		return fmt.Errorf("%w: message role %q", ErrInvalid, m.Role)
	}
	switch m.Status {
	case "", model.MessagePending, model.MessageCompleted, model.MessageError, model.MessageDeleted:
	default:
		return fmt.Errorf("%w: message status %q", ErrInvalid, m.Status)
	}
	for _, a := range m.Attachments {
		switch a.Type {
		case model.AttachmentImage, model.AttachmentFile, model.AttachmentAudio, model.AttachmentVideo:
		default:
			return fmt.Errorf("%w: attachment type %q", ErrInvalid, a.Type)
		}
	}
	return nil
}

func checkStatus(kind, status string) error {
	switch status {
	case model.StatusActive, model.StatusArchived, model.StatusDeleted:
		return nil
	}
	return fmt.Errorf("%w: %s status %q", ErrInvalid, kind, status)
}

func withAttachmentIDs(in []model.Attachment) []model.Attachment {
	if in == nil {
		return nil
	}
	out := make([]model.Attachment, len(in))
	copy(out, in)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	return out
}

func deriveTitle(content string) string {
	content = strings.TrimSpace(content)
	title := model.Truncate(content, titleLength)
	if len(title) < len(content) {
		title += "..."
	}
	return title
}
