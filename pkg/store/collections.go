// ABOUTME: Typed collections mapping model structs to positional records
// ABOUTME: Each collection pairs a record codec with generic CRUD helpers

package store

import (
	"fmt"

	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/storage"
)

// Collection is a typed view over one collection.
type Collection[T any] struct {
	name   string
	encode func(*T) (Record, error)
	decode func(int64, Record) (*T, error)
	id     func(*T) int64
	setID  func(*T, int64)
}

// Name returns the collection name.
func (c Collection[T]) Name() string { return c.name }

// Get returns the row with id, or an error wrapping ErrNotFound.
func (c Collection[T]) Get(tx *Tx, id int64) (*T, error) {
	v, ok, err := c.Lookup(tx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", c.name, id, ErrNotFound)
	}
	return v, nil
}

// Lookup is Get reporting absence as false instead of an error.
func (c Collection[T]) Lookup(tx *Tx, id int64) (*T, bool, error) {
	rec, ok, err := tx.Get(c.name, id)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := c.decode(id, rec)
	if err != nil {
		return nil, false, fmt.Errorf("%s %d: %w", c.name, id, err)
	}
	return v, true, nil
}

// Insert assigns the next id to v and stores it.
func (c Collection[T]) Insert(tx *Tx, v *T) (int64, error) {
	rec, err := c.encode(v)
	if err != nil {
		return 0, err
	}
	id, err := tx.Insert(c.name, rec)
	if err != nil {
		return 0, err
	}
	c.setID(v, id)
	return id, nil
}

// Put stores v under its own id.
func (c Collection[T]) Put(tx *Tx, v *T) error {
	rec, err := c.encode(v)
	if err != nil {
		return err
	}
	return tx.Put(c.name, c.id(v), rec)
}

// Delete removes the row with id.
func (c Collection[T]) Delete(tx *Tx, id int64) (bool, error) {
	return tx.Delete(c.name, id)
}

// Each decodes every row matched by q. fn returns false to stop.
func (c Collection[T]) Each(tx *Tx, q Query, fn func(*T) (bool, error)) error {
	return tx.Scan(c.name, q, func(id int64, rec Record) (bool, error) {
		v, err := c.decode(id, rec)
		if err != nil {
			return false, fmt.Errorf("%s %d: %w", c.name, id, err)
		}
		return fn(v)
	})
}

// Find returns every row matched by q.
func (c Collection[T]) Find(tx *Tx, q Query) ([]*T, error) {
	out := []*T{}
	err := c.Each(tx, q, func(v *T) (bool, error) {
		out = append(out, v)
		return true, nil
	})
	return out, err
}

// IDs returns the ids matched by q.
func (c Collection[T]) IDs(tx *Tx, q Query) ([]int64, error) {
	return tx.IDs(c.name, q)
}

// Count returns the number of rows matched by q.
func (c Collection[T]) Count(tx *Tx, q Query) (int, error) {
	return tx.Count(c.name, q)
}

var Projects = Collection[model.Project]{
	name: CollProjects,
	encode: func(p *model.Project) (Record, error) {
		r := NewRecord(projUpdatedAt)
		r[projName] = storage.String(p.Name)
		r[projContext] = stringList(p.Context)
		r[projStatus] = storage.String(p.Status)
		r[projCreatedAt] = storage.Time(p.CreatedAt)
		r[projUpdatedAt] = storage.Time(p.UpdatedAt)
		return r, nil
	},
	decode: func(id int64, r Record) (*model.Project, error) {
		tags, err := decodeStringList(r.Field(projContext))
		if err != nil {
			return nil, err
		}
		if tags == nil {
			tags = []string{}
		}
		return &model.Project{
			ID:        id,
			Name:      r.Field(projName).String(),
			Context:   tags,
			Status:    r.Field(projStatus).String(),
			CreatedAt: r.Field(projCreatedAt).TimeVal(),
			UpdatedAt: r.Field(projUpdatedAt).TimeVal(),
		}, nil
	},
	id:    func(p *model.Project) int64 { return p.ID },
	setID: func(p *model.Project, id int64) { p.ID = id },
}

var Threads = Collection[model.Thread]{
	name: CollThreads,
	encode: func(t *model.Thread) (Record, error) {
		r := NewRecord(thrLastMessageID)
		r[thrProjectID] = storage.Int64(t.ProjectID)
		r[thrTitle] = storage.String(t.Title)
		r[thrTitleEdited] = storage.Bool(t.IsTitleUserEdited)
		r[thrStatus] = storage.String(t.Status)
		r[thrCreatedAt] = storage.Time(t.CreatedAt)
		r[thrUpdatedAt] = storage.Time(t.UpdatedAt)
		r[thrLastMessageAt] = storage.OptTime(t.LastMessageAt)
		r[thrLastMessageContent] = storage.String(t.LastMessageContent)
		if t.LastMessageID != 0 {
			r[thrLastMessageID] = storage.Int64(t.LastMessageID)
		}
		return r, nil
	},
	decode: func(id int64, r Record) (*model.Thread, error) {
		t := &model.Thread{
			ID:                 id,
			ProjectID:          r.Field(thrProjectID).I64,
			Title:              r.Field(thrTitle).String(),
			IsTitleUserEdited:  r.Field(thrTitleEdited).Bool(),
			Status:             r.Field(thrStatus).String(),
			CreatedAt:          r.Field(thrCreatedAt).TimeVal(),
			UpdatedAt:          r.Field(thrUpdatedAt).TimeVal(),
			LastMessageAt:      r.Field(thrLastMessageAt).OptTimeVal(),
			LastMessageContent: r.Field(thrLastMessageContent).String(),
		}
		if v := int64Ptr(r.Field(thrLastMessageID)); v != nil {
			t.LastMessageID = *v
		}
		return t, nil
	},
	id:    func(t *model.Thread) int64 { return t.ID },
	setID: func(t *model.Thread, id int64) { t.ID = id },
}

var Messages = Collection[model.Message]{
	name: CollMessages,
	encode: func(m *model.Message) (Record, error) {
		r := NewRecord(msgCreatedAt)
		r[msgThreadID] = storage.Int64(m.ThreadID)
		r[msgProjectID] = storage.Int64(m.ProjectID)
		r[msgContent] = storage.String(m.Content)
		r[msgRole] = storage.String(m.Role)
		r[msgStatus] = storage.String(m.Status)
		if m.Model != "" {
			r[msgModel] = storage.String(m.Model)
		}
		var err error
		if r[msgModelParams], err = structValue(m.ModelParams); err != nil {
			return nil, fmt.Errorf("modelParams: %w", err)
		}
		if r[msgProviderMeta], err = structValue(m.ModelProviderMeta); err != nil {
			return nil, fmt.Errorf("modelProviderMeta: %w", err)
		}
		if r[msgAttachments], err = attachmentList(m.Attachments); err != nil {
			return nil, err
		}
		r[msgTokensUsed] = optInt64(m.TokensUsed)
		r[msgCost] = optFloat64(m.Cost)
		r[msgCreatedAt] = storage.Time(m.CreatedAt)
		return r, nil
	},
	decode: func(id int64, r Record) (*model.Message, error) {
		m := &model.Message{
			ID:         id,
			ThreadID:   r.Field(msgThreadID).I64,
			ProjectID:  r.Field(msgProjectID).I64,
			Content:    r.Field(msgContent).String(),
			Role:       r.Field(msgRole).String(),
			Status:     r.Field(msgStatus).String(),
			Model:      r.Field(msgModel).String(),
			TokensUsed: int64Ptr(r.Field(msgTokensUsed)),
			Cost:       float64Ptr(r.Field(msgCost)),
			CreatedAt:  r.Field(msgCreatedAt).TimeVal(),
		}
		var err error
		if m.ModelParams, err = decodeStruct(r.Field(msgModelParams)); err != nil {
			return nil, err
		}
		if m.ModelProviderMeta, err = decodeStruct(r.Field(msgProviderMeta)); err != nil {
			return nil, err
		}
		if m.Attachments, err = decodeAttachments(r.Field(msgAttachments)); err != nil {
			return nil, err
		}
		return m, nil
	},
	id:    func(m *model.Message) int64 { return m.ID },
	setID: func(m *model.Message, id int64) { m.ID = id },
}

var SearchTokens = Collection[model.SearchToken]{
	name: CollSearchTokens,
	encode: func(t *model.SearchToken) (Record, error) {
		r := NewRecord(tokCreatedAt)
		r[tokTokens] = stringList(t.Tokens)
		r[tokType] = storage.String(t.Type)
		r[tokReferenceID] = storage.Int64(t.ReferenceID)
		r[tokCreatedAt] = storage.Time(t.CreatedAt)
		return r, nil
	},
	decode: func(id int64, r Record) (*model.SearchToken, error) {
		tokens, err := decodeStringList(r.Field(tokTokens))
		if err != nil {
			return nil, err
		}
		if tokens == nil {
			tokens = []string{}
		}
		return &model.SearchToken{
			ID:          id,
			Tokens:      tokens,
			Type:        r.Field(tokType).String(),
			ReferenceID: r.Field(tokReferenceID).I64,
			CreatedAt:   r.Field(tokCreatedAt).TimeVal(),
		}, nil
	},
	id:    func(t *model.SearchToken) int64 { return t.ID },
	setID: func(t *model.SearchToken, id int64) { t.ID = id },
}

var SearchHistory = Collection[model.SearchHistory]{
	name: CollSearchHistory,
	encode: func(h *model.SearchHistory) (Record, error) {
		r := NewRecord(histResultCount)
		r[histQuery] = storage.String(h.Query)
		r[histTimestamp] = storage.Time(h.Timestamp)
		r[histThreadID] = optInt64(h.ThreadID)
		r[histProjectID] = optInt64(h.ProjectID)
		if h.ResultCount != nil {
			r[histResultCount] = storage.Int64(int64(*h.ResultCount))
		}
		return r, nil
	},
	decode: func(id int64, r Record) (*model.SearchHistory, error) {
		h := &model.SearchHistory{
			ID:        id,
			Query:     r.Field(histQuery).String(),
			Timestamp: r.Field(histTimestamp).TimeVal(),
			ThreadID:  int64Ptr(r.Field(histThreadID)),
			ProjectID: int64Ptr(r.Field(histProjectID)),
		}
		if n := int64Ptr(r.Field(histResultCount)); n != nil {
			count := int(*n)
			h.ResultCount = &count
		}
		return h, nil
	},
	id:    func(h *model.SearchHistory) int64 { return h.ID },
	setID: func(h *model.SearchHistory, id int64) { h.ID = id },
}

// Attachments are nested tuples packed into one list value.
const (
	attID = iota
	attType
	attName
	attSize
	attMimeType
	attData
	attURL
	attMetadata
	attFields
)

func attachmentList(items []model.Attachment) (storage.Value, error) {
	if len(items) == 0 {
		return storage.Null(), nil
	}
	vals := make([]storage.Value, len(items))
	for i, a := range items {
		meta, err := structValue(a.Metadata)
		if err != nil {
			return storage.Value{}, fmt.Errorf("attachment %d metadata: %w", i, err)
		}
		fields := make([]storage.Value, attFields)
		fields[attID] = storage.String(a.ID)
		fields[attType] = storage.String(a.Type)
		fields[attName] = storage.String(a.Name)
		fields[attSize] = storage.Int64(a.Size)
		fields[attMimeType] = storage.String(a.MimeType)
		fields[attData] = storage.Bytes(a.Data)
		fields[attURL] = storage.String(a.URL)
		fields[attMetadata] = meta
		vals[i] = storage.Bytes(storage.EncodeValues(fields...))
	}
	return storage.Bytes(storage.EncodeValues(vals...)), nil
}

func decodeAttachments(v storage.Value) ([]model.Attachment, error) {
	elems, err := listElements(v)
	if err != nil {
		return nil, fmt.Errorf("%w: attachments: %v", ErrCorrupt, err)
	}
	if len(elems) == 0 {
		return nil, nil
	}
	out := make([]model.Attachment, 0, len(elems))
	for i, e := range elems {
		f, err := storage.DecodeValues(e.Str)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %d: %v", ErrCorrupt, i, err)
		}
		at := func(i int) storage.Value {
			if i < len(f) {
				return f[i]
			}
			return storage.Null()
		}
		meta, err := decodeStruct(at(attMetadata))
		if err != nil {
			return nil, err
		}
		a := model.Attachment{
			ID:       at(attID).String(),
			Type:     at(attType).String(),
			Name:     at(attName).String(),
			Size:     at(attSize).I64,
			MimeType: at(attMimeType).String(),
			URL:      at(attURL).String(),
			Metadata: meta,
		}
		if data := at(attData).Str; len(data) > 0 {
			a.Data = data
		}
		out = append(out, a)
	}
	return out, nil
}
