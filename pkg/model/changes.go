// ABOUTME: Partial-update change sets for projects, threads and messages
// ABOUTME: Nil fields are left untouched by the update operations

package model

// ProjectChanges lists project fields to overwrite.
type ProjectChanges struct {
	Name    *string
	Context *[]string
	Status  *string
}

// Apply merges the non-nil fields into p and reports whether searchable
// text changed.
func (c ProjectChanges) Apply(p *Project) (textChanged bool) {
	if c.Name != nil {
		textChanged = textChanged || *c.Name != p.Name
		p.Name = *c.Name
	}
	if c.Context != nil {
		textChanged = true
		p.Context = append([]string(nil), (*c.Context)...)
	}
	if c.Status != nil {
		p.Status = *c.Status
	}
	return textChanged
}

// ThreadChanges lists thread fields to overwrite.
type ThreadChanges struct {
	Title             *string
	IsTitleUserEdited *bool
	Status            *string
}

// Apply merges the non-nil fields into t and reports whether the title changed.
func (c ThreadChanges) Apply(t *Thread) (titleChanged bool) {
	if c.Title != nil {
		titleChanged = *c.Title != t.Title
		t.Title = *c.Title
	}
	if c.IsTitleUserEdited != nil {
		t.IsTitleUserEdited = *c.IsTitleUserEdited
	}
	if c.Status != nil {
		t.Status = *c.Status
	}
	return titleChanged
}

// MessageChanges lists message fields to overwrite.
type MessageChanges struct {
	Content           *string
	Status            *string
	Model             *string
	ModelParams       map[string]interface{}
	ModelProviderMeta map[string]interface{}
	Attachments       *[]Attachment
	TokensUsed        *int64
	Cost              *float64
}

// Apply merges the non-nil fields into m and reports whether content changed.
func (c MessageChanges) Apply(m *Message) (contentChanged bool) {
	if c.Content != nil {
		contentChanged = *c.Content != m.Content
		m.Content = *c.Content
	}
	if c.Status != nil {
		m.Status = *c.Status
	}
	if c.Model != nil {
		m.Model = *c.Model
	}
	if c.ModelParams != nil {
		m.ModelParams = c.ModelParams
	}
	if c.ModelProviderMeta != nil {
		m.ModelProviderMeta = c.ModelProviderMeta
	}
	if c.Attachments != nil {
		m.Attachments = *c.Attachments
	}
	if c.TokensUsed != nil {
		v := *c.TokensUsed
		m.TokensUsed = &v
	}
	if c.Cost != nil {
		v := *c.Cost
		m.Cost = &v
	}
	return contentChanged
}

// Ptr returns a pointer to v, for building change sets.
func Ptr[T any](v T) *T { return &v }
