// ABOUTME: Export file format: a versioned JSON snapshot of the chat collections
// ABOUTME: Attachment payloads are replaced with a placeholder before encoding

package export

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/nainya/chatstore/pkg/model"
)

const (
	// Version is written into every snapshot.
	Version = "1.0"
	// BinaryPlaceholder replaces attachment data in exported files.
	BinaryPlaceholder = "[Binary data removed for export]"
)

// Snapshot is the export file.
type Snapshot struct {
	Version      string               `json:"version"`
	ExportedAt   time.Time            `json:"exportedAt"`
	Projects     []*model.Project     `json:"projects"`
	Threads      []*model.Thread      `json:"threads"`
	Messages     []*Message           `json:"messages"`
	SearchTokens []*model.SearchToken `json:"searchTokens"`
}

// Message is a message as written to a snapshot.
type Message struct {
	model.Message
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment carries its payload as a string so the placeholder fits.
type Attachment struct {
	model.Attachment
	Data string `json:"data"`
}

func newSnapshot(now time.Time) *Snapshot {
	return &Snapshot{
		Version:      Version,
		ExportedAt:   now.UTC(),
		Projects:     []*model.Project{},
		Threads:      []*model.Thread{},
		Messages:     []*Message{},
		SearchTokens: []*model.SearchToken{},
	}
}

// sanitize copies m with every attachment payload replaced.
func sanitize(m *model.Message) *Message {
	out := &Message{Message: *m}
	out.Message.Attachments = nil
	for _, a := range m.Attachments {
		a.Data = nil
		out.Attachments = append(out.Attachments, Attachment{Attachment: a, Data: BinaryPlaceholder})
	}
	return out
}

// toModel converts an imported message back. Placeholders become empty
// payloads; anything else is read as base64 and kept verbatim if it is not.
func (m *Message) toModel() model.Message {
	out := m.Message
	out.Attachments = nil
	for _, a := range m.Attachments {
		att := a.Attachment
		switch {
		case a.Data == "" || a.Data == BinaryPlaceholder:
			att.Data = nil
		default:
			if raw, err := base64.StdEncoding.DecodeString(a.Data); err == nil {
				att.Data = raw
			} else {
				att.Data = []byte(a.Data)
			}
		}
		out.Attachments = append(out.Attachments, att)
	}
	return out
}

// Encode writes s as indented JSON.
func (s *Snapshot) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(s)
}

// Decode reads a snapshot. Unknown versions are accepted; callers decide
// whether to warn.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// DefaultFilename names an export of ids taken at now.
func DefaultFilename(ids []int64, now time.Time) string {
	if len(ids) == 1 {
		return fmt.Sprintf("project-%d-export-%d.json", ids[0], now.UnixMilli())
	}
	return fmt.Sprintf("chat-export-%d.json", now.UnixMilli())
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatBytes renders n with a 1024 base and at most two decimals.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	i, div := 0, int64(1)
	for i < len(sizeUnits)-1 && n >= div*1024 {
		i++
		div *= 1024
	}
	v := math.Round(float64(n)/float64(div)*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}
