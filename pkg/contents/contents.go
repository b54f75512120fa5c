// Package contents defines the records the drive exchanges with its callers.
package contents

import (
	"encoding/json"
	"time"

	"github.com/sidkik/sharedfs/pkg/errors"
)

// Type is the kind of entry a Model describes.
type Type string

const (
	// TypeFile is a regular file.
	TypeFile Type = "file"

	// TypeDirectory is a directory.
	TypeDirectory Type = "directory"

	// TypeNotebook is a notebook file whose content is decoded JSON.
	TypeNotebook Type = "notebook"
)

// Format is the encoding of a Model's content. The empty Format is encoded
// as JSON null.
type Format string

const (
	FormatNone   Format = ""
	FormatText   Format = "text"
	FormatBase64 Format = "base64"
	FormatJSON   Format = "json"
)

// Valid returns whether the format is one of the string formats.
func (f Format) Valid() bool {
	switch f {
	case FormatText, FormatBase64, FormatJSON:
		return true
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (f Format) MarshalJSON() ([]byte, error) {
	if f == FormatNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(f))
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Format) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	*f = FormatNone
	if s != nil {
		*f = Format(*s)
	}
	return nil
}

// TimeFormat is the layout of the timestamps in a Model.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime formats `t` as a Model timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Model is the descriptive record of a file or directory. It's both the
// result returned to callers and the unit of synchronization in the
// replicated tree.
type Model struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Created      string `json:"created"`
	LastModified string `json:"last_modified"`
	Format       Format `json:"format"`
	Mimetype     string `json:"mimetype"`

	// Content is a string for text and base64 files, decoded JSON for
	// notebooks, and a []Model listing for directories. It's nil when the
	// content wasn't requested.
	Content interface{} `json:"content"`

	Writable bool   `json:"writable"`
	Type     Type   `json:"type"`
	Size     *int64 `json:"size,omitempty"`
}

// Projection returns the JSON projection of the model, in the form it's
// stored in the replicated tree.
func (m Model) Projection() (map[string]interface{}, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithContext(err, "marshal")
	}

	var projection map[string]interface{}
	if err := json.Unmarshal(raw, &projection); err != nil {
		return nil, errors.WithContext(err, "unmarshal")
	}
	return projection, nil
}

// FromProjection is the inverse of Model.Projection.
func FromProjection(projection map[string]interface{}) (Model, error) {
	raw, err := json.Marshal(projection)
	if err != nil {
		return Model{}, errors.WithContext(err, "marshal")
	}

	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return Model{}, errors.WithContext(err, "unmarshal")
	}
	return m, nil
}

// EmptyDirectory is returned for every read before a root is bound.
func EmptyDirectory(now time.Time) Model {
	ts := FormatTime(now)
	return Model{
		Created:      ts,
		LastModified: ts,
		Writable:     true,
		Type:         TypeDirectory,
	}
}

// Placeholder is returned by the mutating operations, which are accepted but
// have no effect.
func Placeholder() Model {
	return Model{
		Content: "",
		Type:    TypeFile,
	}
}

// Checkpoint identifies a saved version of a file.
type Checkpoint struct {
	ID           string `json:"id"`
	LastModified string `json:"last_modified"`
}

// FetchOptions controls what Drive.Get returns.
type FetchOptions struct {
	Type   Type
	Format Format

	// Content requests the file body, or the directory listing.
	Content bool
}

// CreateOptions describes a new untitled file or directory.
type CreateOptions struct {
	Path string
	Type Type
	Ext  string
}

// ChangeType is the kind of change a ChangedArgs describes.
type ChangeType string

const (
	ChangeNew    ChangeType = "new"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
	ChangeSave   ChangeType = "save"

	// ChangeRemote is emitted after an update from a peer is merged.
	ChangeRemote ChangeType = "remote"
)

// ChangedArgs is emitted on the drive's FileChanged signal.
type ChangedArgs struct {
	Type     ChangeType
	OldValue *Model
	NewValue *Model
}
