package livedoc

import (
	"github.com/sidkik/sharedfs/pkg/crdt"
)

// File is a live plain text file. Its text is stored under the "source" key
// of the "file" map.
type File struct {
	base
}

// NewFile returns an empty File.
func NewFile() *File {
	return &File{base: base{doc: crdt.NewDoc()}}
}

func (f *File) source() *crdt.Map {
	return f.doc.GetMap("file")
}

// Source returns the file's text.
func (f *File) Source() string {
	v, _ := f.source().Get("source")
	s, _ := v.(string)
	return s
}

// SetSource replaces the file's text.
func (f *File) SetSource(source string) error {
	if f.Source() == source {
		return nil
	}
	return f.source().Set("source", source)
}
