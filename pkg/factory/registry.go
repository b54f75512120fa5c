// Package factory maps content types to the live documents collaborators edit
// them through.
package factory

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sharedfs/pkg/contents"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/livedoc"
)

// Options describes the document a caller wants a live document for.
type Options struct {
	Path        string
	Format      contents.Format
	ContentType contents.Type

	// Collaborative is set when the caller supports live documents at all.
	Collaborative bool
}

// Factory creates live documents.
type Factory interface {
	New(opts Options) livedoc.Document
}

// FactoryFunc adapts a function to a Factory.
type FactoryFunc func(opts Options) livedoc.Document

// New calls f.
func (f FactoryFunc) New(opts Options) livedoc.Document {
	return f(opts)
}

// OnCreate is called with every live document a Registry creates.
type OnCreate func(opts Options, doc livedoc.Document)

// Registry holds at most one Factory per content type.
type Registry struct {
	onCreate OnCreate

	lock      sync.Mutex
	factories map[contents.Type]Factory
}

// NewRegistry returns an empty Registry. `onCreate` may be nil.
func NewRegistry(onCreate OnCreate) *Registry {
	return &Registry{
		onCreate:  onCreate,
		factories: map[contents.Type]Factory{},
	}
}

// Collaborative reports that the documents served alongside the registry
// support live editing.
func (r *Registry) Collaborative() bool {
	return true
}

// Register adds the factory for `contentType`.
func (r *Registry) Register(contentType contents.Type, f Factory) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.factories[contentType]; ok {
		return errors.DuplicateFactory{ContentType: string(contentType)}
	}
	r.factories[contentType] = f
	return nil
}

// MustRegister is like Register, but panics if the content type is already
// registered. It's meant for setup code, where a duplicate is a programming
// error.
func (r *Registry) MustRegister(contentType contents.Type, f Factory) {
	if err := r.Register(contentType, f); err != nil {
		panic(err)
	}
}

// CreateNew returns a new live document for `opts`, or nil if the request
// can't be served by a live document. Callers fall back to a plain document
// in that case.
func (r *Registry) CreateNew(opts Options) livedoc.Document {
	if !opts.Format.Valid() {
		log.WithError(errors.UnsupportedFormat{Format: string(opts.Format)}).
			WithField("path", opts.Path).
			Debug("Not creating live document")
		return nil
	}

	if !opts.Collaborative {
		return nil
	}

	r.lock.Lock()
	f, ok := r.factories[opts.ContentType]
	r.lock.Unlock()
	if !ok {
		return nil
	}

	doc := f.New(opts)
	if r.onCreate != nil {
		r.onCreate(opts, doc)
	}
	return doc
}

// RegisterDefaults registers the live documents for notebooks and plain
// files.
func RegisterDefaults(r *Registry) {
	r.MustRegister(contents.TypeNotebook, FactoryFunc(func(Options) livedoc.Document {
		return livedoc.NewNotebook()
	}))
	r.MustRegister(contents.TypeFile, FactoryFunc(func(Options) livedoc.Document {
		return livedoc.NewFile()
	}))
}
