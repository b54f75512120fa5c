// Package livedoc implements the live documents editors collaborate on. Each
// live document wraps its own replicated document, which the drive nests
// into the mirrored tree.
package livedoc

import (
	"sync"

	"github.com/sidkik/sharedfs/pkg/crdt"
)

// Document is a live document.
type Document interface {
	// Doc returns the replicated document backing the live document.
	Doc() *crdt.Doc

	// Dispose releases the live document. It's safe to call more than once.
	Dispose()

	IsDisposed() bool
}

type base struct {
	doc *crdt.Doc

	lock     sync.Mutex
	disposed bool
}

func (b *base) Doc() *crdt.Doc {
	return b.doc
}

// Dispose destroys the backing document, unless it was nested into another
// document which now owns it.
func (b *base) Dispose() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true

	if !b.doc.IsSubdoc() {
		b.doc.Destroy()
	}
}

func (b *base) IsDisposed() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.disposed
}
