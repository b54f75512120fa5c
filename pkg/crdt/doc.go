/*
Package crdt implements the replicated document the drive mirrors into.

A Doc holds named root maps. Map values are JSON values, nested maps, or
nested sub-documents. Every write is an Op stamped with a Lamport ID, and
concurrent writes to the same key resolve last-writer-wins by ID, so peers
that have seen the same set of ops hold the same state regardless of the
order they saw them in.

All documents nested inside one top-level document share a single lock and
clock. Reads and writes that must be atomic with respect to remote merges go
through Doc.Transact.
*/
package crdt

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sidkik/sharedfs/pkg/errors"
)

// ErrDestroyed is returned when a destroyed document is used.
var ErrDestroyed = errors.New("document destroyed")

// store is the state shared by a top-level document and all of its
// sub-documents.
type store struct {
	mu sync.Mutex

	client string
	clock  uint64

	top  *Doc
	maps map[string]*Map
	docs map[string]*Doc

	// pending holds remote ops whose target map hasn't arrived yet.
	pending []Op

	handlers        map[int]UpdateHandler
	nextHandler     int
	destroyHandlers []func()
	destroyed       bool
}

func (s *store) tick() ID {
	s.clock++
	return ID{Client: s.client, Clock: s.clock}
}

func (s *store) observe(id ID) {
	if id.Clock > s.clock {
		s.clock = id.Clock
	}
}

func (s *store) handlerList() []UpdateHandler {
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	handlers := make([]UpdateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.handlers[id])
	}
	return handlers
}

// Doc is a replicated document.
type Doc struct {
	guid  string
	store atomic.Pointer[store]
	roots map[string]*Map

	// parent is the map entry holding this document, if it's a
	// sub-document.
	parent *Map
}

// NewDoc creates an empty top-level document with a random GUID and client
// ID.
func NewDoc() *Doc {
	s := &store{
		client:   uuid.New().String(),
		maps:     map[string]*Map{},
		docs:     map[string]*Doc{},
		handlers: map[int]UpdateHandler{},
	}
	d := newDoc(uuid.New().String(), s)
	s.top = d
	return d
}

func newDoc(guid string, s *store) *Doc {
	d := &Doc{guid: guid, roots: map[string]*Map{}}
	d.store.Store(s)
	return d
}

// lock acquires the lock of the store `d` currently belongs to. The store
// changes when a standalone document is attached to another document, so
// retry until the locked store is still the current one.
func (d *Doc) lock() *store {
	for {
		s := d.store.Load()
		s.mu.Lock()
		if d.store.Load() == s {
			return s
		}
		s.mu.Unlock()
	}
}

// GUID returns the document's globally unique ID.
func (d *Doc) GUID() string {
	return d.guid
}

// ClientID returns the ID stamped on writes made through this document.
func (d *Doc) ClientID() string {
	s := d.lock()
	defer s.mu.Unlock()
	return s.client
}

// Clock returns the document's Lamport clock. It only advances when the
// document is written to, so it doubles as a write counter in tests.
func (d *Doc) Clock() uint64 {
	s := d.lock()
	defer s.mu.Unlock()
	return s.clock
}

// IsSubdoc returns whether the document is nested inside another document.
func (d *Doc) IsSubdoc() bool {
	s := d.lock()
	defer s.mu.Unlock()
	return s.top != d
}

// GetMap returns the root map called `name`, creating it if necessary.
// Creating a root map isn't a write.
func (d *Doc) GetMap(name string) *Map {
	s := d.lock()
	defer s.mu.Unlock()
	return d.rootLocked(name)
}

func (d *Doc) rootLocked(name string) *Map {
	m, ok := d.roots[name]
	if !ok {
		m = newMap(d, name, nil)
		d.roots[name] = m
	}
	return m
}

// Transact runs `fn` while holding the document lock. All writes made
// through `tx` are delivered to the update handlers as one update once the
// lock is released. Writes made before `fn` returns an error are kept.
func (d *Doc) Transact(fn func(tx *Txn) error) error {
	ops, handlers, err := d.transactLocked(fn)
	if len(ops) > 0 {
		notify(handlers, Update{Ops: ops}, nil)
	}
	return err
}

// transactLocked runs `fn` under the document lock. The lock is released
// even if `fn` panics.
func (d *Doc) transactLocked(fn func(tx *Txn) error) ([]Op, []UpdateHandler, error) {
	s := d.lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, nil, ErrDestroyed
	}

	tx := &Txn{s: s}
	err := fn(tx)
	return tx.ops, s.handlerList(), err
}

// OnUpdate registers a handler for changes to the document tree. Handlers
// registered on a standalone document are dropped when it's attached to
// another document; register on the top-level document instead.
func (d *Doc) OnUpdate(h UpdateHandler) (unsubscribe func()) {
	s := d.lock()
	defer s.mu.Unlock()

	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = h
	return func() {
		s := d.lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// OnDestroy registers a function called once when the document is
// destroyed.
func (d *Doc) OnDestroy(fn func()) {
	s := d.lock()
	defer s.mu.Unlock()
	s.destroyHandlers = append(s.destroyHandlers, fn)
}

// Destroy tears down the document tree `d` belongs to. Later transactions
// fail with ErrDestroyed. Destroying twice is a no-op.
func (d *Doc) Destroy() {
	s := d.lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.handlers = map[int]UpdateHandler{}
	s.pending = nil
	onDestroy := s.destroyHandlers
	s.destroyHandlers = nil
	s.mu.Unlock()

	for _, fn := range onDestroy {
		fn()
	}
}

// IsDestroyed returns whether Destroy was called on the document tree.
func (d *Doc) IsDestroyed() bool {
	s := d.lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// ToJSON returns the JSON projection of every root map in the document.
func (d *Doc) ToJSON() map[string]interface{} {
	s := d.lock()
	defer s.mu.Unlock()
	return docJSON(d)
}

func docJSON(d *Doc) map[string]interface{} {
	out := map[string]interface{}{}
	for name, m := range d.roots {
		out[name] = mapJSON(m)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
