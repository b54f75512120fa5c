package crdt

import (
	"fmt"

	"github.com/mitchellh/copystructure"
)

type entry struct {
	id   ID
	kind Kind

	value interface{}
	m     *Map
	d     *Doc
}

func (e *entry) deleted() bool {
	return e.kind == KindDelete
}

// get returns the value a reader sees for the entry. JSON values are copied
// so callers can't mutate shared state behind the document's back.
func (e *entry) get() interface{} {
	switch e.kind {
	case KindMap:
		return e.m
	case KindDoc:
		return e.d
	}
	if e.value == nil {
		return nil
	}

	v, err := copystructure.Copy(e.value)
	if err != nil {
		// Values are always decoded JSON, which copystructure handles.
		panic(fmt.Sprintf("copy value: %s", err))
	}
	return v
}

// Map is a shared keyed map.
type Map struct {
	doc  *Doc
	root string
	item *ID

	entries map[string]*entry
}

func newMap(d *Doc, root string, item *ID) *Map {
	return &Map{doc: d, root: root, item: item, entries: map[string]*entry{}}
}

// Doc returns the document the map belongs to.
func (m *Map) Doc() *Doc {
	return m.doc
}

func (m *Map) ref() MapRef {
	ref := MapRef{Root: m.root, Item: m.item}
	if m.doc.store.Load().top != m.doc {
		ref.Doc = m.doc.guid
	}
	return ref
}

func itemKey(guid string, id ID) string {
	return guid + "/" + id.String()
}

func mapJSON(m *Map) map[string]interface{} {
	out := map[string]interface{}{}
	for key, e := range m.entries {
		switch e.kind {
		case KindValue:
			out[key] = e.get()
		case KindMap:
			out[key] = mapJSON(e.m)
		case KindDoc:
			out[key] = docJSON(e.d)
		}
	}
	return out
}

func (m *Map) transact(fn func(tx *Txn)) {
	// The only error Transact returns on its own is ErrDestroyed. The
	// convenience methods treat a destroyed document as empty.
	_ = m.doc.Transact(func(tx *Txn) error {
		fn(tx)
		return nil
	})
}

// Get returns the value stored at `key`: a JSON value, a *Map or a *Doc.
func (m *Map) Get(key string) (v interface{}, ok bool) {
	m.transact(func(tx *Txn) { v, ok = tx.Get(m, key) })
	return v, ok
}

// Has returns whether `key` holds a value.
func (m *Map) Has(key string) (ok bool) {
	m.transact(func(tx *Txn) { ok = tx.Has(m, key) })
	return ok
}

// Keys returns the keys holding values, sorted.
func (m *Map) Keys() (keys []string) {
	m.transact(func(tx *Txn) { keys = tx.Keys(m) })
	return keys
}

// Len returns the number of keys holding values.
func (m *Map) Len() int {
	return len(m.Keys())
}

// Set stores the JSON value `v` at `key`.
func (m *Map) Set(key string, v interface{}) (err error) {
	m.transact(func(tx *Txn) { err = tx.Set(m, key, v) })
	return err
}

// SetMap stores a new empty map at `key` and returns it.
func (m *Map) SetMap(key string) (child *Map) {
	m.transact(func(tx *Txn) { child = tx.SetMap(m, key) })
	return child
}

// SetDoc stores `d` at `key`. A nil `d` stores a new empty document.
func (m *Map) SetDoc(key string, d *Doc) (child *Doc, err error) {
	m.transact(func(tx *Txn) { child, err = tx.SetDoc(m, key, d) })
	return child, err
}

// Delete removes `key`.
func (m *Map) Delete(key string) {
	m.transact(func(tx *Txn) { tx.Delete(m, key) })
}

// ToJSON returns the JSON projection of the map.
func (m *Map) ToJSON() (out map[string]interface{}) {
	m.transact(func(tx *Txn) { out = tx.ToJSON(m) })
	return out
}
