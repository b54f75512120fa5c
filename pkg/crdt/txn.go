package crdt

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/sidkik/sharedfs/pkg/errors"
)

// ErrAlreadyAttached is returned when nesting a document that is already
// nested somewhere.
var ErrAlreadyAttached = errors.New("document is already attached")

// Txn reads and writes maps while the document lock is held. It's only
// valid inside the function passed to Doc.Transact, and only for maps of
// that document tree.
type Txn struct {
	s   *store
	ops []Op
}

func (tx *Txn) check(d *Doc) {
	if d.store.Load() != tx.s {
		panic("crdt: map belongs to another document")
	}
}

// GetMap returns the root map `name` of `d`.
func (tx *Txn) GetMap(d *Doc, name string) *Map {
	tx.check(d)
	return d.rootLocked(name)
}

// Get returns the value stored at `key`: a JSON value, a *Map or a *Doc.
func (tx *Txn) Get(m *Map, key string) (interface{}, bool) {
	tx.check(m.doc)
	e, ok := m.entries[key]
	if !ok || e.deleted() {
		return nil, false
	}
	return e.get(), true
}

// Has returns whether `key` holds a value.
func (tx *Txn) Has(m *Map, key string) bool {
	_, ok := tx.Get(m, key)
	return ok
}

// Keys returns the keys holding values, sorted.
func (tx *Txn) Keys(m *Map) []string {
	tx.check(m.doc)
	var keys []string
	for _, key := range sortedKeys(m.entries) {
		if !m.entries[key].deleted() {
			keys = append(keys, key)
		}
	}
	return keys
}

// ToJSON returns the JSON projection of `m`.
func (tx *Txn) ToJSON(m *Map) map[string]interface{} {
	tx.check(m.doc)
	return mapJSON(m)
}

// Set stores the JSON value `v` at `key`. The value is stored in its JSON
// decoded form, so numbers read back as float64.
func (tx *Txn) Set(m *Map, key string, v interface{}) error {
	tx.check(m.doc)
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.WithContext(err, "encode value")
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return errors.WithContext(err, "decode value")
	}

	id := tx.s.tick()
	m.entries[key] = &entry{id: id, kind: KindValue, value: decoded}
	tx.ops = append(tx.ops, Op{ID: id, Target: m.ref(), Key: key, Kind: KindValue, Value: raw})
	return nil
}

// SetMap stores a new empty map at `key` and returns it.
func (tx *Txn) SetMap(m *Map, key string) *Map {
	tx.check(m.doc)
	id := tx.s.tick()
	child := newMap(m.doc, "", &id)
	tx.s.maps[itemKey(m.doc.guid, id)] = child

	m.entries[key] = &entry{id: id, kind: KindMap, m: child}
	tx.ops = append(tx.ops, Op{ID: id, Target: m.ref(), Key: key, Kind: KindMap})
	return child
}

// SetDoc nests `d` at `key`. A nil `d` nests a new empty document. A
// standalone document is moved into this document tree together with its
// content, which is replicated with the write.
func (tx *Txn) SetDoc(m *Map, key string, d *Doc) (*Doc, error) {
	tx.check(m.doc)
	if d == nil {
		d = newDoc(uuid.New().String(), tx.s)
		tx.s.docs[d.guid] = d
	} else if err := tx.adopt(d); err != nil {
		return nil, err
	}
	d.parent = m

	id := tx.s.tick()
	m.entries[key] = &entry{id: id, kind: KindDoc, d: d}
	tx.ops = append(tx.ops, Op{ID: id, Target: m.ref(), Key: key, Kind: KindDoc, GUID: d.guid})
	tx.s.encodeDoc(d, &tx.ops)
	return d, nil
}

// Delete removes `key`. Deleting a missing key isn't a write.
func (tx *Txn) Delete(m *Map, key string) {
	tx.check(m.doc)
	if e, ok := m.entries[key]; !ok || e.deleted() {
		return
	}

	id := tx.s.tick()
	m.entries[key] = &entry{id: id, kind: KindDelete}
	tx.ops = append(tx.ops, Op{ID: id, Target: m.ref(), Key: key, Kind: KindDelete})
}

// adopt moves the standalone document `d`, and everything nested in it,
// into the transaction's store.
func (tx *Txn) adopt(d *Doc) error {
	from := d.store.Load()
	if from == tx.s {
		return ErrAlreadyAttached
	}

	from.mu.Lock()
	defer from.mu.Unlock()
	if d.store.Load() != from || from.top != d || d.parent != nil {
		return ErrAlreadyAttached
	}
	if from.destroyed {
		return ErrDestroyed
	}

	tx.s.observe(ID{Clock: from.clock})
	for key, m := range from.maps {
		tx.s.maps[key] = m
	}
	for guid, sub := range from.docs {
		tx.s.docs[guid] = sub
		sub.store.Store(tx.s)
	}
	for _, op := range from.pending {
		if op.Target.Doc == "" {
			op.Target.Doc = d.guid
		}
		tx.s.pending = append(tx.s.pending, op)
	}

	tx.s.docs[d.guid] = d
	d.store.Store(tx.s)
	return nil
}
