package crdt

import (
	"encoding/json"
	"fmt"
)

// ID identifies a single write. IDs are totally ordered by Lamport clock,
// with the writing client's ID breaking ties, which makes the ordering
// identical on every peer.
type ID struct {
	Client string `json:"client"`
	Clock  uint64 `json:"clock"`
}

func (id ID) newerThan(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Client > other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Clock)
}

// Kind is the type of value an Op writes.
type Kind string

const (
	// KindValue is a plain JSON value.
	KindValue Kind = "value"

	// KindMap is a nested shared map.
	KindMap Kind = "map"

	// KindDoc is a nested sub-document.
	KindDoc Kind = "doc"

	// KindDelete removes the key.
	KindDelete Kind = "delete"
)

// MapRef addresses a shared map. Root maps are addressed by name, nested
// maps by the ID of the write that created them.
type MapRef struct {
	// Doc is the GUID of the document holding the map. It's empty for the
	// top-level document, whose GUID differs between peers.
	Doc  string `json:"doc,omitempty"`
	Root string `json:"root,omitempty"`
	Item *ID    `json:"item,omitempty"`
}

// Op is a single keyed write to a shared map.
type Op struct {
	ID     ID              `json:"id"`
	Target MapRef          `json:"target"`
	Key    string          `json:"key"`
	Kind   Kind            `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	GUID   string          `json:"guid,omitempty"`
}

// Update is a batch of ops, either produced by a local transaction or
// received from a peer. Applying the same update twice, or applying updates
// in a different order, converges to the same state.
type Update struct {
	Ops []Op `json:"ops"`
}

// Empty returns whether the update contains no ops.
func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// UpdateHandler is called after a transaction or a remote update changes the
// document. `origin` is nil for local transactions and the value passed to
// ApplyUpdate otherwise.
type UpdateHandler func(update Update, origin interface{})

// ApplyUpdate merges a remote update into the document. Ops whose target map
// isn't known yet are held back until the op creating the map arrives.
// Handlers only see the ops that changed the document.
func (d *Doc) ApplyUpdate(u Update, origin interface{}) error {
	effective, handlers, err := d.applyLocked(u)
	if err != nil {
		return err
	}

	if len(effective) > 0 {
		notify(handlers, Update{Ops: effective}, origin)
	}
	return nil
}

func (d *Doc) applyLocked(u Update) ([]Op, []UpdateHandler, error) {
	s := d.lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, nil, ErrDestroyed
	}

	queue := append(s.pending, u.Ops...)
	s.pending = nil

	var effective []Op
	for progress := true; progress && len(queue) > 0; {
		progress = false
		var waiting []Op
		for _, op := range queue {
			applied, ready := s.applyOp(op)
			if !ready {
				waiting = append(waiting, op)
				continue
			}

			progress = true
			if applied {
				effective = append(effective, op)
			}
		}
		queue = waiting
	}
	s.pending = queue
	return effective, s.handlerList(), nil
}

// EncodeStateAsUpdate returns an update that recreates the whole document
// tree, sub-documents included, on an empty peer.
func (d *Doc) EncodeStateAsUpdate() Update {
	s := d.lock()
	defer s.mu.Unlock()

	var ops []Op
	s.encodeDoc(s.top, &ops)
	return Update{Ops: ops}
}

// Pending returns the number of remote ops waiting for their target map.
func (d *Doc) Pending() int {
	s := d.lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// applyOp returns whether `op` changed the document, and whether its target
// could be resolved at all.
func (s *store) applyOp(op Op) (applied bool, ready bool) {
	target := s.resolve(op.Target)
	if target == nil {
		return false, false
	}
	s.observe(op.ID)

	if curr, ok := target.entries[op.Key]; ok && !op.ID.newerThan(curr.id) {
		// The write lost, but later ops may still address the map or
		// document it created, so keep it reachable by reference.
		if curr.id != op.ID {
			s.materialize(target, op)
		}
		return false, true
	}

	e, err := s.entryFor(target, op)
	if err != nil {
		// A malformed value can't become valid later, so drop it.
		return false, true
	}
	target.entries[op.Key] = e
	return true, true
}

func (s *store) entryFor(target *Map, op Op) (*entry, error) {
	e := &entry{id: op.ID, kind: op.Kind}
	switch op.Kind {
	case KindValue:
		var v interface{}
		if len(op.Value) > 0 {
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return nil, err
			}
		}
		e.value = v
	case KindMap:
		e.m = s.materialize(target, op).(*Map)
	case KindDoc:
		e.d = s.materialize(target, op).(*Doc)
	case KindDelete:
	default:
		return nil, fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return e, nil
}

// materialize returns the map or document created by `op`, registering it if
// this is the first time it's seen.
func (s *store) materialize(parent *Map, op Op) interface{} {
	switch op.Kind {
	case KindMap:
		id := op.ID
		key := itemKey(parent.doc.guid, id)
		if m, ok := s.maps[key]; ok {
			return m
		}
		m := newMap(parent.doc, "", &id)
		s.maps[key] = m
		return m
	case KindDoc:
		if d, ok := s.docs[op.GUID]; ok {
			return d
		}
		d := newDoc(op.GUID, s)
		d.parent = parent
		s.docs[op.GUID] = d
		return d
	}
	return nil
}

func (s *store) resolve(ref MapRef) *Map {
	var d *Doc
	if ref.Doc == "" {
		d = s.top
	} else if d = s.docs[ref.Doc]; d == nil {
		return nil
	}

	if ref.Item == nil {
		return d.rootLocked(ref.Root)
	}
	return s.maps[itemKey(d.guid, *ref.Item)]
}

func (s *store) encodeDoc(d *Doc, ops *[]Op) {
	for _, name := range sortedKeys(d.roots) {
		s.encodeMap(d.roots[name], ops)
	}
}

func (s *store) encodeMap(m *Map, ops *[]Op) {
	ref := m.ref()
	for _, key := range sortedKeys(m.entries) {
		e := m.entries[key]
		op := Op{ID: e.id, Target: ref, Key: key, Kind: e.kind}
		switch e.kind {
		case KindValue:
			// Values were decoded from JSON, so encoding can't fail.
			op.Value, _ = json.Marshal(e.value)
		case KindDoc:
			op.GUID = e.d.guid
		}
		*ops = append(*ops, op)

		switch e.kind {
		case KindMap:
			s.encodeMap(e.m, ops)
		case KindDoc:
			s.encodeDoc(e.d, ops)
		}
	}
}

func notify(handlers []UpdateHandler, u Update, origin interface{}) {
	for _, h := range handlers {
		h(u, origin)
	}
}
