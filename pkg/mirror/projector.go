package mirror

import (
	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sharedfs/pkg/contents"
	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/metrics"
)

const (
	// StateKey is the key a directory map, or a legacy file map, stores its
	// own record under. Local file names can't contain a NUL byte, so it
	// never collides with a child.
	StateKey = "\x00state"

	// StateMap is the root map of a file sub-document that holds the file's
	// record.
	StateMap = "state"

	// RootMap is the root map of the replicated tree.
	RootMap = "root"
)

// Node is a node of the replicated tree. Directories, and files written by
// older peers, are maps embedding their record under StateKey. Files are
// otherwise sub-documents holding their record in their StateMap.
type Node struct {
	embedded *crdt.Map
	nested   *crdt.Doc
}

// Embedded returns the node backed by the map `m`.
func Embedded(m *crdt.Map) Node {
	return Node{embedded: m}
}

// Nested returns the node backed by the sub-document `d`.
func Nested(d *crdt.Doc) Node {
	return Node{nested: d}
}

// Map returns the node's map, if it's an embedded node.
func (n Node) Map() (*crdt.Map, bool) {
	return n.embedded, n.embedded != nil
}

// Doc returns the node's sub-document, if it's a nested node.
func (n Node) Doc() (*crdt.Doc, bool) {
	return n.nested, n.nested != nil
}

func (n Node) doc() *crdt.Doc {
	if n.nested != nil {
		return n.nested
	}
	return n.embedded.Doc()
}

// state returns the map holding the node's record. If the node doesn't have
// one yet, it's created when `create` is set and nil is returned otherwise.
func (n Node) state(tx *crdt.Txn, create bool) *crdt.Map {
	if n.nested != nil {
		return tx.GetMap(n.nested, StateMap)
	}

	if v, ok := tx.Get(n.embedded, StateKey); ok {
		if state, ok := v.(*crdt.Map); ok {
			return state
		}
	}

	if !create {
		return nil
	}
	return tx.SetMap(n.embedded, StateKey)
}

// Record returns the record stored in the node, if any.
func (n Node) Record() (record contents.Model, ok bool, err error) {
	err = n.doc().Transact(func(tx *crdt.Txn) error {
		record, ok, err = n.record(tx)
		return err
	})
	return record, ok, err
}

func (n Node) record(tx *crdt.Txn) (contents.Model, bool, error) {
	state := n.state(tx, false)
	if state == nil {
		return contents.Model{}, false, nil
	}

	projection := tx.ToJSON(state)
	if len(projection) == 0 {
		return contents.Model{}, false, nil
	}

	record, err := contents.FromProjection(projection)
	if err != nil {
		return contents.Model{}, false, errors.WithContext(err, "parse record")
	}
	return record, true, nil
}

// ReconcileFile writes `record` into the file node unless the node already
// holds an equal record. It returns whether the node was written to.
//
// A record without content doesn't discard content stored for the same
// version of the file, so listing a directory doesn't undo a previous read.
func ReconcileFile(node Node, record contents.Model) (bool, error) {
	projection, err := record.Projection()
	if err != nil {
		return false, err
	}
	return reconcile(node, record.Type, projection, record.Content == nil)
}

// ReconcileDirectory writes the directory's own `record` into the directory
// node unless the node already holds an equal record. The children listed in
// the record's content aren't stored; they carry their own records.
func ReconcileDirectory(node Node, record contents.Model) (bool, error) {
	record.Content = nil
	projection, err := record.Projection()
	if err != nil {
		return false, err
	}
	return reconcile(node, record.Type, projection, false)
}

func reconcile(node Node, typ contents.Type, projection map[string]interface{},
	keepContent bool) (wrote bool, err error) {

	err = node.doc().Transact(func(tx *crdt.Txn) error {
		state := node.state(tx, true)
		curr := tx.ToJSON(state)

		if keepContent && sameVersion(curr, projection) {
			projection["content"] = curr["content"]
		}

		if cmp.Equal(curr, projection) {
			return nil
		}

		wrote = true
		for _, key := range sortedKeys(projection) {
			if err := tx.Set(state, key, projection[key]); err != nil {
				return errors.WithContext(err, key)
			}
		}

		// Drop fields the new record doesn't have, such as the size of a
		// file that used to report one, so the next comparison is exact.
		for _, key := range tx.Keys(state) {
			if _, ok := projection[key]; !ok {
				tx.Delete(state, key)
			}
		}
		return nil
	})
	if err != nil {
		return false, errors.WithContext(err, "reconcile")
	}

	metrics.RecordReconcile(string(typ), wrote)
	if wrote {
		log.WithField("path", projection["path"]).Debug("Reconciled record")
	}
	return wrote, nil
}

func sameVersion(curr, proposed map[string]interface{}) bool {
	for _, key := range []string{"type", "last_modified", "size"} {
		if !cmp.Equal(curr[key], proposed[key]) {
			return false
		}
	}
	return curr["content"] != nil
}
