package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe forwards every update of `from` into `to`.
func pipe(t *testing.T, from, to *Doc) func() {
	return from.OnUpdate(func(u Update, origin interface{}) {
		if origin == nil {
			assert.NoError(t, to.ApplyUpdate(u, "pipe"))
		}
	})
}

func TestSetGet(t *testing.T) {
	doc := NewDoc()
	root := doc.GetMap("root")

	assert.NoError(t, root.Set("name", "a.txt"))
	assert.NoError(t, root.Set("size", 12))
	assert.NoError(t, root.Set("tags", []string{"x", "y"}))

	name, ok := root.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "a.txt", name)

	size, _ := root.Get("size")
	assert.Equal(t, float64(12), size)

	tags, _ := root.Get("tags")
	assert.Equal(t, []interface{}{"x", "y"}, tags)

	// Values handed out are copies.
	tags.([]interface{})[0] = "changed"
	tags, _ = root.Get("tags")
	assert.Equal(t, []interface{}{"x", "y"}, tags)

	_, ok = root.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"name", "size", "tags"}, root.Keys())
}

func TestClockAdvancesOnlyOnWrites(t *testing.T) {
	doc := NewDoc()
	root := doc.GetMap("root")
	assert.Equal(t, uint64(0), doc.Clock())

	root.Set("k", "v")
	assert.Equal(t, uint64(1), doc.Clock())

	root.Get("k")
	root.ToJSON()
	root.Delete("missing")
	assert.Equal(t, uint64(1), doc.Clock())

	root.Delete("k")
	assert.Equal(t, uint64(2), doc.Clock())
	assert.False(t, root.Has("k"))
}

func TestTransactBatchesUpdates(t *testing.T) {
	doc := NewDoc()
	var updates []Update
	doc.OnUpdate(func(u Update, origin interface{}) {
		assert.Nil(t, origin)
		updates = append(updates, u)
	})

	err := doc.Transact(func(tx *Txn) error {
		root := tx.GetMap(doc, "root")
		child := tx.SetMap(root, "sub")
		return tx.Set(child, "name", "sub")
	})
	assert.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Len(t, updates[0].Ops, 2)

	// Read-only transactions don't produce updates.
	doc.Transact(func(tx *Txn) error {
		tx.ToJSON(tx.GetMap(doc, "root"))
		return nil
	})
	assert.Len(t, updates, 1)
}

func TestConvergence(t *testing.T) {
	a, b := NewDoc(), NewDoc()
	var fromA, fromB []Update
	a.OnUpdate(func(u Update, origin interface{}) {
		if origin == nil {
			fromA = append(fromA, u)
		}
	})
	b.OnUpdate(func(u Update, origin interface{}) {
		if origin == nil {
			fromB = append(fromB, u)
		}
	})

	a.GetMap("root").Set("shared", "from a")
	a.GetMap("root").Set("only-a", 1)
	sub := a.GetMap("root").SetMap("dir")
	sub.Set("name", "dir")

	b.GetMap("root").Set("shared", "from b")
	b.GetMap("root").Set("only-b", 2)

	// Deliver in opposite orders.
	for i := len(fromA) - 1; i >= 0; i-- {
		assert.NoError(t, b.ApplyUpdate(fromA[i], "a"))
	}
	for _, u := range fromB {
		assert.NoError(t, a.ApplyUpdate(u, "b"))
	}

	assert.Equal(t, a.ToJSON(), b.ToJSON())
	assert.Zero(t, a.Pending())
	assert.Zero(t, b.Pending())

	exp := map[string]interface{}{
		"only-a": float64(1),
		"only-b": float64(2),
		"dir":    map[string]interface{}{"name": "dir"},
	}
	got := a.GetMap("root").ToJSON()
	shared := got["shared"]
	delete(got, "shared")
	assert.Equal(t, exp, got)
	assert.Contains(t, []interface{}{"from a", "from b"}, shared)
}

func TestApplyIsIdempotent(t *testing.T) {
	a, b := NewDoc(), NewDoc()
	a.GetMap("root").Set("k", "v")
	state := a.EncodeStateAsUpdate()

	calls := 0
	b.OnUpdate(func(Update, interface{}) { calls++ })

	assert.NoError(t, b.ApplyUpdate(state, "a"))
	assert.NoError(t, b.ApplyUpdate(state, "a"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, a.ToJSON(), b.ToJSON())
}

func TestSubdocReplication(t *testing.T) {
	a, b := NewDoc(), NewDoc()
	defer pipe(t, a, b)()

	file, err := a.GetMap("root").SetDoc("a.txt", nil)
	require.NoError(t, err)
	assert.True(t, file.IsSubdoc())
	file.GetMap("state").Set("name", "a.txt")

	v, ok := b.GetMap("root").Get("a.txt")
	require.True(t, ok)
	remote, ok := v.(*Doc)
	require.True(t, ok)
	assert.Equal(t, file.GUID(), remote.GUID())

	name, _ := remote.GetMap("state").Get("name")
	assert.Equal(t, "a.txt", name)
}

func TestAdoptStandaloneDoc(t *testing.T) {
	a, b := NewDoc(), NewDoc()
	defer pipe(t, a, b)()

	live := NewDoc()
	live.GetMap("file").Set("source", "hello")
	assert.False(t, live.IsSubdoc())

	_, err := a.GetMap("root").SetDoc("a.txt", live)
	require.NoError(t, err)
	assert.True(t, live.IsSubdoc())

	// Writes through the adopted document flow through the new tree.
	live.GetMap("file").Set("source", "hello world")

	v, ok := b.GetMap("root").Get("a.txt")
	require.True(t, ok)
	source, _ := v.(*Doc).GetMap("file").Get("source")
	assert.Equal(t, "hello world", source)

	_, err = b.GetMap("root").SetDoc("again", live)
	assert.Equal(t, ErrAlreadyAttached, err)
}

func TestOutOfOrderOpsWait(t *testing.T) {
	a, b := NewDoc(), NewDoc()
	var updates []Update
	a.OnUpdate(func(u Update, _ interface{}) { updates = append(updates, u) })

	dir := a.GetMap("root").SetMap("dir")
	dir.Set("name", "dir")
	require.Len(t, updates, 2)

	assert.NoError(t, b.ApplyUpdate(updates[1], "a"))
	assert.Equal(t, 1, b.Pending())
	assert.Empty(t, b.GetMap("root").ToJSON())

	assert.NoError(t, b.ApplyUpdate(updates[0], "a"))
	assert.Zero(t, b.Pending())
	assert.Equal(t, a.ToJSON(), b.ToJSON())
}

func TestDestroy(t *testing.T) {
	doc := NewDoc()
	destroyed := 0
	doc.OnDestroy(func() { destroyed++ })

	doc.Destroy()
	doc.Destroy()
	assert.Equal(t, 1, destroyed)
	assert.True(t, doc.IsDestroyed())

	err := doc.Transact(func(*Txn) error { return nil })
	assert.Equal(t, ErrDestroyed, err)
	assert.Equal(t, ErrDestroyed, doc.ApplyUpdate(Update{}, nil))
}

func TestNullValues(t *testing.T) {
	doc := NewDoc()
	root := doc.GetMap("root")
	require.NoError(t, root.Set("format", nil))

	v, ok := root.Get("format")
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, map[string]interface{}{"format": nil}, root.ToJSON())

	err := doc.Transact(func(tx *Txn) error {
		assert.Equal(t, map[string]interface{}{"format": nil}, tx.ToJSON(root))
		return nil
	})
	assert.NoError(t, err)

	replica := NewDoc()
	require.NoError(t, replica.ApplyUpdate(doc.EncodeStateAsUpdate(), "remote"))
	assert.Equal(t, doc.ToJSON(), replica.ToJSON())
}

func TestPanicReleasesLock(t *testing.T) {
	doc := NewDoc()
	root := doc.GetMap("root")

	assert.Panics(t, func() {
		doc.Transact(func(tx *Txn) error {
			tx.Set(root, "k", "v")
			panic("failed transaction")
		})
	})

	// The document is still usable.
	require.NoError(t, root.Set("k", "w"))
	v, _ := root.Get("k")
	assert.Equal(t, "w", v)

	unsubscribe := doc.OnUpdate(func(Update, interface{}) {})
	unsubscribe()
	doc.Destroy()
	assert.True(t, doc.IsDestroyed())
}
