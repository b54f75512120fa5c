package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sharedfs/pkg/contents"
	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/metrics"
)

// NotebookMimetype is the mimetype reported for notebooks.
const NotebookMimetype = "application/x-ipynb+json"

// Mirror mirrors a local directory tree into the root map of a replicated
// document. The local tree is read through an afero.Fs whose root is the
// mirrored directory.
type Mirror struct {
	doc   *crdt.Doc
	clock clockwork.Clock

	lock sync.Mutex
	root afero.Fs
}

// New returns an unbound Mirror writing into `doc`.
func New(doc *crdt.Doc, clock clockwork.Clock) *Mirror {
	return &Mirror{doc: doc, clock: clock}
}

// entry is a path that exists both locally and in the replicated tree.
type entry struct {
	path string
	info os.FileInfo
	node Node
}

func (e entry) isDir() bool {
	return e.info.IsDir()
}

// Bind sets the local directory tree to mirror, and records the root
// directory in the replicated tree. Binding again replaces the local tree.
func (m *Mirror) Bind(ctx context.Context, root afero.Fs) error {
	info, err := root.Stat("/")
	if err != nil {
		return errors.WithContext(err, "stat root")
	}

	if _, err := ReconcileDirectory(m.rootNode(), directoryModel("", info)); err != nil {
		return errors.WithContext(err, "record root")
	}

	m.lock.Lock()
	m.root = root
	m.lock.Unlock()
	return nil
}

// Bound returns whether a local tree is bound.
func (m *Mirror) Bound() bool {
	return m.fs() != nil
}

func (m *Mirror) fs() afero.Fs {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.root
}

func (m *Mirror) rootNode() Node {
	return Embedded(m.doc.GetMap(RootMap))
}

// Resolve descends the local tree and the replicated tree along `p`, and
// creates the replicated nodes that don't exist yet. Segments with a file
// extension must be files, and other segments must be directories.
func (m *Mirror) Resolve(ctx context.Context, p string) (contents.Model, error) {
	root := m.fs()
	if root == nil {
		return contents.Model{}, errors.ErrNoRootHandle
	}

	e, err := m.resolve(ctx, root, p)
	if err != nil {
		return contents.Model{}, err
	}

	if e.isDir() {
		return directoryModel(e.path, e.info), nil
	}
	return fileModel(root, e.path, e.info, false)
}

// hasExtension reports whether a path segment names a file. A leading dot
// doesn't start an extension, so ".config" is a directory.
func hasExtension(name string) bool {
	return filepath.Ext(strings.TrimLeft(name, ".")) != ""
}

func (m *Mirror) resolve(ctx context.Context, root afero.Fs, p string) (entry, error) {
	info, err := root.Stat("/")
	if err != nil {
		return entry{}, errors.WithContext(err, "stat root")
	}
	curr := entry{info: info, node: m.rootNode()}

	for _, name := range splitPath(p) {
		if err := ctx.Err(); err != nil {
			return entry{}, err
		}

		dir, ok := curr.node.Map()
		if !ok || !curr.isDir() {
			return entry{}, errors.PathNotFound{Path: p}
		}

		childPath := path.Join(curr.path, name)
		info, err := root.Stat("/" + childPath)
		if os.IsNotExist(err) {
			return entry{}, errors.PathNotFound{Path: p}
		} else if err != nil {
			return entry{}, errors.WithContext(err, "stat")
		}

		if wantFile := hasExtension(name); wantFile == info.IsDir() {
			return entry{}, errors.PathNotFound{Path: p}
		}

		node, err := child(dir, name, info.IsDir())
		if err != nil {
			return entry{}, errors.WithContext(err, childPath)
		}
		curr = entry{path: childPath, info: info, node: node}
	}
	return curr, nil
}

// child returns the node called `name` in the directory map `dir`, creating
// it if it doesn't exist or has the wrong kind.
func child(dir *crdt.Map, name string, isDir bool) (node Node, err error) {
	created := false
	err = dir.Doc().Transact(func(tx *crdt.Txn) error {
		v, _ := tx.Get(dir, name)
		switch existing := v.(type) {
		case *crdt.Map:
			// Either a directory, or a file written as an embedded map.
			node = Embedded(existing)
			return nil
		case *crdt.Doc:
			if !isDir {
				node = Nested(existing)
				return nil
			}
		}

		created = true
		if isDir {
			node = Embedded(tx.SetMap(dir, name))
			return nil
		}

		d, err := tx.SetDoc(dir, name, nil)
		node = Nested(d)
		return err
	})
	if err != nil {
		return Node{}, err
	}

	if created {
		typ := contents.TypeFile
		if isDir {
			typ = contents.TypeDirectory
		}
		metrics.RecordNodeCreated(string(typ))
		log.WithField("name", name).WithField("type", typ).Debug("Created node")
	}
	return node, nil
}

// ListDirectory reconciles the directory at `p` and each of its children
// into the replicated tree, and returns the directory's record with the
// children's records as its content. Children that only exist in the
// replicated tree are left alone.
func (m *Mirror) ListDirectory(ctx context.Context, p string) (contents.Model, error) {
	root := m.fs()
	if root == nil {
		return contents.Model{}, errors.ErrNoRootHandle
	}

	e, err := m.resolve(ctx, root, p)
	if err != nil {
		return contents.Model{}, err
	}

	if !e.isDir() {
		return contents.Model{}, errors.PathNotFound{Path: p}
	}

	listing, _, err := list(ctx, root, e)
	return listing, err
}

func list(ctx context.Context, root afero.Fs, dir entry) (contents.Model, []entry, error) {
	dirMap, _ := dir.node.Map()
	infos, err := afero.ReadDir(root, "/"+dir.path)
	if err != nil {
		return contents.Model{}, nil, errors.WithContext(err, "read dir")
	}

	children := make([]contents.Model, 0, len(infos))
	var entries []entry
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return contents.Model{}, nil, err
		}

		childPath := path.Join(dir.path, info.Name())
		node, err := child(dirMap, info.Name(), info.IsDir())
		if err != nil {
			return contents.Model{}, nil, errors.WithContext(err, childPath)
		}

		var record contents.Model
		if info.IsDir() {
			record = directoryModel(childPath, info)
			_, err = ReconcileDirectory(node, record)
		} else {
			record, err = fileModel(root, childPath, info, false)
			if err == nil {
				_, err = ReconcileFile(node, record)
			}
		}
		if err != nil {
			return contents.Model{}, nil, errors.WithContext(err, childPath)
		}

		children = append(children, record)
		entries = append(entries, entry{path: childPath, info: info, node: node})
	}

	record := directoryModel(dir.path, dir.info)
	if _, err := ReconcileDirectory(dir.node, record); err != nil {
		return contents.Model{}, nil, errors.WithContext(err, "/"+dir.path)
	}

	record.Content = children
	return record, entries, nil
}

// Get reconciles the entry at `p` and returns its record. The record of a
// file includes its body when `withContent` is set, and the record of a
// directory includes its listing.
func (m *Mirror) Get(ctx context.Context, p string, withContent bool) (contents.Model, error) {
	root := m.fs()
	if root == nil {
		return contents.Model{}, errors.ErrNoRootHandle
	}

	e, err := m.resolve(ctx, root, p)
	if err != nil {
		return contents.Model{}, err
	}

	if e.isDir() {
		if withContent {
			listing, _, err := list(ctx, root, e)
			return listing, err
		}

		record := directoryModel(e.path, e.info)
		_, err := ReconcileDirectory(e.node, record)
		return record, err
	}

	record, err := fileModel(root, e.path, e.info, withContent)
	if err != nil {
		return contents.Model{}, err
	}

	if _, err := ReconcileFile(e.node, record); err != nil {
		return contents.Model{}, err
	}
	return record, nil
}

// Walk lists every directory of the local tree. Directories are descended by
// their actual kind, regardless of their names.
func (m *Mirror) Walk(ctx context.Context) error {
	root := m.fs()
	if root == nil {
		return errors.ErrNoRootHandle
	}

	e, err := m.resolve(ctx, root, "/")
	if err != nil {
		return err
	}
	return walk(ctx, root, e)
}

func walk(ctx context.Context, root afero.Fs, dir entry) error {
	_, children, err := list(ctx, root, dir)
	if err != nil {
		return err
	}

	for _, child := range children {
		if !child.isDir() {
			continue
		}

		if _, ok := child.node.Map(); !ok {
			continue
		}

		if err := walk(ctx, root, child); err != nil {
			return err
		}
	}
	return nil
}

// Attach places the live document `live` at `p`, which becomes the file's
// node. A record already stored for the file is carried over into the live
// document.
func (m *Mirror) Attach(ctx context.Context, p string, live *crdt.Doc) error {
	root := m.fs()
	if root == nil {
		return errors.ErrNoRootHandle
	}

	dirPath, name := path.Split("/" + strings.Trim(p, "/"))
	if name == "" {
		return errors.PathNotFound{Path: p}
	}

	dir, err := m.resolve(ctx, root, dirPath)
	if err != nil {
		return err
	}

	dirMap, ok := dir.node.Map()
	if !ok || !dir.isDir() {
		return errors.PathNotFound{Path: p}
	}

	var existing map[string]interface{}
	err = m.doc.Transact(func(tx *crdt.Txn) error {
		v, ok := tx.Get(dirMap, name)
		if !ok {
			return nil
		}

		var node Node
		switch v := v.(type) {
		case *crdt.Map:
			node = Embedded(v)
		case *crdt.Doc:
			if v == live {
				return nil
			}
			node = Nested(v)
		default:
			return nil
		}

		if state := node.state(tx, false); state != nil {
			existing = tx.ToJSON(state)
		}
		return nil
	})
	if err != nil {
		return errors.WithContext(err, "read record")
	}

	state := live.GetMap(StateMap)
	for _, key := range sortedKeys(existing) {
		if err := state.Set(key, existing[key]); err != nil {
			return errors.WithContext(err, "copy record")
		}
	}

	if live.IsSubdoc() {
		// Already in the tree, e.g. the same document opened twice.
		return nil
	}

	if _, err := dirMap.SetDoc(name, live); err != nil {
		return errors.WithContext(err, "attach")
	}
	log.WithField("path", p).Debug("Attached live document")
	return nil
}

// ReadReplica returns the record stored in the replicated tree for `p`,
// without reading the local tree. A directory's record lists the records of
// its children. Before any peer has bound a root, every read returns the
// empty directory.
func (m *Mirror) ReadReplica(p string) (record contents.Model, err error) {
	err = m.doc.Transact(func(tx *crdt.Txn) error {
		rootMap := tx.GetMap(m.doc, RootMap)
		if !tx.Has(rootMap, StateKey) {
			record = contents.EmptyDirectory(m.clock.Now())
			return nil
		}

		node := Embedded(rootMap)
		for _, name := range splitPath(p) {
			dir, ok := node.Map()
			if !ok {
				return errors.PathNotFound{Path: p}
			}

			if node, ok = replicaChild(tx, dir, name); !ok {
				return errors.PathNotFound{Path: p}
			}
		}

		stored, ok, err := node.record(tx)
		if err != nil {
			return err
		} else if !ok {
			return errors.PathNotFound{Path: p}
		}

		record = stored

		if record.Type != contents.TypeDirectory {
			return nil
		}

		dir, _ := node.Map()
		children := []contents.Model{}
		for _, name := range tx.Keys(dir) {
			if name == StateKey {
				continue
			}

			node, ok := replicaChild(tx, dir, name)
			if !ok {
				continue
			}

			child, ok, err := node.record(tx)
			if err != nil {
				return errors.WithContext(err, name)
			} else if ok {
				children = append(children, child)
			}
		}
		record.Content = children
		return nil
	})
	return record, err
}

func replicaChild(tx *crdt.Txn, dir *crdt.Map, name string) (Node, bool) {
	if name == StateKey {
		return Node{}, false
	}

	v, _ := tx.Get(dir, name)
	switch v := v.(type) {
	case *crdt.Map:
		return Embedded(v), true
	case *crdt.Doc:
		return Nested(v), true
	}
	return Node{}, false
}

func directoryModel(p string, info os.FileInfo) contents.Model {
	ts := contents.FormatTime(info.ModTime())
	return contents.Model{
		Name:         baseName(p),
		Path:         p,
		Created:      ts,
		LastModified: ts,
		Writable:     true,
		Type:         contents.TypeDirectory,
	}
}

// fileModel returns the record of the file at `p`. The file is only read
// when `withContent` is set, or when its mimetype can't be guessed from its
// extension.
func fileModel(root afero.Fs, p string, info os.FileInfo, withContent bool) (contents.Model, error) {
	ts := contents.FormatTime(info.ModTime())
	size := info.Size()
	record := contents.Model{
		Name:         baseName(p),
		Path:         p,
		Created:      ts,
		LastModified: ts,
		Writable:     true,
		Type:         contents.TypeFile,
		Size:         &size,
	}

	var data []byte
	if withContent {
		var err error
		data, err = afero.ReadFile(root, "/"+p)
		if err != nil {
			return contents.Model{}, errors.WithContext(err, "read file")
		}
	}

	if strings.EqualFold(filepath.Ext(p), ".ipynb") {
		record.Type = contents.TypeNotebook
		record.Format = contents.FormatJSON
		record.Mimetype = NotebookMimetype
		if !withContent {
			return record, nil
		}

		var notebook interface{}
		if err := json.Unmarshal(data, &notebook); err == nil {
			record.Content = notebook
			return record, nil
		}

		log.WithField("path", p).Debug("Notebook isn't valid JSON. Serving it as text.")
		record.Type = contents.TypeFile
	}

	mt, err := detectMimetype(root, p, data, withContent)
	if err != nil {
		return contents.Model{}, err
	}
	record.Mimetype = mt
	record.Format = formatFor(mt)

	if withContent {
		if record.Format == contents.FormatBase64 {
			record.Content = base64.StdEncoding.EncodeToString(data)
		} else {
			record.Content = string(data)
		}
	}
	return record, nil
}

func detectMimetype(root afero.Fs, p string, data []byte, haveData bool) (string, error) {
	if ext := filepath.Ext(p); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return mediaType(t), nil
		}
	}

	if haveData {
		return mediaType(mimetype.Detect(data).String()), nil
	}

	f, err := root.Open("/" + p)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	detected, err := mimetype.DetectReader(f)
	if err != nil {
		return "", errors.WithContext(err, "detect mimetype")
	}
	return mediaType(detected.String()), nil
}

// mediaType strips the parameters from a mimetype.
func mediaType(t string) string {
	if parsed, _, err := mime.ParseMediaType(t); err == nil {
		return parsed
	}
	return t
}

// formatFor returns base64 for binary media, and text otherwise.
func formatFor(mt string) contents.Format {
	switch strings.SplitN(mt, "/", 2)[0] {
	case "image", "audio", "video":
		return contents.FormatBase64
	}
	return contents.FormatText
}

func splitPath(p string) []string {
	var segments []string
	for _, segment := range strings.Split(p, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

func baseName(p string) string {
	if p == "" {
		return ""
	}
	return path.Base(p)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
