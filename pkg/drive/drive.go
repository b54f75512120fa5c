// Package drive exposes a mirrored directory through the operations of a
// contents service. Reads are served from the local directory, which is
// mirrored into a replicated document shared with the peers of a room.
// Mutations are accepted but have no effect: collaborators edit the live
// documents directly.
package drive

import (
	"context"
	"math/rand"
	"sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sharedfs/pkg/contents"
	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/factory"
	"github.com/sidkik/sharedfs/pkg/livedoc"
	"github.com/sidkik/sharedfs/pkg/mirror"
	"github.com/sidkik/sharedfs/pkg/peer"
)

const (
	// Name is the default name of a drive.
	Name = "SharedFS"

	// DefaultRoom is the room every drive joins unless configured
	// otherwise.
	DefaultRoom = "random-room-id-for-testing-jupyterlab"

	checkpointID = "checkpoint"
)

// DefaultSignaling are the public signaling servers used when none are
// configured.
var DefaultSignaling = []string{
	"wss://signaling.yjs.dev",
	"wss://y-webrtc-signaling-eu.herokuapp.com",
}

// Session is a peer session replicating the drive's document.
type Session interface {
	Destroy()
}

// SessionFactory opens the peer session of a drive.
type SessionFactory func(ctx context.Context, doc *crdt.Doc, opts peer.Options) (Session, error)

// ConnectPeers is the SessionFactory that connects to the signaling servers.
func ConnectPeers(ctx context.Context, doc *crdt.Doc, opts peer.Options) (Session, error) {
	return peer.Connect(ctx, doc, opts)
}

// Config configures a Drive. The zero value is usable.
type Config struct {
	Name      string
	Room      string
	Signaling []string
	Password  string

	// MaxConns picks the bound on the number of peers.
	MaxConns peer.ConnLimit

	// FilterBcConns drops our own relayed messages. Defaults to true.
	FilterBcConns *bool

	Awareness  *peer.Awareness
	Clock      clockwork.Clock
	NewSession SessionFactory
}

// Drive is a mirrored directory shared with the peers of a room. It's
// Unbound until BindRoot or JoinRoom is called, and Disposed after Dispose.
type Drive struct {
	name     string
	peerOpts peer.Options
	clock    clockwork.Clock
	connect  SessionFactory

	doc      *crdt.Doc
	mirror   *mirror.Mirror
	registry *factory.Registry
	changed  *Signal

	lock        sync.Mutex
	session     Session
	joined      bool
	disposed    bool
	unsubscribe func()
}

// New returns an unbound Drive.
func New(cfg Config) *Drive {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.Room == "" {
		cfg.Room = DefaultRoom
	}
	if len(cfg.Signaling) == 0 {
		cfg.Signaling = DefaultSignaling
	}
	if cfg.MaxConns == (peer.ConnLimit{}) {
		cfg.MaxConns = peer.DefaultConnLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewSession == nil {
		cfg.NewSession = ConnectPeers
	}

	filterBcConns := true
	if cfg.FilterBcConns != nil {
		filterBcConns = *cfg.FilterBcConns
	}

	r := rand.New(rand.NewSource(cfg.Clock.Now().UnixNano()))
	d := &Drive{
		name:  cfg.Name,
		clock: cfg.Clock,
		peerOpts: peer.Options{
			Room:          cfg.Room,
			Signaling:     cfg.Signaling,
			Password:      cfg.Password,
			MaxConns:      cfg.MaxConns.Pick(r),
			FilterBcConns: filterBcConns,
			Awareness:     cfg.Awareness,
			Clock:         cfg.Clock,
		},
		connect: cfg.NewSession,
		doc:     crdt.NewDoc(),
		changed: newSignal(),
	}
	d.mirror = mirror.New(d.doc, d.clock)
	d.registry = factory.NewRegistry(d.onCreate)
	d.unsubscribe = d.doc.OnUpdate(d.onDocUpdate)
	return d
}

// Name returns the name of the drive.
func (d *Drive) Name() string {
	return d.name
}

// Doc returns the replicated document the drive mirrors into.
func (d *Drive) Doc() *crdt.Doc {
	return d.doc
}

// SharedModelFactory returns the registry of live document factories.
// Documents it creates are attached to the mirrored tree.
func (d *Drive) SharedModelFactory() *factory.Registry {
	return d.registry
}

// FileChanged returns the signal emitted when files change. Peer updates
// are emitted as ChangeRemote.
func (d *Drive) FileChanged() *Signal {
	return d.changed
}

// BindRoot mirrors `root`. The first bind opens the peer session, and later
// binds replace the mirrored directory but keep the session.
func (d *Drive) BindRoot(ctx context.Context, root afero.Fs) error {
	if err := d.checkDisposed(); err != nil {
		return err
	}

	if err := d.mirror.Bind(ctx, root); err != nil {
		return errors.WithContext(err, "bind root")
	}
	log.WithField("drive", d.name).Info("Bound root directory")
	return d.openSession(ctx)
}

// JoinRoom opens the peer session without mirroring a local directory. Get
// then returns the records shared by the peers.
func (d *Drive) JoinRoom(ctx context.Context) error {
	if err := d.checkDisposed(); err != nil {
		return err
	}

	d.lock.Lock()
	d.joined = true
	d.lock.Unlock()
	return d.openSession(ctx)
}

func (d *Drive) openSession(ctx context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.disposed {
		return errors.ErrAlreadyDisposed
	}

	if d.session != nil {
		return nil
	}

	session, err := d.connect(ctx, d.doc, d.peerOpts)
	if err != nil {
		return errors.WithContext(err, "connect to peers")
	}
	d.session = session
	return nil
}

// Get returns the record of the file or directory at `p`. The record of a
// file includes its body, and the record of a directory its listing, unless
// `opts` says otherwise.
func (d *Drive) Get(ctx context.Context, p string, opts *contents.FetchOptions) (contents.Model, error) {
	if err := d.checkDisposed(); err != nil {
		return contents.Model{}, err
	}

	withContent := opts == nil || opts.Content
	if d.mirror.Bound() {
		return d.mirror.Get(ctx, p, withContent)
	}

	d.lock.Lock()
	joined := d.joined
	d.lock.Unlock()
	if joined {
		return d.mirror.ReadReplica(p)
	}
	return contents.EmptyDirectory(d.clock.Now()), nil
}

// Walk reconciles the whole mirrored directory into the replicated tree.
func (d *Drive) Walk(ctx context.Context) error {
	if err := d.checkDisposed(); err != nil {
		return err
	}
	return d.mirror.Walk(ctx)
}

// Save is accepted, but has no effect.
func (d *Drive) Save(ctx context.Context, p string, model contents.Model) (contents.Model, error) {
	return d.placeholder()
}

// Rename is accepted, but has no effect.
func (d *Drive) Rename(ctx context.Context, oldPath, newPath string) (contents.Model, error) {
	return d.placeholder()
}

// Delete is accepted, but has no effect.
func (d *Drive) Delete(ctx context.Context, p string) error {
	return d.checkDisposed()
}

// Copy is accepted, but has no effect.
func (d *Drive) Copy(ctx context.Context, p, toDir string) (contents.Model, error) {
	return d.placeholder()
}

// NewUntitled is accepted, but has no effect.
func (d *Drive) NewUntitled(ctx context.Context, opts *contents.CreateOptions) (contents.Model, error) {
	return d.placeholder()
}

// CreateCheckpoint is accepted, but has no effect.
func (d *Drive) CreateCheckpoint(ctx context.Context, p string) (contents.Checkpoint, error) {
	if err := d.checkDisposed(); err != nil {
		return contents.Checkpoint{}, err
	}
	return d.checkpoint(), nil
}

// ListCheckpoints returns a single checkpoint, as of now.
func (d *Drive) ListCheckpoints(ctx context.Context, p string) ([]contents.Checkpoint, error) {
	if err := d.checkDisposed(); err != nil {
		return nil, err
	}
	return []contents.Checkpoint{d.checkpoint()}, nil
}

// RestoreCheckpoint is accepted, but has no effect.
func (d *Drive) RestoreCheckpoint(ctx context.Context, p, checkpointID string) error {
	return d.checkDisposed()
}

// DeleteCheckpoint is accepted, but has no effect.
func (d *Drive) DeleteCheckpoint(ctx context.Context, p, checkpointID string) error {
	return d.checkDisposed()
}

// Open has no effect.
func (d *Drive) Open(ctx context.Context, p string) error {
	return d.checkDisposed()
}

// Close has no effect.
func (d *Drive) Close(ctx context.Context, p string) error {
	return d.checkDisposed()
}

// GetDownloadURL isn't supported.
func (d *Drive) GetDownloadURL(ctx context.Context, p string) (string, error) {
	if err := d.checkDisposed(); err != nil {
		return "", err
	}
	return "", errors.NotImplemented{Method: "GetDownloadURL"}
}

// Dispose closes the peer session and destroys the replicated document.
// Only the first call has an effect.
func (d *Drive) Dispose() {
	d.lock.Lock()
	if d.disposed {
		d.lock.Unlock()
		return
	}
	d.disposed = true
	session := d.session
	d.session = nil
	d.lock.Unlock()

	d.unsubscribe()
	if session != nil {
		session.Destroy()
	}
	d.doc.Destroy()
	d.changed.close()
	log.WithField("drive", d.name).Debug("Disposed drive")
}

// IsDisposed returns whether Dispose was called.
func (d *Drive) IsDisposed() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.disposed
}

func (d *Drive) checkDisposed() error {
	if d.IsDisposed() {
		return errors.ErrAlreadyDisposed
	}
	return nil
}

func (d *Drive) placeholder() (contents.Model, error) {
	if err := d.checkDisposed(); err != nil {
		return contents.Model{}, err
	}
	return contents.Placeholder(), nil
}

func (d *Drive) checkpoint() contents.Checkpoint {
	return contents.Checkpoint{
		ID:           checkpointID,
		LastModified: contents.FormatTime(d.clock.Now()),
	}
}

// onCreate nests the live documents created by the registry into the
// mirrored tree, so that they're replicated along with it.
func (d *Drive) onCreate(opts factory.Options, doc livedoc.Document) {
	err := d.mirror.Attach(context.Background(), opts.Path, doc.Doc())
	if err != nil {
		log.WithError(err).WithField("path", opts.Path).
			Warn("Failed to attach live document")
	}
}

func (d *Drive) onDocUpdate(_ crdt.Update, origin interface{}) {
	if origin == nil {
		return
	}
	d.changed.emit(contents.ChangedArgs{Type: contents.ChangeRemote})
}
