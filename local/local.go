// Package local implements the filesystem side of synchronization:
// a kfr.Model over a directory tree,
// kept current by a filesystem watcher
// and durable in a store.Store.
package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rjeczalik/notify"
	"go.uber.org/zap"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

var _ kfr.Model = &Model{}

// State is the lifecycle state of a Model.
type State int32

const (
	Idle State = iota
	Scanning
	Watching
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Watching:
		return "watching"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Model is the local replica:
// the files beneath a root directory
// together with a store of their records.
//
// The store and the files are guarded by one read/write lock.
// Observations of the filesystem and external writes (Put)
// take it exclusively;
// Get and GetContent share it.
type Model struct {
	root    string // absolute, symlinks resolved
	db      store.Store
	files   *kfr.Handles
	scratch *kfr.Scratch
	log     *zap.SugaredLogger
	rescan  time.Duration
	bufsize int

	mu      sync.RWMutex
	changes *kfr.Queue

	state  atomic.Int32
	events chan notify.EventInfo // guarded by mu
	cancel context.CancelFunc    // guarded by mu
	wg     sync.WaitGroup
}

// Option is the type of an option to New.
type Option func(*Model)

// WithLogger sets the Model's logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Model) {
		m.log = log
	}
}

// WithRescan causes the Model to rescan its whole tree every d
// once it is watching,
// catching any changes the watcher missed.
// Zero (the default) disables rescans.
func WithRescan(d time.Duration) Option {
	return func(m *Model) {
		m.rescan = d
	}
}

// WithEventBuffer sets the capacity of the watcher's event channel.
// The watcher drops events that arrive while the channel is full.
func WithEventBuffer(n int) Option {
	return func(m *Model) {
		m.bufsize = n
	}
}

// New produces a Model for the tree at root,
// which is created if necessary,
// with records in db.
// Call Start to begin scanning and watching.
func New(root string, db store.Store, files *kfr.Handles, scratch *kfr.Scratch, opts ...Option) (*Model, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "making %s absolute", root)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", root)
	}

	m := &Model{
		root:    abs,
		db:      db,
		files:   files,
		scratch: scratch,
		log:     zap.NewNop().Sugar(),
		bufsize: 4096,
		changes: kfr.NewQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("root", abs)
	return m, nil
}

// Root is the absolute path of the tree.
func (m *Model) Root() string {
	return m.root
}

// State reports the Model's lifecycle state.
func (m *Model) State() State {
	return State(m.state.Load())
}

func (m *Model) setState(s State) {
	m.state.Store(int32(s))
	m.log.Debugw("state", "state", s)
}

// Changes is the queue of paths whose records have changed.
func (m *Model) Changes() *kfr.Queue {
	return m.changes
}

// relPath converts an absolute filesystem path beneath the root
// to a record path.
func (m *Model) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return "/" + filepath.ToSlash(rel), true
}

// absPath converts a record path to a filesystem path beneath the root.
func (m *Model) absPath(p string) string {
	return filepath.Join(m.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

// Get produces the stored record for path.
func (m *Model) Get(ctx context.Context, path string) (kfr.Kfr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db.Get(ctx, path)
}

// All calls f on each stored record in path order.
// It works from a snapshot taken under the read lock.
func (m *Model) All(ctx context.Context, f func(kfr.Kfr) error) error {
	var recs []kfr.Kfr

	m.mu.RLock()
	err := m.db.All(ctx, func(k kfr.Kfr) error {
		recs = append(recs, k)
		return nil
	})
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, k := range recs {
		if err := f(k); err != nil {
			return err
		}
	}
	return nil
}

// GetContent copies the current content of path to dest.
// The record and the file descriptor it is copied from
// are taken together under the read lock,
// so the result's record describes the bytes that were read
// unless the file was rewritten in place.
// (Callers can detect that with FatKfr.Verify.)
//
// For a present record,
// the result owns dest and removes it when released.
func (m *Model) GetContent(ctx context.Context, path, dest string) (*kfr.FatKfr, error) {
	pinned, err := m.pin(ctx, path)
	if err != nil {
		return nil, err
	}
	if !pinned.Exists() {
		return pinned, nil
	}
	defer pinned.Close()

	if err := pinned.Copy(dest); err != nil {
		return nil, err
	}
	return kfr.OpenFat(m.files, pinned.Kfr, dest, func() { os.Remove(dest) })
}

func (m *Model) pin(ctx context.Context, path string) (*kfr.FatKfr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.db.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !rec.Exists() {
		return kfr.AbsentFat(rec, nil), nil
	}

	abs := m.absPath(path)
	info, err := os.Lstat(abs)
	if err != nil || !info.Mode().IsRegular() {
		// Changed on disk and not yet observed.
		return nil, errors.Wrapf(kfr.ErrStale, "%s no longer a regular file", abs)
	}
	return kfr.OpenFat(m.files, rec, abs, nil)
}

// Submit offers rec as the new state of rec.Path.
// If it can replace the stored record,
// it is stored and its path is queued as a change.
// Submit reports whether rec was accepted.
func (m *Model) Submit(ctx context.Context, rec kfr.Kfr) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitLocked(ctx, rec)
}

// Caller must hold m.mu exclusively.
func (m *Model) submitLocked(ctx context.Context, recs ...kfr.Kfr) (accepted bool, err error) {
	defer kfr.Recover(&err)

	if m.State() == Closed {
		return false, kfr.ErrClosed
	}

	paths := make([]string, 0, len(recs))
	for _, rec := range recs {
		paths = append(paths, rec.Path)
	}
	stored, err := m.db.GetMulti(ctx, paths)
	if err != nil {
		return false, err
	}

	var toPut []kfr.Kfr
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return false, err
		}
		var cur *kfr.Kfr
		if s, ok := stored[rec.Path]; ok {
			cur = &s
		}
		if kfr.CanReplace(rec, cur) {
			toPut = append(toPut, rec)
		}
	}
	if len(toPut) == 0 {
		return false, nil
	}

	if err := m.db.Put(ctx, toPut...); err != nil {
		return false, err
	}
	for _, rec := range toPut {
		m.log.Debugw("accepted", "rec", rec)
		m.changes.Push(rec.Path)
	}
	return true, nil
}

// Put writes content to the file for rec.Path
// (or, for a tombstone, removes the file),
// sets its modification time to rec's,
// and stores rec.
// It does nothing if rec cannot replace the stored record.
// Content may be nil for a tombstone.
func (m *Model) Put(ctx context.Context, rec kfr.Kfr, content *kfr.FatKfr) (err error) {
	defer kfr.Recover(&err)

	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Exists() && (content == nil || content.Kfr != rec) {
		return errors.Wrapf(kfr.ErrStale, "content does not match %s", rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == Closed {
		return kfr.ErrClosed
	}

	var cur *kfr.Kfr
	stored, err := m.db.Get(ctx, rec.Path)
	switch {
	case err == nil:
		cur = &stored
	case !errors.Is(err, kfr.ErrNotFound):
		return err
	}
	if !kfr.CanReplace(rec, cur) {
		m.log.Debugw("put skipped", "rec", rec, "stored", cur)
		return nil
	}

	abs := m.absPath(rec.Path)
	if rec.Exists() {
		if err := content.Copy(abs); err != nil {
			return err
		}
		if err := os.Chtimes(abs, rec.T(), rec.T()); err != nil {
			return errors.Wrapf(err, "setting times on %s", abs)
		}
	} else if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", abs)
	}

	_, err = m.submitLocked(ctx, rec)
	if err == nil {
		m.log.Infow("put", "rec", rec)
	}
	return err
}

// Close stops the watcher and waits for it to exit,
// then closes the change queue.
// The store is not written after Close returns.
// Close does not close the store.
func (m *Model) Close() error {
	m.mu.Lock()
	prev := State(m.state.Swap(int32(Closed)))
	if prev != Closed {
		m.stopWatchLocked()
	}
	m.mu.Unlock()

	if prev == Closed {
		return nil
	}
	m.log.Debugw("state", "state", Closed)

	m.wg.Wait()
	m.changes.Close()
	return nil
}
