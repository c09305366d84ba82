// Package remote implements the network side of synchronization:
// a kfr.Model for a peer reached over HTTP,
// with a websocket subscription to the peer's changes.
package remote

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

var _ kfr.Model = &Model{}

// Model is the replica on a peer.
//
// It caches the last record it has seen from the peer for each path
// in a "known" store,
// and gates both directions of traffic on it:
// a record announced by the peer is queued as a change only if it can replace the known one,
// and a Put is sent only if its record can replace the known one.
//
// Records this Model uploads come back over the subscription.
// Those are acknowledgments,
// recorded as known but not queued as changes.
type Model struct {
	base      *url.URL
	known     store.Store
	files     *kfr.Handles
	scratch   *kfr.Scratch
	log       *zap.SugaredLogger
	client    *http.Client
	dialer    *websocket.Dialer
	sliceSize int64
	compress  bool
	timeout   time.Duration
	readWait  time.Duration
	maxWait   time.Duration
	changes   *kfr.Queue

	mu      sync.Mutex // serializes use of known, and guards pending and last
	pending map[kfr.Kfr]time.Time
	last    *int64 // time of the last record consumed from the subscription

	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option is the type of an option to New.
type Option func(*Model)

// WithLogger sets the Model's logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Model) {
		m.log = log
	}
}

// WithSliceSize sets the chunk size for uploads and downloads.
// The default is 1 MiB.
func WithSliceSize(n int64) Option {
	return func(m *Model) {
		m.sliceSize = n
	}
}

// WithCompression causes chunk bodies to be sent zstd-compressed
// when that makes them smaller.
func WithCompression(on bool) Option {
	return func(m *Model) {
		m.compress = on
	}
}

// WithTimeout sets the timeout for each HTTP request.
// The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(m *Model) {
		m.timeout = d
	}
}

// WithReadTimeout sets how long the subscription may go without hearing from the peer
// (including pings)
// before reconnecting.
// The default is one minute.
func WithReadTimeout(d time.Duration) Option {
	return func(m *Model) {
		m.readWait = d
	}
}

// WithMaxBackoff sets the longest wait between reconnection attempts.
// The default is 30 seconds.
func WithMaxBackoff(d time.Duration) Option {
	return func(m *Model) {
		m.maxWait = d
	}
}

// New produces a Model for the peer at baseURL.
// Call Start to begin the subscription.
func New(baseURL string, known store.Store, files *kfr.Handles, scratch *kfr.Scratch, opts ...Option) (*Model, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", baseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("peer URL %s is not http or https", baseURL)
	}

	m := &Model{
		base:      base,
		known:     known,
		files:     files,
		scratch:   scratch,
		log:       zap.NewNop().Sugar(),
		sliceSize: 1 << 20,
		timeout:   30 * time.Second,
		readWait:  time.Minute,
		maxWait:   30 * time.Second,
		changes:   kfr.NewQueue(),
		pending:   make(map[kfr.Kfr]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sliceSize <= 0 {
		return nil, errors.Errorf("slice size %d", m.sliceSize)
	}

	m.client = &http.Client{Timeout: m.timeout}
	m.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: m.timeout,
	}
	m.log = m.log.With("peer", base.Redacted())
	return m, nil
}

// Changes is the queue of paths changed on the peer.
func (m *Model) Changes() *kfr.Queue {
	return m.changes
}

// Connected tells whether the subscription is currently up.
func (m *Model) Connected() bool {
	return m.connected.Load()
}

// Start launches the subscription to the peer's changes.
// It runs until ctx is canceled or the Model is closed,
// reconnecting as needed.
func (m *Model) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.subscribe(ctx)
	}()
}

// Close stops the subscription and closes the change queue.
// It does not close the known store.
func (m *Model) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.changes.Close()
	return nil
}

// receive handles one record announced by the peer.
func (m *Model) receive(ctx context.Context, rec kfr.Kfr) (err error) {
	defer kfr.Recover(&err)

	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[rec]; ok {
		delete(m.pending, rec)
		m.log.Debugw("acknowledged", "rec", rec)
		return m.known.Put(ctx, rec)
	}

	cur, err := m.knownLocked(ctx, rec.Path)
	if err != nil {
		return err
	}
	if !kfr.CanReplace(rec, cur) {
		return nil
	}
	if err := m.known.Put(ctx, rec); err != nil {
		return err
	}
	m.log.Debugw("received", "rec", rec)
	m.changes.Push(rec.Path)
	return nil
}

// Caller must hold m.mu.
func (m *Model) knownLocked(ctx context.Context, path string) (*kfr.Kfr, error) {
	k, err := m.known.Get(ctx, path)
	if errors.Is(err, kfr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

const pendingTTL = 10 * time.Minute

// Caller must hold m.mu.
func (m *Model) prunePending() {
	cutoff := time.Now().Add(-pendingTTL)
	for k, t := range m.pending {
		if t.Before(cutoff) {
			delete(m.pending, k)
		}
	}
}

// Put uploads rec and its content to the peer,
// unless rec cannot replace the last record known from the peer.
// A peer that reports holding a newer record is not an error.
func (m *Model) Put(ctx context.Context, rec kfr.Kfr, content *kfr.FatKfr) (err error) {
	defer kfr.Recover(&err)

	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Exists() && (content == nil || content.Kfr != rec) {
		return errors.Wrapf(kfr.ErrStale, "content does not match %s", rec)
	}

	m.mu.Lock()
	cur, err := m.knownLocked(ctx, rec.Path)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !kfr.CanReplace(rec, cur) {
		m.mu.Unlock()
		m.log.Debugw("put skipped", "rec", rec, "known", cur)
		return nil
	}
	m.prunePending()
	m.pending[rec] = time.Now()
	m.mu.Unlock()

	err = m.upload(ctx, rec, content)

	m.mu.Lock()
	defer m.mu.Unlock()

	if errors.Is(err, errConflict) {
		delete(m.pending, rec)
		m.log.Infow("peer has newer record", "rec", rec)
		return nil
	}
	if err != nil {
		delete(m.pending, rec)
		return err
	}
	m.log.Infow("uploaded", "rec", rec)
	return m.known.Put(ctx, rec)
}
