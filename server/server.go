// Package server implements the peer side of the wire protocol:
// HTTP access to the records and content of a backend replica,
// chunked uploads into it,
// and a websocket feed of its changes.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/wire"
)

// Backend is the replica a Server exposes.
// A *local.Model is a Backend.
type Backend interface {
	kfr.Model
	All(ctx context.Context, f func(kfr.Kfr) error) error
}

// Server serves a Backend over HTTP.
// Its Run method must be running for websocket subscribers to receive live changes.
type Server struct {
	b        Backend
	files    *kfr.Handles
	scratch  *kfr.Scratch
	merger   *kfr.Merger
	hub      *hub
	log      *zap.SugaredLogger
	maxChunk int64
	mergeTTL time.Duration
	ping     time.Duration
	upgrader websocket.Upgrader
}

// Option is the type of an option to New.
type Option func(*Server)

// WithLogger sets the Server's logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithMaxChunk sets the largest PUT body the Server accepts.
// The default is 16 MiB.
func WithMaxChunk(n int64) Option {
	return func(s *Server) {
		s.maxChunk = n
	}
}

// WithMergeTTL sets how long a chunked upload may go without a new chunk
// before it is discarded.
// The default is ten minutes.
func WithMergeTTL(d time.Duration) Option {
	return func(s *Server) {
		s.mergeTTL = d
	}
}

// WithPingInterval sets how often the Server pings websocket subscribers.
// The default is 20 seconds.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.ping = d
	}
}

// New produces a new Server for b.
// The Server consumes b.Changes().
func New(b Backend, files *kfr.Handles, scratch *kfr.Scratch, opts ...Option) *Server {
	s := &Server{
		b:        b,
		files:    files,
		scratch:  scratch,
		merger:   kfr.NewMerger(files, scratch),
		hub:      newHub(),
		log:      zap.NewNop().Sugar(),
		maxChunk: 16 << 20,
		mergeTTL: 10 * time.Minute,
		ping:     20 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler produces the Server's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wire.KfrPrefix+"/", s.handleKfr)
	mux.HandleFunc(wire.AllPath, s.handleAll)
	mux.HandleFunc(wire.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Run broadcasts the backend's changes to websocket subscribers
// and expires abandoned uploads,
// until ctx is canceled or the backend's change queue is closed.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweep(ctx)
	}()
	defer wg.Wait()
	defer cancel()

	changes := s.b.Changes()
	for {
		path, err := changes.Take(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, kfr.ErrClosed) {
			s.hub.closeAll()
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "taking change")
		}
		rec, err := s.b.Get(ctx, path)
		if err != nil {
			s.log.Warnw("getting changed record", "path", path, "err", err)
			continue
		}
		s.hub.broadcast(rec)
	}
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.mergeTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.merger.Close()
			return
		case <-ticker.C:
			if n := s.merger.Sweep(s.mergeTTL); n > 0 {
				s.log.Infow("discarded abandoned uploads", "n", n)
			}
		}
	}
}

func (s *Server) handleKfr(w http.ResponseWriter, r *http.Request) {
	path, err := wire.PathFromURL(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		s.handleGet(w, r, path)
	case http.MethodPut:
		s.handlePut(w, r, path)
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()

	rec, err := s.b.Get(ctx, path)
	if errors.Is(err, kfr.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !rec.Exists() || r.Method == http.MethodHead {
		s.writeRecord(w, rec)
		return
	}

	content, err := s.b.GetContent(ctx, path, s.scratch.Path(""))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer content.Close()

	if !content.Exists() {
		s.writeRecord(w, content.Kfr)
		return
	}

	reader, err := content.Channel()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer reader.Close()

	wire.SetRecord(w.Header(), content.Kfr)
	w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		s.log.Debugw("sending content", "rec", content.Kfr, "err", err)
	}
}

// writeRecord writes a bodiless response for rec:
// 200 for present records and 404 (with headers) for tombstones.
func (s *Server) writeRecord(w http.ResponseWriter, rec kfr.Kfr) {
	wire.SetRecord(w.Header(), rec)
	if rec.Exists() {
		w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()

	body, err := wire.ReadBody(r.Header, r.Body, s.maxChunk)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	thin, err := wire.Chunk(r.Header, path, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if thin.Progress.Position == 0 {
		// Refuse a sequence that could not be applied when complete.
		cur, err := s.b.Get(ctx, path)
		switch {
		case err == nil:
			if !kfr.CanReplace(thin.Kfr, &cur) {
				s.stale(w, thin.Kfr, cur)
				return
			}
		case !errors.Is(err, kfr.ErrNotFound):
			s.fail(w, r, err)
			return
		}
	}

	fat, err := s.merger.Accept(thin)
	if err != nil {
		s.log.Infow("rejected chunk", "rec", thin.Kfr, "progress", thin.Progress, "err", err)
		s.fail(w, r, err)
		return
	}
	if fat == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	defer fat.Close()

	if err := s.b.Put(ctx, fat.Kfr, fat); err != nil {
		s.fail(w, r, err)
		return
	}

	cur, err := s.b.Get(ctx, path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cur.Time > fat.Time && !cur.ContentEqual(fat.Kfr) {
		s.stale(w, fat.Kfr, cur)
		return
	}
	s.log.Debugw("received", "rec", fat.Kfr)
	wire.SetRecord(w.Header(), cur)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) stale(w http.ResponseWriter, rec, cur kfr.Kfr) {
	s.log.Debugw("stale upload", "rec", rec, "current", cur)
	wire.SetRecord(w.Header(), cur)
	http.Error(w, fmt.Sprintf("%s is superseded by %s", rec, cur), http.StatusConflict)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, kfr.ErrCorruptTransfer), errors.Is(err, kfr.ErrOutOfOrder), kfr.IsInvariant(err):
		code = http.StatusBadRequest
	case errors.Is(err, kfr.ErrStale):
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, kfr.ErrClosed), errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Errorw("request failed", "method", r.Method, "url", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), code)
}
