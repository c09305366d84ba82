package syncer

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/local"
	"github.com/bobg/kfr/remote"
	"github.com/bobg/kfr/server"
	"github.com/bobg/kfr/store/mem"
	"github.com/bobg/kfr/wire"
)

func newScratch(t *testing.T) *kfr.Scratch {
	t.Helper()
	scratch, err := kfr.NewScratch(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { scratch.Close() })
	return scratch
}

func newLocal(t *testing.T, name string, files *kfr.Handles, scratch *kfr.Scratch) *local.Model {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar().Named(name)
	m, err := local.New(t.TempDir(), mem.New(), files, scratch, local.WithLogger(log), local.WithRescan(250*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasContent(path, want string) func() bool {
	return func() bool {
		b, err := os.ReadFile(path)
		return err == nil && string(b) == want
	}
}

func TestStep(t *testing.T) {
	ctx := context.Background()
	files := kfr.NewHandles()
	scratch := newScratch(t)

	a := newLocal(t, "a", files, scratch)
	defer a.Close()
	b := newLocal(t, "b", files, scratch)
	defer b.Close()

	writeFile(t, filepath.Join(a.Root(), "x", "f"), "hello")
	if err := a.FileChanged(ctx, filepath.Join(a.Root(), "x", "f")); err != nil {
		t.Fatal(err)
	}
	rec, err := a.Get(ctx, "/x/f")
	if err != nil {
		t.Fatal(err)
	}

	s := New("test", a, b, scratch, WithLogger(zaptest.NewLogger(t).Sugar()))
	if err := s.Step(ctx, "/x/f"); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, "/x/f")
	if err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Errorf("got %s, want %s", got, rec)
	}
	if !hasContent(filepath.Join(b.Root(), "x", "f"), "hello")() {
		t.Error("content not transferred")
	}

	// Repeating the step is harmless.
	if err := s.Step(ctx, "/x/f"); err != nil {
		t.Fatal(err)
	}

	// A source file changed after its record was taken is stale.
	writeFile(t, filepath.Join(a.Root(), "x", "f"), "changed behind the model's back")
	if _, err := a.Submit(ctx, kfr.Kfr{Path: "/x/f", Time: rec.Time + 1, Size: 5, Hash: kfr.HashBytes([]byte("other"))}); err != nil {
		t.Fatal(err)
	}
	if err := s.Step(ctx, "/x/f"); err == nil {
		t.Error("step of stale content succeeded")
	}
	got, err = b.Get(ctx, "/x/f")
	if err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Errorf("after stale step got %s, want %s", got, rec)
	}
}

// pair is a local tree synced with a peer's tree
// through the peer's server.
type pair struct {
	near, far *local.Model
	peer      *remote.Model
	scratch   *kfr.Scratch
}

func (p *pair) nearPath(rel string) string {
	return filepath.Join(p.near.Root(), filepath.FromSlash(rel))
}

func (p *pair) farPath(rel string) string {
	return filepath.Join(p.far.Root(), filepath.FromSlash(rel))
}

// newPair starts everything but the synchronizers,
// which run returns.
// If wrap is non-nil it wraps the server's handler.
func newPair(t *testing.T, wrap func(http.Handler) http.Handler, run func(ctx context.Context, p *pair) error) *pair {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()
	files := kfr.NewHandles()
	scratch := newScratch(t)

	p := &pair{
		near:    newLocal(t, "near", files, scratch),
		far:     newLocal(t, "far", files, scratch),
		scratch: scratch,
	}

	srv := server.New(p.far, files, scratch, server.WithLogger(log.Named("server")), server.WithMaxChunk(1024), server.WithPingInterval(time.Second))
	handler := srv.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	hs := httptest.NewServer(handler)

	peer, err := remote.New(hs.URL, mem.New(), files, scratch, remote.WithLogger(log.Named("remote")), remote.WithSliceSize(1000))
	if err != nil {
		t.Fatal(err)
	}
	p.peer = peer

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	t.Cleanup(func() {
		cancel()
		peer.Close()
		wg.Wait()
		hs.Close()
		p.near.Close()
		p.far.Close()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Run(ctx)
	}()

	for _, m := range []*local.Model{p.near, p.far} {
		if err := m.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	peer.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run(ctx, p); err != nil {
			t.Errorf("running synchronizers: %s", err)
		}
	}()

	return p
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, nil, func(ctx context.Context, p *pair) error {
		return Bidirectional(ctx, p.near, p.peer, p.scratch, zaptest.NewLogger(t).Sugar().Named("sync"))
	})

	// Create near, appear far.
	writeFile(t, p.nearPath("a/created"), "created near")
	waitFor(t, "creation far", hasContent(p.farPath("a/created"), "created near"))

	// A file bigger than one chunk.
	big := make([]byte, 3500)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	writeFile(t, p.nearPath("big"), string(big))
	waitFor(t, "big file far", hasContent(p.farPath("big"), string(big)))

	// Modify far, appear near.
	time.Sleep(10 * time.Millisecond)
	writeFile(t, p.farPath("a/created"), "modified far")
	waitFor(t, "modification near", hasContent(p.nearPath("a/created"), "modified far"))

	// Delete near, disappear far.
	if err := os.Remove(p.nearPath("a/created")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "deletion far", func() bool {
		_, err := os.Stat(p.farPath("a/created"))
		return os.IsNotExist(err)
	})

	// Both sides agree on the tombstone.
	waitFor(t, "agreement", func() bool {
		a, err := p.near.Get(ctx, "/a/created")
		if err != nil {
			return false
		}
		b, err := p.far.Get(ctx, "/a/created")
		return err == nil && a == b && !a.Exists()
	})
}

// unavailable answers 503 to everything but the subscription while down is set.
type unavailable struct {
	h      http.Handler
	down   atomic.Bool
	failed atomic.Int32
}

func (u *unavailable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u.down.Load() && r.URL.Path != wire.AllPath {
		u.failed.Add(1)
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
		return
	}
	u.h.ServeHTTP(w, r)
}

func TestRetryAfterOutage(t *testing.T) {
	u := new(unavailable)
	u.down.Store(true)

	var out, in *Synchronizer
	ready := make(chan struct{})

	p := newPair(t,
		func(h http.Handler) http.Handler {
			u.h = h
			return u
		},
		func(ctx context.Context, p *pair) error {
			log := zaptest.NewLogger(t).Sugar()
			out = New("out", p.near, p.peer, p.scratch, WithLogger(log.Named("out")), WithRetry(20*time.Millisecond, 200*time.Millisecond))
			in = New("in", p.peer, p.near, p.scratch, WithLogger(log.Named("in")), WithRetry(20*time.Millisecond, 200*time.Millisecond))
			close(ready)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				out.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				in.Run(ctx)
			}()
			wg.Wait()
			return nil
		},
	)
	<-ready

	writeFile(t, p.nearPath("a.txt"), "hi")
	writeFile(t, p.farPath("b.txt"), "there")

	// Both directions fail at least twice.
	waitFor(t, "failures in both directions", func() bool {
		return out.Retrying() > 0 && in.Retrying() > 0 && u.failed.Load() >= 4
	})

	u.down.Store(false)

	waitFor(t, "a.txt on peer after outage", hasContent(p.farPath("a.txt"), "hi"))
	waitFor(t, "b.txt locally after outage", hasContent(p.nearPath("b.txt"), "there"))
	waitFor(t, "retries to clear", func() bool {
		return out.Retrying() == 0 && in.Retrying() == 0
	})
}
