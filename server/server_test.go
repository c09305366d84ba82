package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/local"
	"github.com/bobg/kfr/store/mem"
	"github.com/bobg/kfr/wire"
)

type testEnv struct {
	files   *kfr.Handles
	scratch *kfr.Scratch
	model   *local.Model
	srv     *Server
	hs      *httptest.Server
	base    *url.URL
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()

	scratch, err := kfr.NewScratch(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	files := kfr.NewHandles()

	model, err := local.New(t.TempDir(), mem.New(), files, scratch, local.WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}
	srv := New(model, files, scratch, WithLogger(log), WithMaxChunk(1024), WithPingInterval(time.Second))
	hs := httptest.NewServer(srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		hs.Close()
		model.Close()
		scratch.Close()
	})

	base, err := url.Parse(hs.URL)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{files: files, scratch: scratch, model: model, srv: srv, hs: hs, base: base}
}

func (e *testEnv) put(t *testing.T, thin *kfr.ThinKfr, standalone bool) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodPut, wire.KfrURL(e.base, thin.Path), bytes.NewReader(thin.Body))
	if err != nil {
		t.Fatal(err)
	}
	if standalone {
		wire.SetRecord(req.Header, thin.Kfr)
	} else {
		wire.SetChunk(req.Header, thin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func (e *testEnv) request(t *testing.T, method, path string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, wire.KfrURL(e.base, path), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func standalone(k kfr.Kfr, body []byte) *kfr.ThinKfr {
	return &kfr.ThinKfr{Kfr: k, Body: body}
}

func TestPutHeadGet(t *testing.T) {
	e := newTestEnv(t)

	body := []byte("hi")
	rec := kfr.Kfr{Path: "/a.txt", Time: 1000, Size: 2, Hash: kfr.HashBytes(body)}
	if code := e.put(t, standalone(rec, body), true); code != http.StatusOK {
		t.Fatalf("put: got status %d, want 200", code)
	}

	resp, _ := e.request(t, http.MethodHead, "/a.txt")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head: got status %d", resp.StatusCode)
	}
	got, ok, err := wire.Record(resp.Header, "/a.txt")
	if err != nil || !ok {
		t.Fatalf("head: ok=%v err=%v", ok, err)
	}
	if got != rec {
		t.Errorf("head: got %s, want %s", got, rec)
	}

	resp, b := e.request(t, http.MethodGet, "/a.txt")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: got status %d", resp.StatusCode)
	}
	if !bytes.Equal(b, body) {
		t.Errorf("get: got %q, want %q", b, body)
	}

	// Older, different content.
	older := kfr.Kfr{Path: "/a.txt", Time: 999, Size: 3, Hash: kfr.HashBytes([]byte("old"))}
	if code := e.put(t, standalone(older, []byte("old")), true); code != http.StatusConflict {
		t.Errorf("stale put: got status %d, want 409", code)
	}

	// Delete.
	if code := e.put(t, standalone(kfr.Absent("/a.txt", 2000), nil), true); code != http.StatusOK {
		t.Fatalf("delete: got status %d, want 200", code)
	}
	resp, _ = e.request(t, http.MethodHead, "/a.txt")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("head tombstone: got status %d, want 404", resp.StatusCode)
	}
	got, ok, err = wire.Record(resp.Header, "/a.txt")
	if err != nil || !ok || got.Exists() {
		t.Errorf("head tombstone: got %s, ok=%v, err=%v", got, ok, err)
	}

	resp, _ = e.request(t, http.MethodHead, "/never")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("head unknown: got status %d, want 404", resp.StatusCode)
	}
	if resp.Header.Get(wire.HeaderSize) != "" {
		t.Error("head unknown: has record headers")
	}
}

func TestChunkedPut(t *testing.T) {
	e := newTestEnv(t)

	data := bytes.Repeat([]byte("0123456789abcdef"), 150) // 2400 bytes
	fat, err := kfr.FatFromBytes(e.files, e.scratch, "/big.bin", 5000, data)
	if err != nil {
		t.Fatal(err)
	}
	defer fat.Close()

	var thins []*kfr.ThinKfr
	slicer := fat.Slice(1000)
	for {
		thin, err := slicer.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		thins = append(thins, thin)
	}
	if len(thins) != 4 {
		t.Fatalf("got %d chunks, want 4", len(thins))
	}

	for i, thin := range thins {
		want := http.StatusAccepted
		if i == len(thins)-1 {
			want = http.StatusOK
		}
		if code := e.put(t, thin, false); code != want {
			t.Fatalf("chunk %d: got status %d, want %d", i, code, want)
		}
	}

	resp, b := e.request(t, http.MethodGet, "/big.bin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: got status %d", resp.StatusCode)
	}
	if !bytes.Equal(b, data) {
		t.Error("content mismatch")
	}

	// A chunk that does not match its range is rejected.
	bad := *thins[0]
	bad.Time = 6000
	bad.Body = bad.Body[:10]
	if code := e.put(t, &bad, false); code != http.StatusBadRequest {
		t.Errorf("bad chunk: got status %d, want 400", code)
	}

	// Too large for a single PUT.
	big := standalone(fat.Kfr, data)
	big.Time = 7000
	if code := e.put(t, big, true); code != http.StatusBadRequest {
		t.Errorf("oversized put: got status %d, want 400", code)
	}
}

func TestSubscribe(t *testing.T) {
	e := newTestEnv(t)

	first := kfr.Kfr{Path: "/first", Time: 1000, Size: 1, Hash: kfr.HashBytes([]byte("1"))}
	if code := e.put(t, standalone(first, []byte("1")), true); code != http.StatusOK {
		t.Fatalf("put: got status %d", code)
	}

	after := int64(0)
	conn, _, err := websocket.DefaultDialer.Dial(wire.AllURL(e.base, &after, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var got kfr.Kfr
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Errorf("backlog: got %s, want %s", got, first)
	}

	second := kfr.Kfr{Path: "/second", Time: 2000, Size: 1, Hash: kfr.HashBytes([]byte("2"))}
	if code := e.put(t, standalone(second, []byte("2")), true); code != http.StatusOK {
		t.Fatalf("put: got status %d", code)
	}

	// The first record may arrive again from the live feed.
	for got.Path != "/second" {
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatal(err)
		}
	}
	if got != second {
		t.Errorf("live: got %s, want %s", got, second)
	}

	// A later subscription bound excludes earlier records.
	after = 1500
	conn2, _, err := websocket.DefaultDialer.Dial(wire.AllURL(e.base, &after, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()
	conn2.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn2.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got != second {
		t.Errorf("bounded backlog: got %s, want %s", got, second)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.hs.URL + wire.HealthPath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d", resp.StatusCode)
	}
}
