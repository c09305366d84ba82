package lru

import (
	"context"
	"testing"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
	"github.com/bobg/kfr/store/mem"
	"github.com/bobg/kfr/testutil"
)

func TestStore(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(context.Background(), t, s)
}

func TestAllRecords(t *testing.T) {
	testutil.AllRecords(context.Background(), t, func() store.Store {
		s, err := New(mem.New(), 3)
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	nested := mem.New()
	s, err := New(nested, 10)
	if err != nil {
		t.Fatal(err)
	}

	k := kfr.Kfr{Path: "/a", Time: 1, Size: 1, Hash: 1}
	if err := s.Put(ctx, k); err != nil {
		t.Fatal(err)
	}

	// Change the nested store behind the cache's back.
	if err := nested.Put(ctx, kfr.Absent("/a", 2)); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if got != k {
		t.Errorf("got %s, want cached %s", got, k)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	s, err := store.Create(ctx, "lru", map[string]interface{}{
		"size":   100,
		"nested": map[string]interface{}{"type": "mem"},
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(ctx, t, s)
}
