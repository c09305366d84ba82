// Package testutil contains tests that every store.Store implementation should pass.
package testutil

import (
	"context"
	"fmt"
	"math"
	"sort"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/store"
)

// ReadWrite permits testing a Store implementation
// by writing some records to it,
// then reading them back out in various ways to make sure they're the same.
// The store must be empty.
func ReadWrite(ctx context.Context, t *testing.T, s store.Store) {
	recs := []kfr.Kfr{
		{Path: "/a.txt", Time: 1000, Size: 2, Hash: kfr.HashBytes([]byte("hi"))},
		{Path: "/dir/b", Time: 1001, Size: 0, Hash: kfr.HashBytes(nil)},
		{Path: "/dir/c", Time: 1002, Size: 1 << 40, Hash: math.MaxUint64},
		kfr.Absent("/gone", 1003),
	}

	if _, err := s.Get(ctx, "/a.txt"); !errors.Is(err, kfr.ErrNotFound) {
		t.Fatalf("got %v from empty store, want ErrNotFound", err)
	}

	if err := s.Put(ctx, recs...); err != nil {
		t.Fatal(err)
	}

	for _, want := range recs {
		got, err := s.Get(ctx, want.Path)
		if err != nil {
			t.Fatalf("getting %s: %s", want.Path, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("mismatch getting %s (-want +got):\n%s", want.Path, diff)
		}
	}

	gotMulti, err := s.GetMulti(ctx, []string{"/a.txt", "/gone", "/nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	wantMulti := map[string]kfr.Kfr{
		"/a.txt": recs[0],
		"/gone":  recs[3],
	}
	if diff := cmp.Diff(wantMulti, gotMulti); diff != "" {
		t.Errorf("GetMulti mismatch (-want +got):\n%s", diff)
	}

	// Upsert.
	updated := kfr.Kfr{Path: "/a.txt", Time: 2000, Size: 3, Hash: kfr.HashBytes([]byte("bye"))}
	if err := s.Put(ctx, updated, kfr.Absent("/dir/b", 2001)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(updated, got); diff != "" {
		t.Errorf("mismatch after update (-want +got):\n%s", diff)
	}

	var all []kfr.Kfr
	err = s.All(ctx, func(k kfr.Kfr) error {
		all = append(all, k)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	wantAll := []kfr.Kfr{updated, kfr.Absent("/dir/b", 2001), recs[2], recs[3]}
	if diff := cmp.Diff(wantAll, all); diff != "" {
		t.Errorf("All mismatch (-want +got):\n%s", diff)
	}

	stop := errors.New("stop")
	var n int
	err = s.All(ctx, func(kfr.Kfr) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("got %v after %d calls, want stop after 1", err, n)
	}
}

// AllRecords writes random batches of records to a fresh store
// and makes sure that All produces the latest record for each path,
// in path order.
func AllRecords(ctx context.Context, t *testing.T, storeFactory func() store.Store) {
	f := func(ids []uint8, times []int64) bool {
		s := storeFactory()
		defer s.Close()

		want := make(map[string]kfr.Kfr)
		var batch []kfr.Kfr
		for i, id := range ids {
			k := kfr.Kfr{Path: fmt.Sprintf("/p/%03d", id), Size: int64(i), Hash: uint64(i) * 7919}
			if i < len(times) {
				k.Time = times[i]
			}
			want[k.Path] = k
			batch = append(batch, k)
			if len(batch) == 5 {
				if err := s.Put(ctx, batch...); err != nil {
					t.Fatal(err)
				}
				batch = nil
			}
		}
		if err := s.Put(ctx, batch...); err != nil {
			t.Fatal(err)
		}

		var wantList []kfr.Kfr
		for _, k := range want {
			wantList = append(wantList, k)
		}
		sort.Slice(wantList, func(i, j int) bool { return wantList[i].Path < wantList[j].Path })

		var got []kfr.Kfr
		err := s.All(ctx, func(k kfr.Kfr) error {
			got = append(got, k)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(wantList, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}
