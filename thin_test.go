package kfr

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func newTestEnv(t *testing.T) (*Handles, *Scratch) {
	t.Helper()
	scratch, err := NewScratch(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { scratch.Close() })
	return NewHandles(), scratch
}

func randBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func sliceAll(t *testing.T, fat *FatKfr, sliceSize int64) []*ThinKfr {
	t.Helper()
	var result []*ThinKfr
	s := fat.Slice(sliceSize)
	for {
		thin, err := s.Next()
		if errors.Is(err, io.EOF) {
			return result
		}
		if err != nil {
			t.Fatal(err)
		}
		if err := thin.Validate(); err != nil {
			t.Fatal(err)
		}
		result = append(result, thin)
	}
}

func TestSliceMerge(t *testing.T) {
	const S = 16

	for _, n := range []int{0, 1, S - 1, S, S + 1, 10 * S} {
		t.Run(fmt.Sprintf("size_%d", n), func(t *testing.T) {
			files, scratch := newTestEnv(t)

			data := randBytes(int64(n), n)
			fat, err := FatFromBytes(files, scratch, "/f", 1000, data)
			if err != nil {
				t.Fatal(err)
			}
			defer fat.Close()

			thins := sliceAll(t, fat, S)

			wantChunks := (n + S - 1) / S
			if wantChunks <= 1 {
				if len(thins) != 1 || !thins[0].Standalone() {
					t.Fatalf("got %d chunks, want 1 standalone", len(thins))
				}
			} else if len(thins) != wantChunks+1 || !thins[len(thins)-1].Terminal() {
				t.Fatalf("got %d chunks, want %d plus terminal", len(thins), wantChunks)
			}

			sink := filepath.Join(t.TempDir(), "sink")
			var got *FatKfr
			for i, thin := range thins {
				got, err = Merge(files, thin, sink, nil)
				if err != nil {
					t.Fatal(err)
				}
				if i < len(thins)-1 && got != nil {
					t.Fatalf("sequence completed early at chunk %d", i)
				}
			}
			if got == nil {
				t.Fatal("sequence did not complete")
			}
			defer got.Close()

			if got.Kfr != fat.Kfr {
				t.Errorf("got record %s, want %s", got.Kfr, fat.Kfr)
			}
			b, err := os.ReadFile(got.Path())
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(b, data) {
				t.Error("content mismatch")
			}
		})
	}
}

func TestSliceAbsent(t *testing.T) {
	files := NewHandles()
	fat := AbsentFat(Absent("/gone", 5), nil)

	thins := sliceAll(t, fat, 16)
	if len(thins) != 1 {
		t.Fatalf("got %d chunks, want 1", len(thins))
	}

	sink := filepath.Join(t.TempDir(), "sink")
	if err := os.WriteFile(sink, []byte("leftover"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := Merge(files, thins[0], sink, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Exists() {
		t.Fatalf("got %v, want absent handle", got)
	}
	if _, err := os.Stat(sink); !os.IsNotExist(err) {
		t.Errorf("sink still exists (err %v)", err)
	}
}

func TestMergeCorrupt(t *testing.T) {
	files, scratch := newTestEnv(t)

	fat, err := FatFromBytes(files, scratch, "/f", 1000, randBytes(1, 40))
	if err != nil {
		t.Fatal(err)
	}
	defer fat.Close()

	thins := sliceAll(t, fat, 16)
	thins[1].Body[0] ^= 0xff

	sink := filepath.Join(t.TempDir(), "sink")
	for _, thin := range thins[:len(thins)-1] {
		if _, err := Merge(files, thin, sink, nil); err != nil {
			t.Fatal(err)
		}
	}
	_, err = Merge(files, thins[len(thins)-1], sink, nil)
	if !errors.Is(err, ErrCorruptTransfer) {
		t.Errorf("got %v, want ErrCorruptTransfer", err)
	}
}

func TestFatCopyMove(t *testing.T) {
	files, scratch := newTestEnv(t)
	dir := t.TempDir()

	data := []byte("hello, world")
	fat, err := FatFromBytes(files, scratch, "/f", 1000, data)
	if err != nil {
		t.Fatal(err)
	}
	src := fat.Path()

	copied := filepath.Join(dir, "a", "b", "copy")
	if err := fat.Copy(copied); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(copied); !bytes.Equal(b, data) {
		t.Errorf("copy has %q, want %q", b, data)
	}

	b, err := fat.Bytes(Range{7, 12})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "world" {
		t.Errorf("got %q, want world", b)
	}
	if _, err := fat.Bytes(Range{7, 13}); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want unexpected EOF", err)
	}

	moved := filepath.Join(dir, "moved")
	if err := fat.Move(moved); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(moved); !bytes.Equal(b, data) {
		t.Errorf("moved file has %q, want %q", b, data)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source still exists after move (err %v)", err)
	}
	if _, err := fat.Bytes(Range{0, 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}

	if err := AbsentFat(Absent("/f", 2000), nil).Copy(copied); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(copied); !os.IsNotExist(err) {
		t.Errorf("absent copy left %s (err %v)", copied, err)
	}
}

func TestOpenFatMismatch(t *testing.T) {
	files := NewHandles()
	path := filepath.Join(t.TempDir(), "nothing")

	_, err := OpenFat(files, Kfr{Path: "/nothing", Size: 3, Hash: 4}, path, nil)
	if !IsInvariant(err) {
		t.Errorf("got %v, want invariant violation", err)
	}

	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = OpenFat(files, Absent("/nothing", 1), path, nil)
	if !IsInvariant(err) {
		t.Errorf("got %v, want invariant violation", err)
	}
}
