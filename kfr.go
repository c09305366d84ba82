package kfr

import (
	"fmt"
	"time"
)

// Kfr is a file's synchronization record.
// It is an immutable value:
// a new state for the same file is a new Kfr.
type Kfr struct {
	// Path is a slash-separated identifier beginning with "/",
	// relative to the root of the synchronized tree.
	Path string `json:"path"`

	// Time is the time of the last change,
	// in milliseconds since the Unix epoch.
	Time int64 `json:"time"`

	// Size is the content length in bytes,
	// or -1 for a tombstone.
	Size int64 `json:"size"`

	// Hash is the content hash (see HashBytes),
	// or 0 for a tombstone.
	Hash uint64 `json:"hash"`
}

// Absent produces the tombstone record for path at time t.
func Absent(path string, t int64) Kfr {
	return Kfr{Path: path, Time: t, Size: -1, Hash: 0}
}

// Exists tells whether k describes present content
// (as opposed to a deletion).
func (k Kfr) Exists() bool {
	return !(k.Size == -1 && k.Hash == 0)
}

// Validate checks the size/hash invariant.
func (k Kfr) Validate() error {
	if k.Path == "" {
		return invariant("record has empty path")
	}
	if k.Size < -1 || (k.Size == -1 && k.Hash != 0) {
		return invariant("record %s has size %d and hash %d", k.Path, k.Size, k.Hash)
	}
	return nil
}

// ContentEqual tells whether k and other describe the same content:
// both absent,
// or both present with equal size and hash.
// Paths and times are not compared.
func (k Kfr) ContentEqual(other Kfr) bool {
	if !k.Exists() || !other.Exists() {
		return !k.Exists() && !other.Exists()
	}
	return k.Size == other.Size && k.Hash == other.Hash
}

// T returns k's time as a time.Time.
func (k Kfr) T() time.Time {
	return time.UnixMilli(k.Time)
}

func (k Kfr) String() string {
	if !k.Exists() {
		return fmt.Sprintf("%s@%d(absent)", k.Path, k.Time)
	}
	return fmt.Sprintf("%s@%d(%d:%016x)", k.Path, k.Time, k.Size, k.Hash)
}

// CanReplace tells whether candidate should supersede current,
// which may be nil.
// This is the only conflict-resolution rule:
// candidate wins if current is nil,
// or if candidate is at least as new as current and differs in content.
//
// CanReplace panics with an *InvariantError if the two records have different paths.
func CanReplace(candidate Kfr, current *Kfr) bool {
	if current == nil {
		return true
	}
	if candidate.Path != current.Path {
		panic(invariant("comparing record for %s against record for %s", candidate.Path, current.Path))
	}
	return candidate.Time >= current.Time && !candidate.ContentEqual(*current)
}

// NowMillis is the current time in the units of Kfr.Time.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Range is the contiguous byte span [Begin, End).
type Range struct {
	Begin int64 `json:"begin"`
	End   int64 `json:"end"`
}

// Len is the number of bytes in r.
func (r Range) Len() int64 {
	return r.End - r.Begin
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Begin, r.End)
}

// Progress locates one chunk in a sequence of Amount chunks.
// Position == Amount marks the terminal chunk.
type Progress struct {
	Position int `json:"position"`
	Amount   int `json:"amount"`
}

// Terminal tells whether p marks the end of a sequence.
func (p Progress) Terminal() bool {
	return p.Position == p.Amount
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d", p.Position, p.Amount)
}
