package kfr

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// ThinKfr is one chunk of a FatKfr's content,
// positioned within a sequence of chunks for the same record.
type ThinKfr struct {
	Kfr
	Range    Range
	Progress Progress
	Body     []byte
}

// Terminal tells whether t is the bodiless end-of-sequence marker.
func (t *ThinKfr) Terminal() bool {
	return t.Progress.Terminal()
}

// Standalone tells whether t is the only chunk of its sequence,
// needing no terminal marker.
func (t *ThinKfr) Standalone() bool {
	return t.Progress.Amount == 1 && t.Progress.Position == 0
}

// Validate checks t's positional invariants.
func (t *ThinKfr) Validate() error {
	if err := t.Kfr.Validate(); err != nil {
		return err
	}
	p, r := t.Progress, t.Range
	if p.Amount < 1 || p.Position < 0 || p.Position > p.Amount {
		return invariant("chunk of %s has progress %s", t.Kfr, p)
	}

	if !t.Exists() {
		if r != (Range{-1, -1}) || p != (Progress{0, 1}) || len(t.Body) != 0 {
			return invariant("absent chunk of %s has range %s, progress %s, %d body bytes", t.Kfr, r, p, len(t.Body))
		}
		return nil
	}

	if t.Terminal() {
		if r != (Range{t.Size, t.Size}) || len(t.Body) != 0 {
			return invariant("terminal chunk of %s has range %s, %d body bytes", t.Kfr, r, len(t.Body))
		}
		return nil
	}

	if r.Begin < 0 || r.End < r.Begin || r.End > t.Size {
		return invariant("chunk of %s has range %s", t.Kfr, r)
	}
	if int64(len(t.Body)) != r.Len() {
		return invariant("chunk %s of %s has %d body bytes", r, t.Kfr, len(t.Body))
	}
	return nil
}

// Slicer produces the chunk sequence of a FatKfr.
// It reads content lazily, one chunk per call to Next,
// and it cannot be rewound.
type Slicer struct {
	fat       *FatKfr
	sliceSize int64
	amount    int
	pos       int
	done      bool
}

// Slice produces a Slicer over f with chunks of at most sliceSize bytes.
// It panics if sliceSize is not positive.
func (f *FatKfr) Slice(sliceSize int64) *Slicer {
	if sliceSize <= 0 {
		panic(invariant("slice size %d", sliceSize))
	}
	amount := 1
	if f.Exists() && f.Size > sliceSize {
		amount = int((f.Size + sliceSize - 1) / sliceSize)
	}
	return &Slicer{fat: f, sliceSize: sliceSize, amount: amount}
}

// Amount is the number of data chunks in the sequence,
// not counting any terminal marker.
func (s *Slicer) Amount() int {
	return s.amount
}

// Next produces the next chunk in the sequence,
// or io.EOF when there are no more.
func (s *Slicer) Next() (*ThinKfr, error) {
	if s.done {
		return nil, io.EOF
	}

	k := s.fat.Kfr

	if !k.Exists() {
		s.done = true
		return &ThinKfr{Kfr: k, Range: Range{-1, -1}, Progress: Progress{0, 1}}, nil
	}

	if s.pos == s.amount {
		// Only reached when amount > 1.
		s.done = true
		return &ThinKfr{Kfr: k, Range: Range{k.Size, k.Size}, Progress: Progress{s.amount, s.amount}}, nil
	}

	begin := int64(s.pos) * s.sliceSize
	end := begin + s.sliceSize
	if end > k.Size {
		end = k.Size
	}
	r := Range{begin, end}
	body, err := s.fat.Bytes(r)
	if err != nil {
		return nil, errors.Wrapf(err, "slicing %s at %s", k, r)
	}

	thin := &ThinKfr{Kfr: k, Range: r, Progress: Progress{s.pos, s.amount}, Body: body}
	s.pos++
	if s.amount == 1 {
		s.done = true
	}
	return thin, nil
}

// Merge applies one chunk to the sink file.
// It returns the completed FatKfr,
// or nil (with a nil error) if more chunks are needed.
//
// An absent chunk removes sink and completes immediately.
// A terminal chunk (or the sole chunk of a standalone sequence)
// checks the sink's size and hash against the record
// and fails with ErrCorruptTransfer if they disagree;
// the caller then owns discarding sink.
// The completed FatKfr reads sink and runs cleanup when released.
//
// Chunks for one record must be merged in order.
// Keeping the sink between calls is the caller's job (see Merger).
func Merge(files *Handles, thin *ThinKfr, sink string, cleanup func()) (*FatKfr, error) {
	if err := thin.Validate(); err != nil {
		return nil, err
	}

	if !thin.Exists() {
		if err := removeIfExists(sink); err != nil {
			return nil, err
		}
		return AbsentFat(thin.Kfr, cleanup), nil
	}

	if !thin.Terminal() {
		if err := writeAt(sink, thin.Body, thin.Range.Begin); err != nil {
			return nil, err
		}
		if !thin.Standalone() {
			return nil, nil
		}
	}

	size, hash, err := HashFile(sink)
	if err != nil {
		return nil, err
	}
	if size != thin.Size || hash != thin.Hash {
		return nil, errors.Wrapf(ErrCorruptTransfer, "merged %s has size %d and hash %016x", thin.Kfr, size, hash)
	}
	return OpenFat(files, thin.Kfr, sink, cleanup)
}

func writeAt(path string, b []byte, off int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	_, err = f.WriteAt(b, off)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "writing %d bytes at %d to %s", len(b), off, path)
}
