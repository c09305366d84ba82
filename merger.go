package kfr

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrOutOfOrder is the error returned by Merger.Accept
// for a chunk that does not continue its record's pending sequence.
// The pending sequence is left as it was.
var ErrOutOfOrder = errors.New("chunk out of order")

// Merger keeps the partial sink files of chunk sequences being received,
// one per record.
// It is safe for concurrent use.
// Chunks for different records may arrive concurrently;
// chunks for the same record are merged one at a time.
type Merger struct {
	files   *Handles
	scratch *Scratch

	mu sync.Mutex
	m  map[Kfr]*mergeEntry
}

type mergeEntry struct {
	mu      sync.Mutex
	sink    string
	next    int // expected chunk position
	touched time.Time
	gone    bool // removed from the map
}

// NewMerger produces a new Merger with sink files in scratch.
func NewMerger(files *Handles, scratch *Scratch) *Merger {
	return &Merger{
		files:   files,
		scratch: scratch,
		m:       make(map[Kfr]*mergeEntry),
	}
}

// Accept merges one chunk.
// It returns the completed FatKfr when thin completes its sequence,
// and nil (with a nil error) when more chunks are expected.
//
// A chunk at position 0 starts (or restarts) a sequence.
// Any other chunk must be the next one expected,
// or Accept fails with ErrOutOfOrder.
// If the sequence fails its final check,
// Accept fails with ErrCorruptTransfer
// and the sequence is discarded.
//
// The caller must close the result.
func (m *Merger) Accept(thin *ThinKfr) (*FatKfr, error) {
	if err := thin.Validate(); err != nil {
		return nil, err
	}

	if !thin.Exists() {
		return AbsentFat(thin.Kfr, nil), nil
	}

	if thin.Standalone() {
		sink := m.scratch.Path("")
		fat, err := Merge(m.files, thin, sink, func() { os.Remove(sink) })
		if err != nil {
			os.Remove(sink)
			return nil, err
		}
		return fat, nil
	}

	e, err := m.entry(thin)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gone {
		return nil, errors.Wrapf(ErrOutOfOrder, "sequence for %s was discarded", thin.Kfr)
	}
	if thin.Progress.Position == 0 && e.next != 0 {
		if err := os.Truncate(e.sink, 0); err != nil && !os.IsNotExist(err) {
			m.discard(thin.Kfr, e)
			return nil, errors.Wrapf(err, "restarting %s", thin.Kfr)
		}
		e.next = 0
	}
	if thin.Progress.Position != e.next {
		return nil, errors.Wrapf(ErrOutOfOrder, "got chunk %s of %s, want %d", thin.Progress, thin.Kfr, e.next)
	}

	sink := e.sink
	fat, err := Merge(m.files, thin, sink, func() { os.Remove(sink) })
	if err != nil {
		m.discard(thin.Kfr, e)
		return nil, err
	}
	e.next++
	e.touched = time.Now()

	if fat != nil {
		m.remove(thin.Kfr, e)
	}
	return fat, nil
}

func (m *Merger) entry(thin *ThinKfr) (*mergeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.m[thin.Kfr]; ok {
		return e, nil
	}
	if thin.Progress.Position != 0 {
		return nil, errors.Wrapf(ErrOutOfOrder, "got chunk %s of %s with no sequence pending", thin.Progress, thin.Kfr)
	}
	e := &mergeEntry{
		sink:    m.scratch.Path(""),
		touched: time.Now(),
	}
	m.m[thin.Kfr] = e
	return e, nil
}

// Caller must hold e.mu.
func (m *Merger) remove(k Kfr, e *mergeEntry) {
	m.mu.Lock()
	if m.m[k] == e {
		delete(m.m, k)
	}
	m.mu.Unlock()
	e.gone = true
}

// Caller must hold e.mu.
func (m *Merger) discard(k Kfr, e *mergeEntry) {
	m.remove(k, e)
	os.Remove(e.sink)
}

// Pending is the number of sequences begun but not finished.
func (m *Merger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// Sweep discards sequences that have received no chunk in the last maxAge.
// It returns the number discarded.
// Sequences busy merging a chunk are skipped.
func (m *Merger) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []*mergeEntry
	for k, e := range m.m {
		if !e.mu.TryLock() {
			continue
		}
		if e.touched.Before(cutoff) {
			delete(m.m, k)
			e.gone = true
			stale = append(stale, e)
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	for _, e := range stale {
		os.Remove(e.sink)
	}
	return len(stale)
}

// Close discards every pending sequence.
func (m *Merger) Close() error {
	m.mu.Lock()
	entries := m.m
	m.m = make(map[Kfr]*mergeEntry)
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.gone = true
		os.Remove(e.sink)
		e.mu.Unlock()
	}
	return nil
}
