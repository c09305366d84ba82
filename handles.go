package kfr

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Handles is a registry of open files shared among FatKfrs and their Readers.
// Concurrent handles on the same file share one descriptor,
// which is closed only when the last of them is released.
// At that instant,
// and not before,
// the cleanup functions registered on the descriptor run.
//
// The zero Handles is not usable; call NewHandles.
type Handles struct {
	mu sync.Mutex
	m  map[string]*shared // canonical path -> descriptor
}

// NewHandles produces a new, empty Handles.
func NewHandles() *Handles {
	return &Handles{m: make(map[string]*shared)}
}

type shared struct {
	h    *Handles
	key  string
	f    *os.File
	refs atomic.Int32

	cleanups []func() // guarded by h.mu
}

// Open reports the number of distinct files currently held open.
func (h *Handles) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.m)
}

// Refs reports how many holders share the descriptor for path,
// or 0 if it is not open.
func (h *Handles) Refs(path string) int {
	key, err := canonical(path)
	if err != nil {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.m[key]; ok {
		return int(s.refs.Load())
	}
	return 0
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "making %s absolute", path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// acquire opens path for reading,
// or shares the descriptor already open on it
// if path still names the same file.
// The cleanup function,
// if non-nil,
// runs after the descriptor is finally released.
func (h *Handles) acquire(path string, cleanup func()) (*shared, error) {
	key, err := canonical(path)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.m[key]; ok && s.samePath() {
		s.refs.Add(1)
		if cleanup != nil {
			s.cleanups = append(s.cleanups, cleanup)
		}
		return s, nil
	}

	f, err := os.Open(key)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", key)
	}
	s := &shared{h: h, key: key, f: f}
	s.refs.Store(1)
	if cleanup != nil {
		s.cleanups = append(s.cleanups, cleanup)
	}

	// A descriptor for a file since replaced at this path
	// stays alive for its holders but leaves the map.
	h.m[key] = s
	return s, nil
}

// Caller must hold s.h.mu.
func (s *shared) samePath() bool {
	fi, err := os.Stat(s.key)
	if err != nil {
		return false
	}
	ofi, err := s.f.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(fi, ofi)
}

// retain adds a holder to s.
func (s *shared) retain() {
	s.h.mu.Lock()
	s.refs.Add(1)
	s.h.mu.Unlock()
}

// release drops a holder from s,
// closing the descriptor and running cleanups when none remain.
func (s *shared) release() error {
	s.h.mu.Lock()
	if s.refs.Add(-1) > 0 {
		s.h.mu.Unlock()
		return nil
	}
	if s.h.m[s.key] == s {
		delete(s.h.m, s.key)
	}
	cleanups := s.cleanups
	s.cleanups = nil
	s.h.mu.Unlock()

	err := s.f.Close()
	for _, c := range cleanups {
		c()
	}
	return errors.Wrapf(err, "closing %s", s.key)
}
