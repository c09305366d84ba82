package kfr

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TempPrefix begins the name of every temporary file this module creates
// next to a destination file.
// Watchers ignore files with this prefix.
const TempPrefix = ".kfr-"

// Scratch is a directory for temporary files,
// created at startup and removed by Close.
// One Scratch is shared by every component of a process that needs scratch space.
type Scratch struct {
	dir string

	mu     sync.Mutex
	closed bool
}

// NewScratch creates a fresh scratch directory beneath parent
// (or beneath the system temp dir if parent is "").
func NewScratch(parent string) (*Scratch, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", parent)
		}
	}
	dir, err := os.MkdirTemp(parent, "kfr-scratch")
	if err != nil {
		return nil, errors.Wrap(err, "creating scratch dir")
	}
	return &Scratch{dir: dir}, nil
}

// Dir is the scratch directory.
func (s *Scratch) Dir() string {
	return s.dir
}

// Path produces a new unique file name in the scratch directory.
// The file is not created.
func (s *Scratch) Path(suffix string) string {
	return filepath.Join(s.dir, uuid.NewString()+suffix)
}

// Close removes the scratch directory and everything in it.
// Handles still open on scratch files keep their descriptors;
// their cleanup functions will find nothing left to remove.
func (s *Scratch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Wrapf(os.RemoveAll(s.dir), "removing scratch dir %s", s.dir)
}

// tempSibling produces a temporary name in the same directory as path,
// suitable for writing a file that is then renamed over path.
func tempSibling(path string) string {
	return filepath.Join(filepath.Dir(path), TempPrefix+uuid.NewString())
}
