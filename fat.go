package kfr

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FatKfr is a record bound to content on disk.
// A present FatKfr holds a shared read descriptor on its file
// (see Handles);
// an absent one holds nothing.
//
// While a FatKfr is open,
// the bytes it reads are those of the file as it was when the FatKfr was opened,
// provided writers replace the file by renaming over it
// (as Copy and Move do)
// rather than rewriting it in place.
type FatKfr struct {
	Kfr

	path string // "" for absent

	mu      sync.Mutex
	sh      *shared // nil for absent, or after Close
	closed  bool
	cleanup func() // absent handles only; present handles register cleanup on sh
}

// OpenFat binds k to the file at path.
// The file must exist iff k does,
// otherwise the result is an *InvariantError.
// If cleanup is non-nil,
// it runs once no handle on the file remains open
// (or, for an absent k, when the FatKfr is closed).
func OpenFat(files *Handles, k Kfr, path string, cleanup func()) (*FatKfr, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "statting %s", path)
	}
	if exists && info.IsDir() {
		return nil, invariant("%s is a directory", path)
	}
	if exists != k.Exists() {
		return nil, invariant("record %s has exists=%v but file %s has exists=%v", k, k.Exists(), path, exists)
	}

	if !k.Exists() {
		return AbsentFat(k, cleanup), nil
	}

	sh, err := files.acquire(path, cleanup)
	if err != nil {
		return nil, err
	}
	return &FatKfr{Kfr: k, path: path, sh: sh}, nil
}

// AbsentFat produces a FatKfr for a tombstone.
// There is no file.
// If cleanup is non-nil it runs on Close.
func AbsentFat(k Kfr, cleanup func()) *FatKfr {
	return &FatKfr{Kfr: Absent(k.Path, k.Time), cleanup: cleanup}
}

// FatFromBytes materializes data as a new file in scratch
// and binds it to a record for path at time t.
// The file belongs to the result and is removed when it is released.
func FatFromBytes(files *Handles, scratch *Scratch, path string, t int64, data []byte) (*FatKfr, error) {
	tmp := scratch.Path("")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return nil, errors.Wrapf(err, "writing %s", tmp)
	}
	k := Kfr{Path: path, Time: t, Size: int64(len(data)), Hash: HashBytes(data)}
	fat, err := OpenFat(files, k, tmp, func() { os.Remove(tmp) })
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	return fat, nil
}

// Path is the file this FatKfr reads,
// or "" for an absent one.
func (f *FatKfr) Path() string {
	return f.path
}

// Caller must hold f.mu.
func (f *FatKfr) check() error {
	if f.closed {
		return errors.Wrapf(ErrClosed, "reading %s", f.Kfr)
	}
	if !f.Exists() {
		return errors.Wrapf(ErrAbsent, "reading %s", f.Kfr)
	}
	return nil
}

// Bytes reads exactly r.Len() bytes beginning at r.Begin.
func (f *FatKfr) Bytes(r Range) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return nil, err
	}
	if r.Begin < 0 || r.End < r.Begin {
		return nil, invariant("bad range %s", r)
	}

	buf := make([]byte, r.Len())
	n, err := f.sh.f.ReadAt(buf, r.Begin)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, errors.Wrapf(err, "reading %s of %s (got %d bytes)", r, f.path, n)
}

// Reader is an independent reader over a FatKfr's content.
// It shares the FatKfr's descriptor
// and keeps it open until its own Close,
// regardless of when the FatKfr is closed.
type Reader struct {
	*io.SectionReader

	once sync.Once
	sh   *shared
}

// Close releases the reader's hold on the descriptor.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() { err = r.sh.release() })
	return err
}

// Channel produces a Reader over f's content.
// The caller must close it.
func (f *FatKfr) Channel() (*Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return nil, err
	}
	f.sh.retain()
	return &Reader{SectionReader: io.NewSectionReader(f.sh.f, 0, f.Size), sh: f.sh}, nil
}

// Verify rehashes f's content and compares it to f's record.
// The result wraps ErrCorruptTransfer on a mismatch.
// Absent handles always verify.
func (f *FatKfr) Verify() error {
	if !f.Exists() {
		return nil
	}
	r, err := f.Channel()
	if err != nil {
		return err
	}
	defer r.Close()

	size, hash, err := HashReader(r)
	if err != nil {
		return errors.Wrapf(err, "verifying %s", f.Kfr)
	}
	if size != f.Size || hash != f.Hash {
		return errors.Wrapf(ErrCorruptTransfer, "%s has size %d and hash %016x", f.Kfr, size, hash)
	}
	return nil
}

// Copy writes f's content to dest,
// creating parent directories as needed.
// The bytes go first to a temporary sibling of dest,
// which is then renamed into place.
// For an absent f,
// Copy removes dest if it exists.
func (f *FatKfr) Copy(dest string) error {
	if !f.Exists() {
		return removeIfExists(dest)
	}

	r, err := f.Channel()
	if err != nil {
		return err
	}
	defer r.Close()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "making dir %s", dir)
	}

	tmp := tempSibling(dest)
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	_, err = io.Copy(out, r)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "copying %s to %s", f.path, tmp)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s to %s", tmp, dest)
	}
	return nil
}

// Move relocates f's content to dest and closes f.
// It renames the file if it can and copies it otherwise.
// For an absent f,
// Move removes dest if it exists.
func (f *FatKfr) Move(dest string) error {
	defer f.Close()

	if !f.Exists() {
		return removeIfExists(dest)
	}

	f.mu.Lock()
	err := f.check()
	f.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "making dir %s", dir)
	}
	if err := os.Rename(f.path, dest); err == nil {
		return nil
	}
	return f.Copy(dest)
}

// Close releases f.
// It is safe to call more than once.
func (f *FatKfr) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if f.sh != nil {
		sh := f.sh
		f.sh = nil
		return sh.release()
	}
	if f.cleanup != nil {
		f.cleanup()
	}
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "removing %s", path)
}
