package local

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/kfr"
)

// FileChanged recomputes the records for the file or directory at abs,
// an absolute path beneath the root,
// and submits any that changed.
// A missing path produces tombstones
// for it and for every present record beneath it.
// Non-regular files and temporary files are ignored.
func (m *Model) FileChanged(ctx context.Context, abs string) (err error) {
	defer kfr.Recover(&err)

	if abs == m.root {
		return m.walk(ctx, abs)
	}
	p, ok := m.relPath(abs)
	if !ok {
		return nil
	}
	if ignored(filepath.Base(abs)) {
		return nil
	}

	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		return m.removed(ctx, p)
	}
	if err != nil {
		return errors.Wrapf(err, "statting %s", abs)
	}
	if info.IsDir() {
		return m.walk(ctx, abs)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return m.observe(ctx, abs, p, info)
}

func ignored(name string) bool {
	return strings.HasPrefix(name, kfr.TempPrefix)
}

// observe hashes one regular file and submits its record.
// Hashing happens outside the lock;
// if the file changes while being hashed,
// the observation is dropped in favor of the event that change will produce.
func (m *Model) observe(ctx context.Context, abs, p string, info fs.FileInfo) error {
	size, hash, err := kfr.HashFile(abs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	again, err := os.Lstat(abs)
	if err != nil || !again.ModTime().Equal(info.ModTime()) || again.Size() != size {
		return errors.Wrapf(kfr.ErrStale, "%s changed while hashing", abs)
	}

	rec := kfr.Kfr{Path: p, Time: info.ModTime().UnixMilli(), Size: size, Hash: hash}

	stored, err := m.db.Get(ctx, p)
	switch {
	case errors.Is(err, kfr.ErrNotFound):
	case err != nil:
		return err
	case stored.ContentEqual(rec):
		return nil
	case rec.Time <= stored.Time:
		// A local change must win over what it replaces,
		// even with a lagging or restored mtime.
		rec.Time = later(stored.Time)
	}

	_, err = m.submitLocked(ctx, rec)
	return err
}

// later is a time after t, and not before now.
func later(t int64) int64 {
	if now := kfr.NowMillis(); now > t {
		return now
	}
	return t + 1
}

// removed submits tombstones for p and everything stored beneath it
// whose files are gone.
func (m *Model) removed(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doomed []kfr.Kfr
	err := m.db.All(ctx, func(k kfr.Kfr) error {
		if k.Exists() && (k.Path == p || strings.HasPrefix(k.Path, p+"/")) {
			doomed = append(doomed, k)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var tombs []kfr.Kfr
	for _, k := range doomed {
		if _, err := os.Lstat(m.absPath(k.Path)); !os.IsNotExist(err) {
			continue
		}
		tombs = append(tombs, kfr.Absent(k.Path, later(k.Time)))
	}
	if len(tombs) == 0 {
		return nil
	}
	_, err = m.submitLocked(ctx, tombs...)
	return err
}

// walk observes every regular file beneath dir.
func (m *Model) walk(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrapf(err, "walking %s", abs)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if abs == dir {
			return nil
		}
		if ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		p, ok := m.relPath(abs)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "statting %s", abs)
		}
		err = m.observe(ctx, abs, p, info)
		if errors.Is(err, kfr.ErrStale) {
			m.log.Debugw("skipping", "path", abs, "err", err)
			return nil
		}
		return err
	})
}

// scan brings the store up to date with the whole tree,
// including files deleted while nothing was watching.
func (m *Model) scan(ctx context.Context) error {
	if err := m.walk(ctx, m.root); err != nil {
		return err
	}
	return m.removed(ctx, "")
}
