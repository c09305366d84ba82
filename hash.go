package kfr

import (
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// HashBytes computes the content hash of b.
func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// HashReader computes the size and content hash of everything r produces.
func HashReader(r io.Reader) (int64, uint64, error) {
	h := xxhash.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return n, 0, errors.Wrap(err, "hashing")
	}
	return n, h.Sum64(), nil
}

// HashFile computes the size and content hash of the file at path.
func HashFile(path string) (int64, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "opening %s for hashing", path)
	}
	defer f.Close()

	size, hash, err := HashReader(f)
	return size, hash, errors.Wrapf(err, "hashing %s", path)
}
