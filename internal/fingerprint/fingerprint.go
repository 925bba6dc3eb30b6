// Package fingerprint hashes files and auxiliary values into a single
// deterministic digest.
//
// Every field is length-prefixed so that adjacent fields can never be
// confused with each other. Hashing is order-sensitive: callers sort their
// inputs before writing them.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// domainTag separates these digests from any other BLAKE3 use. Changing it
// invalidates every previously recorded digest.
const domainTag = "app-packager.digest.v1"

// ErrFileChanged is returned when a file's size changes while it is hashed
var ErrFileChanged = errors.New("file changed while hashing")

// FileError reports a file that could not be hashed
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("failed to hash %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Hasher accumulates fields into one cumulative hash
type Hasher struct {
	h   *blake3.Hasher
	len [8]byte
}

// New creates a Hasher seeded with the domain tag
func New() *Hasher {
	h := &Hasher{h: blake3.New()}
	h.WriteString(domainTag)
	return h
}

func (h *Hasher) writeLen(n uint64) {
	binary.BigEndian.PutUint64(h.len[:], n)
	_, _ = h.h.Write(h.len[:])
}

// WriteCount adds a bare count, typically the number of entries that follow
func (h *Hasher) WriteCount(n int) {
	h.writeLen(uint64(n))
}

// WriteBytes adds a length-prefixed byte field
func (h *Hasher) WriteBytes(b []byte) {
	h.writeLen(uint64(len(b)))
	_, _ = h.h.Write(b)
}

// WriteString adds a length-prefixed string field
func (h *Hasher) WriteString(s string) {
	h.writeLen(uint64(len(s)))
	_, _ = io.WriteString(h.h, s)
}

// WriteFile adds label and the streamed contents of path. A missing or
// unreadable file is an error; it is never skipped.
func (h *Hasher) WriteFile(label, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &FileError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &FileError{Path: path, Err: err}
	}
	if info.IsDir() {
		return &FileError{Path: path, Err: errors.New("is a directory")}
	}

	size := info.Size()
	h.WriteString(label)
	h.writeLen(uint64(size))

	n, err := io.Copy(h.h, io.LimitReader(f, size+1))
	if err != nil {
		return &FileError{Path: path, Err: err}
	}
	if n != size {
		return &FileError{Path: path, Err: fmt.Errorf("%w: expected %d bytes, read %d", ErrFileChanged, size, n)}
	}

	return nil
}

// Sum returns the hex-encoded digest. The Hasher stays usable.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
