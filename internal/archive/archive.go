// Package archive writes deterministic zip archives of build outputs.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

// deterministicTimestamp is the earliest time a zip header can carry
var deterministicTimestamp = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Stats describes a written archive
type Stats struct {
	Files        int
	Uncompressed int64
	Compressed   int64
}

// Archiver zips directories. Entries are written in lexical order with a
// fixed timestamp so identical trees produce identical archives.
type Archiver struct {
	level  int
	logger zerolog.Logger
}

// NewArchiver creates an archiver with a deflate level (flate.BestSpeed to
// flate.BestCompression; 0 selects the default)
func NewArchiver(level int, logger zerolog.Logger) *Archiver {
	if level == 0 {
		level = flate.DefaultCompression
	}
	return &Archiver{
		level:  level,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Archive writes every regular file under srcDir to dest. dest is created or
// truncated; on error it is removed.
func (a *Archiver) Archive(ctx context.Context, srcDir, dest string) (stats *Stats, err error) {
	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(dest)
		}
	}()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, a.level)
	})

	stats = &Stats{}
	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == srcDir || d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		n, err := a.addFile(zw, path, filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
		stats.Files++
		stats.Uncompressed += n
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	stats.Compressed = info.Size()

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}

	a.logger.Debug().
		Str("archive", dest).
		Int("files", stats.Files).
		Int64("uncompressed", stats.Uncompressed).
		Int64("compressed", stats.Compressed).
		Msg("Archive written")

	return stats, nil
}

// addFile follows symlinks and stores the file with its permission bits
func (a *Archiver) addFile(zw *zip.Writer, path, name string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, nil
	}

	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: deterministicTimestamp,
	}
	header.SetMode(info.Mode().Perm())

	w, err := zw.CreateHeader(header)
	if err != nil {
		return 0, err
	}
	return io.Copy(w, src)
}

// DirSize returns the total size of the regular files under dir, following
// symlinks the way Archive does
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", dir, err)
	}
	return total, nil
}
