package strategies

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alvesdmateus/app-packager/internal/manifest"
)

// contextRecipeName is the recipe's name inside an uploaded build context
const contextRecipeName = ".packager.Dockerfile"

// createBuildContext tars the non-ignored files of the context directory
// and the recipe. Entries carry the epoch as timestamp so identical inputs upload
// identical contexts.
func createBuildContext(inv *Invocation) (io.Reader, error) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)

	recipe, err := os.ReadFile(inv.RecipePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	if err := writeTarEntry(tw, contextRecipeName, 0644, bytes.NewReader(recipe), int64(len(recipe))); err != nil {
		return nil, err
	}

	err = manifest.Walk(inv.ContextDir, inv.Language, inv.Ignore, func(rel string) error {
		path := filepath.Join(inv.ContextDir, filepath.FromSlash(rel))
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return err
		}
		return writeTarEntry(tw, rel, int64(fi.Mode().Perm()), f, fi.Size())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tar archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish tar archive: %w", err)
	}

	return buf, nil
}

func writeTarEntry(tw *tar.Writer, name string, mode int64, r io.Reader, size int64) error {
	header := &tar.Header{
		Name:     name,
		Mode:     mode,
		Size:     size,
		Typeflag: tar.TypeReg,
		ModTime:  time.Unix(0, 0),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := io.CopyN(tw, r, size)
	return err
}
