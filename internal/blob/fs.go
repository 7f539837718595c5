package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/and161185/report-keeper/internal/errs"
)

// FS stores blobs as files under a root directory.
type FS struct{ root string }

var _ Store = (*FS)(nil)

// NewFS creates root if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

func (f *FS) path(locator string) (string, error) {
	l, err := CleanLocator(locator)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(l)), nil
}

// Write stores data through a temp file and rename, so readers never see a torn blob.
func (f *FS) Write(_ context.Context, locator string, data []byte, _ string) error {
	p, err := f.path(locator)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return storageErr("mkdir", locator, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return storageErr("create", locator, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return storageErr("write", locator, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return storageErr("sync", locator, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return storageErr("close", locator, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return storageErr("rename", locator, err)
	}
	return nil
}

// Read returns the file contents.
func (f *FS) Read(_ context.Context, locator string) ([]byte, error) {
	p, err := f.path(locator)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("read", locator, err)
	}
	return b, nil
}

// Delete removes the file if present.
func (f *FS) Delete(_ context.Context, locator string) error {
	p, err := f.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("delete", locator, err)
	}
	return nil
}

// DeleteScope removes the directory tree under prefix.
func (f *FS) DeleteScope(_ context.Context, prefix string) error {
	p, err := f.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return storageErr("delete scope", prefix, err)
	}
	return nil
}
