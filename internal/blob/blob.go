// Package blob stores attachment bytes behind opaque locators.
package blob

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/and161185/report-keeper/internal/errs"
)

// Store persists blobs. Locators are slash-separated relative paths; a scope is a locator prefix.
type Store interface {
	// Write stores data at locator, replacing any previous blob.
	Write(ctx context.Context, locator string, data []byte, contentType string) error
	// Read returns the blob at locator or errs.ErrNotFound.
	Read(ctx context.Context, locator string) ([]byte, error)
	// Delete removes the blob at locator; absent blobs are not an error.
	Delete(ctx context.Context, locator string) error
	// DeleteScope removes every blob under prefix; an absent scope is not an error.
	DeleteScope(ctx context.Context, prefix string) error
}

// CleanLocator validates a locator and returns it in canonical slash form.
func CleanLocator(locator string) (string, error) {
	l := strings.Trim(strings.ReplaceAll(locator, "\\", "/"), "/")
	if l == "" || !filepath.IsLocal(filepath.FromSlash(l)) {
		return "", fmt.Errorf("locator %q: %w", locator, errs.ErrInvalidInput)
	}
	return l, nil
}

func storageErr(op, locator string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, locator, errs.ErrStorage, err)
}
