package service

import (
	"context"
	"fmt"
	"mime"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/report-keeper/internal/blob"
	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/model"
	"github.com/and161185/report-keeper/internal/repository"
)

// ReportsScope is the blob prefix holding every record's attachments.
const ReportsScope = "reports"

const defaultContentType = "application/octet-stream"

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// RecordScope returns the blob prefix of a record's attachments.
func RecordScope(recordID int64) string {
	return fmt.Sprintf("%s/%d", ReportsScope, recordID)
}

// sanitizeExt keeps a short lower-case alphanumeric extension of name, or nothing.
func sanitizeExt(name string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(name, "\\", "/")))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}

// AttachmentStore persists uploaded files under locators derived from sequential ids.
type AttachmentStore interface {
	// Save reserves the next attachment id and writes the upload under scope.
	Save(ctx context.Context, scope string, up model.Upload) (model.Attachment, error)
	// Put writes an upload at a fixed locator.
	Put(ctx context.Context, locator string, up model.Upload) error
	// Delete removes the attachment's blob; absent blobs are fine.
	Delete(ctx context.Context, a model.Attachment) error
	// DeleteAll removes every blob under scope.
	DeleteAll(ctx context.Context, scope string) error
	// Open reads the blob at locator.
	Open(ctx context.Context, locator string) ([]byte, error)
}

type AttachmentStoreImpl struct {
	blobs    blob.Store
	counters repository.CounterRepository
	log      *zap.Logger
}

var _ AttachmentStore = (*AttachmentStoreImpl)(nil)

// NewAttachmentStore constructs AttachmentStore.
func NewAttachmentStore(blobs blob.Store, counters repository.CounterRepository, log *zap.Logger) *AttachmentStoreImpl {
	return &AttachmentStoreImpl{blobs: blobs, counters: counters, log: log}
}

func contentTypeOf(up model.Upload, ext string) string {
	if up.ContentType != "" {
		return up.ContentType
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultContentType
}

// Save increments the attachment counter before writing, so a failed write only leaves an id gap.
func (s *AttachmentStoreImpl) Save(ctx context.Context, scope string, up model.Upload) (model.Attachment, error) {
	id, err := s.counters.Next(ctx, model.CounterAttachment)
	if err != nil {
		return model.Attachment{}, err
	}
	ext := sanitizeExt(up.Name)
	a := model.Attachment{
		ID:          id,
		Path:        fmt.Sprintf("%s/%d%s", strings.Trim(scope, "/"), id, ext),
		Name:        path.Base(strings.ReplaceAll(up.Name, "\\", "/")),
		ContentType: contentTypeOf(up, ext),
	}
	if a.Name == "." || a.Name == "/" {
		a.Name = fmt.Sprintf("%d%s", id, ext)
	}
	if err := s.blobs.Write(ctx, a.Path, up.Data, a.ContentType); err != nil {
		s.log.Warn("attachment write failed", zap.Int64("attachment_id", id), zap.Error(err))
		return model.Attachment{}, err
	}
	return a, nil
}

// Put writes an upload at locator, replacing any previous blob.
func (s *AttachmentStoreImpl) Put(ctx context.Context, locator string, up model.Upload) error {
	return s.blobs.Write(ctx, locator, up.Data, contentTypeOf(up, sanitizeExt(up.Name)))
}

// Delete removes the attachment's blob.
func (s *AttachmentStoreImpl) Delete(ctx context.Context, a model.Attachment) error {
	if a.Path == "" {
		return nil
	}
	return s.blobs.Delete(ctx, a.Path)
}

// DeleteAll removes a whole scope, for example every attachment of one record.
func (s *AttachmentStoreImpl) DeleteAll(ctx context.Context, scope string) error {
	if strings.Trim(scope, "/") == "" {
		return fmt.Errorf("empty scope: %w", errs.ErrInvalidInput)
	}
	return s.blobs.DeleteScope(ctx, scope)
}

// Open reads the blob at locator.
func (s *AttachmentStoreImpl) Open(ctx context.Context, locator string) ([]byte, error) {
	return s.blobs.Read(ctx, locator)
}

// deleteQuietly removes attachments and logs failures; used for best-effort cleanup.
func deleteQuietly(ctx context.Context, files AttachmentStore, log *zap.Logger, atts []model.Attachment) {
	for _, a := range atts {
		if err := files.Delete(ctx, a); err != nil {
			log.Warn("attachment not removed", zap.Int64("attachment_id", a.ID), zap.String("path", a.Path), zap.Error(err))
		}
	}
}
