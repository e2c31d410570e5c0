// Package attach stores uploaded attachment files on local disk and
// hands back the opaque refs messages carry. It stands in for the
// platform's attachment service; only the AttachmentStore interface is
// visible to the core.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

type Disk struct {
	dir     string
	baseURL string
	maxSize int64
}

var _ core.AttachmentStore = (*Disk)(nil)

func NewDisk(dir, baseURL string, maxSize int64) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attachment dir: %w", errors.Join(err, domain.ErrTransient))
	}
	return &Disk{dir: dir, baseURL: baseURL, maxSize: maxSize}, nil
}

// Upload streams r to disk under a fresh id, sniffs the content type
// from the stored bytes and returns the ref. Oversized uploads fail
// with ValidationError and leave nothing behind.
func (d *Disk) Upload(ctx context.Context, name string, r io.Reader) (domain.Attachment, error) {
	id := uuid.NewString()
	ext := filepath.Ext(name)
	path := filepath.Join(d.dir, id+ext)

	f, err := os.Create(path)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("create attachment: %w", errors.Join(err, domain.ErrTransient))
	}
	size, err := io.Copy(f, io.LimitReader(r, d.maxSize+1))
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return domain.Attachment{}, fmt.Errorf("write attachment: %w", errors.Join(err, domain.ErrTransient))
	}
	if size > d.maxSize {
		os.Remove(path)
		return domain.Attachment{}, fmt.Errorf("attachment exceeds %d bytes: %w", d.maxSize, domain.ErrValidation)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		os.Remove(path)
		return domain.Attachment{}, fmt.Errorf("detect mime type: %w", errors.Join(err, domain.ErrTransient))
	}

	log.Info().Str("module", "store.attach").Str("id", id).Str("mime", mt.String()).Int64("size", size).Msg("attachment stored")
	return domain.Attachment{
		ID:       id,
		URL:      d.baseURL + "/" + id + ext,
		MimeType: mt.String(),
		Size:     size,
	}, nil
}
