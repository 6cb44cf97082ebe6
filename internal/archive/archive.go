package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Archiver stores receipt images in a GCS bucket so committed entries keep
// their supporting evidence. Assumes Application Default Credentials.
type Archiver struct {
	client *storage.Client
	bucket string
	log    zerolog.Logger
}

// New creates an archiver over the given bucket.
func New(ctx context.Context, bucket string, log zerolog.Logger) (*Archiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create storage client: %w", err)
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		log:    log.With().Str("component", "archive").Logger(),
	}, nil
}

// ArchiveReceipt uploads the raw image under the session's prefix and
// returns the gs:// URI. Callers treat failures as non-fatal; losing the
// image copy never blocks a commit.
func (a *Archiver) ArchiveReceipt(ctx context.Context, sessionID string, image []byte, mime string) (string, error) {
	objectName := fmt.Sprintf("receipts/%s/%s%s", sessionID, uuid.NewString(), extensionFor(mime))

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = mime
	if _, err := io.Copy(w, bytes.NewReader(image)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: writing object %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: finalizing object %s: %w", objectName, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", a.bucket, objectName)
	a.log.Info().Str("uri", uri).Msg("receipt archived")
	return uri, nil
}

// Close releases the underlying storage client.
func (a *Archiver) Close() error {
	return a.client.Close()
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}
