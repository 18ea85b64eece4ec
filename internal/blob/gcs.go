package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

const (
	gcsMaxRetries   = 4
	gcsWriteTimeout = 50 * time.Second
)

// GCS stores objects in one Cloud Storage bucket.
type GCS struct {
	client  *storage.Client
	bucket  string
	backoff time.Duration
}

// NewGCS creates a storage client bound to bucket.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, eris.New("blob: bucket must be set")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "blob: create storage client")
	}
	return &GCS{client: client, bucket: bucket, backoff: time.Second}, nil
}

func (g *GCS) ForBucket(bucket string) Store {
	return &GCS{client: g.client, bucket: bucket, backoff: g.backoff}
}

// Put writes the object only if it does not exist yet and retries transient
// failures with exponential backoff.
func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	backoff := g.backoff
	var lastErr error
	for i := 0; i < gcsMaxRetries; i++ {
		err := g.putOnce(ctx, key, data, contentType)
		if err == nil {
			return nil
		}
		lastErr = err
		zap.L().Warn("blob: upload failed, will retry",
			zap.String("gcsObject", key),
			zap.Int("attempt", i+1),
			zap.Int("maxRetries", gcsMaxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return eris.Wrapf(ctx.Err(), "blob: upload of %s cancelled", key)
		}
	}
	return eris.Wrapf(lastErr, "blob: upload for %s failed after all retries", key)
}

func (g *GCS) putOnce(ctx context.Context, key string, data []byte, contentType string) error {
	writeCtx, cancel := context.WithTimeout(ctx, gcsWriteTimeout)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(writeCtx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		if preconditionFailed(err) {
			return nil
		}
		return eris.Wrap(err, "io.Copy to GCS failed")
	}
	if err := w.Close(); err != nil {
		if preconditionFailed(err) {
			zap.L().Debug("blob: object already exists", zap.String("gcsObject", key))
			return nil
		}
		return eris.Wrap(err, "failed to close GCS writer (finalize upload)")
	}
	return nil
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, eris.Wrapf(ErrNotFound, "gs://%s/%s", g.bucket, key)
		}
		return nil, eris.Wrapf(err, "blob: open gs://%s/%s", g.bucket, key)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read gs://%s/%s", g.bucket, key)
	}
	return data, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
