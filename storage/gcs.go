package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/option"

	"halbooking-notifier/pkg/notifier"
)

const defaultObject = "events.json"

// GCS stores the snapshot as a single Cloud Storage object.
// Object writes only become visible when the writer is closed, which makes Save atomic.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	object string
}

// OpenGCS creates a Cloud Storage client and returns a backend for bucket/object.
// Without credentialsJSON the client falls back to Application Default Credentials.
func OpenGCS(ctx context.Context, bucket, object, credentialsJSON string, logger *slog.Logger) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("storage bucket is required for gcs driver")
	}

	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return NewGCS(client, bucket, object, logger), nil
}

// NewGCS wraps an existing client.
func NewGCS(client *storage.Client, bucket, object string, logger *slog.Logger) *GCS {
	if object == "" {
		object = defaultObject
	}
	return &GCS{
		client: client,
		logger: logger,
		bucket: bucket,
		object: object,
	}
}

// Name identifies the backend in logs.
func (g *GCS) Name() string {
	return "gcs"
}

// Load reads the snapshot object with retry logic for reliability.
func (g *GCS) Load(ctx context.Context) (map[string]notifier.Event, error) {
	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying load operation after error", "attempt", n, "object", g.object, "error", retryErr)
		}),
	)
	if missing {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}

	return decodeSnapshot(data)
}

// Save writes the snapshot object with retry logic for reliability.
func (g *GCS) Save(ctx context.Context, events map[string]notifier.Event) error {
	data, err := encodeSnapshot(events)
	if err != nil {
		return err
	}

	err = retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(g.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying save operation after error", "attempt", n, "object", g.object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	g.logger.Debug("Snapshot saved", "bucket", g.bucket, "object", g.object, "event_count", len(events))
	return nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
