// Package gcs archives raw post fragments to a Google Cloud Storage
// bucket for replay and debugging.
package gcs

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Archive writes fragment batches to a configured GCS bucket.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Archive writes the batch's fragments as one newline-joined HTML object
// and returns its gs:// URI.
func (a *Archive) Archive(ctx context.Context, path string, fragments []string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	object := path
	if a.prefix != "" {
		object = a.prefix + "/" + strings.TrimPrefix(path, "/")
	}
	writer := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "text/html; charset=utf-8"
	for i, frag := range fragments {
		if i > 0 {
			if _, err := writer.Write([]byte("\n")); err != nil {
				_ = writer.Close()
				return "", fmt.Errorf("write fragment separator: %w", err)
			}
		}
		if _, err := writer.Write([]byte(frag)); err != nil {
			_ = writer.Close()
			return "", fmt.Errorf("write fragment: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
