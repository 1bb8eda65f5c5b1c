package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// StorageAdapter provides blob storage operations using Google Cloud Storage
type StorageAdapter struct {
	Client *storage.Client
}

func (a *StorageAdapter) Write(ctx context.Context, bucketName, objectName string, data []byte) error {
	wc := a.Client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("write gs://%s/%s: %w", bucketName, objectName, err)
	}
	return wc.Close()
}

func (a *StorageAdapter) Read(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	rc, err := a.Client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucketName, objectName, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// GCSPathResolver turns bucket-relative media paths into gs:// URIs. Paths that
// already carry a scheme or are absolute local paths pass through unchanged.
type GCSPathResolver struct {
	Bucket string
}

func (r GCSPathResolver) Resolve(path string) string {
	if path == "" || r.Bucket == "" {
		return path
	}
	if strings.Contains(path, "://") || strings.HasPrefix(path, "/") {
		return path
	}
	return fmt.Sprintf("gs://%s/%s", r.Bucket, path)
}

// ResultObject is the archive location for a raw stage result.
func ResultObject(streamID, stage, id string) string {
	return fmt.Sprintf("results/%s/%s/%s.json", streamID, stage, id)
}
