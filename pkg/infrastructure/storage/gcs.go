package storage

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// StorageAdapter provides blob storage operations using Google Cloud Storage.
// The sync pipeline uses it to archive raw upstream pages for diagnostics.
type StorageAdapter struct {
	Client *storage.Client
}

// Write stores the object, typing archived pages as JSON so the console
// and gsutil render them instead of forcing a download. Page archives
// are written once per chunk and never rewritten; the retry on a flaky
// upload comes from a stale-claim rerun of the whole chunk.
func (a *StorageAdapter) Write(ctx context.Context, bucketName, objectName string, data []byte) error {
	wc := a.Client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	if strings.HasSuffix(objectName, ".json") {
		wc.ContentType = "application/json"
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}

func (a *StorageAdapter) Read(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	rc, err := a.Client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
