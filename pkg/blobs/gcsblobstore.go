package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSBlobstore keeps graph blobs in a Cloud Storage bucket, keyed by hash under Prefix.
type GCSBlobstore struct {
	Bucket string
	Prefix string
}

var _ Blobstore = (*GCSBlobstore)(nil)

func (s *GCSBlobstore) object(ctx context.Context, info BlobInfo) (*storage.Client, *storage.ObjectHandle, string, error) {
	if err := info.Validate(); err != nil {
		return nil, nil, "", err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("creating GCS storage client: %w", err)
	}
	key := s.Prefix + info.Hash
	return client, client.Bucket(s.Bucket).Object(key), "gs://" + s.Bucket + "/" + key, nil
}

func (s *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	client, obj, gcsURL, err := s.object(ctx, info)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := obj.Attrs(ctx); err == nil {
		log.Info("graph blob already exists in GCS", "url", gcsURL)
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("getting object attributes for %q: %w", gcsURL, err)
	}

	log.Info("uploading graph blob to GCS", "source", sourcePath, "destination", gcsURL)

	startedAt := time.Now()
	// Another writer may race us to the same content; identical bytes make that harmless.
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded graph blob to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func (s *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	client, obj, gcsURL, err := s.object(ctx, info)
	if err != nil {
		return err
	}
	defer client.Close()

	log.Info("downloading graph blob from GCS", "source", gcsURL, "destination", destinationPath)

	startedAt := time.Now()
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("blob %q not found: %w", gcsURL, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded graph blob from GCS", "source", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
