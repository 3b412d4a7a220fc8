// Package blobs fetches and publishes model graphs as content-addressed blobs: each blob is
// stored under the hex sha256 of its bytes.
package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore, using the given hash as the object key.
	// If an object with the same hash already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

type BlobInfo struct {
	Hash string
}

// Validate checks that the hash is a lowercase hex sha256, so it is safe as a path element.
func (i BlobInfo) Validate() error {
	if len(i.Hash) != 2*sha256.Size {
		return fmt.Errorf("blob hash %q is not a sha256", i.Hash)
	}
	for _, c := range i.Hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("blob hash %q is not lowercase hex", i.Hash)
		}
	}
	return nil
}

// InfoForBytes returns the content address of b.
func InfoForBytes(b []byte) BlobInfo {
	sum := sha256.Sum256(b)
	return BlobInfo{Hash: hex.EncodeToString(sum[:])}
}

// InfoForFile hashes the file at p.
func InfoForFile(p string) (BlobInfo, error) {
	f, err := os.Open(p)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("opening %q: %w", p, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return BlobInfo{}, fmt.Errorf("hashing %q: %w", p, err)
	}
	return BlobInfo{Hash: hex.EncodeToString(h.Sum(nil))}, nil
}
