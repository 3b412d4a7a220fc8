package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"
)

// CachingReader serves blobs from a local directory, fetching misses from Upstream. Fetched
// blobs are checked against their hash before they enter the cache.
type CachingReader struct {
	Dir      string
	Upstream BlobReader

	// Verify, when set, is called with the bytes of every newly fetched blob; an error keeps the
	// blob out of the cache.
	Verify func(info BlobInfo, b []byte) error

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

var _ BlobReader = &CachingReader{}

func (c *CachingReader) lock(hash string) func() {
	c.mu.Lock()
	if c.inflight == nil {
		c.inflight = make(map[string]*sync.Mutex)
	}
	l, ok := c.inflight[hash]
	if !ok {
		l = &sync.Mutex{}
		c.inflight[hash] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Path returns the cache path of the blob, fetching it first if needed. Concurrent calls for
// the same hash fetch once.
func (c *CachingReader) Path(ctx context.Context, info BlobInfo) (string, error) {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return "", err
	}
	localPath := filepath.Join(c.Dir, info.Hash)

	unlock := c.lock(info.Hash)
	defer unlock()

	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking cache for %q: %w", info.Hash, err)
	}
	if c.Upstream == nil {
		return "", fmt.Errorf("blob %q not cached: %w", info.Hash, os.ErrNotExist)
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory %q: %w", c.Dir, err)
	}
	staging, err := os.MkdirTemp(c.Dir, ".fetch")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	stagedPath := filepath.Join(staging, info.Hash)
	log.Info("cache miss, fetching blob", "hash", info.Hash)
	if err := c.Upstream.Download(ctx, info, stagedPath); err != nil {
		return "", err
	}

	b, err := ReadFile(stagedPath)
	if err != nil {
		return "", fmt.Errorf("reading fetched blob: %w", err)
	}
	if got := InfoForBytes(b); got != info {
		return "", fmt.Errorf("fetched blob hashes to %s, want %s", got.Hash, info.Hash)
	}
	if c.Verify != nil {
		if err := c.Verify(info, b); err != nil {
			return "", fmt.Errorf("verifying blob %q: %w", info.Hash, err)
		}
	}
	if err := os.Rename(stagedPath, localPath); err != nil {
		return "", fmt.Errorf("moving blob into cache: %w", err)
	}
	return localPath, nil
}

func (c *CachingReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	p, err := c.Path(ctx, info)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("opening cached blob: %w", err)
	}
	defer src.Close()
	_, err = writeToFile(ctx, src, destPath)
	return err
}
