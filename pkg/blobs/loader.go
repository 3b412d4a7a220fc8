package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
)

// Loader fetches graph blobs into memory, retrying transient download failures.
type Loader struct {
	// Reader is the interface to fetch blobs
	Reader BlobReader

	// Dir receives the downloaded files; defaults to os.TempDir().
	Dir string

	// MaxAttempts is the number of times to attempt a download before failing
	MaxAttempts int

	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
}

func (l *Loader) download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	attempt := 0
	for {
		attempt++

		err := l.Reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) || attempt >= max(l.MaxAttempts, 1) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "hash", info.Hash, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.RetryInterval):
		}
	}
}

// Fetch downloads one blob and returns its bytes after checking them against the hash.
func (l *Loader) Fetch(ctx context.Context, info BlobInfo) ([]byte, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	dir := l.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	localPath := filepath.Join(dir, info.Hash)
	if err := l.download(ctx, info, localPath); err != nil {
		return nil, fmt.Errorf("downloading blob %q: %w", info.Hash, err)
	}
	b, err := ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", info.Hash, err)
	}
	if got := InfoForBytes(b); got != info {
		return nil, fmt.Errorf("blob %q has hash %s", info.Hash, got.Hash)
	}
	return b, nil
}

// FetchGraphs fetches the init and predict graphs of a model.
func (l *Loader) FetchGraphs(ctx context.Context, initInfo, predictInfo BlobInfo) (initNet, predictNet []byte, err error) {
	if initNet, err = l.Fetch(ctx, initInfo); err != nil {
		return nil, nil, fmt.Errorf("fetching init graph: %w", err)
	}
	if predictNet, err = l.Fetch(ctx, predictInfo); err != nil {
		return nil, nil, fmt.Errorf("fetching predict graph: %w", err)
	}
	return initNet, predictNet, nil
}
