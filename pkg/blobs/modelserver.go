package blobs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// ModelServer reads blobs over HTTP from a model-store instance.
type ModelServer struct {
	// BaseURL is the model-store root, typically http://model-store
	BaseURL *url.URL
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

var _ BlobReader = &ModelServer{}

func (m *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return err
	}
	u := m.BaseURL.JoinPath(info.Hash).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}

	log.Info("downloading graph blob", "url", u)
	startedAt := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("blob %q not found: %w", info.Hash, os.ErrNotExist)
	default:
		return fmt.Errorf("unexpected status downloading %q: %v", u, resp.Status)
	}

	n, err := writeToFile(ctx, resp.Body, destPath)
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", u, err)
	}

	log.Info("downloaded graph blob", "url", u, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
