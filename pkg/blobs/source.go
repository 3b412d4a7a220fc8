package blobs

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseSource picks the blob reader for a location: gs://bucket[/prefix], http(s)://host,
// file:///dir, or a plain directory path.
func ParseSource(source string) (Blobstore, BlobReader, error) {
	switch {
	case source == "":
		return nil, nil, fmt.Errorf("empty blob source")
	case strings.HasPrefix(source, "gs://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(source, "gs://"), "/")
		if bucket == "" {
			return nil, nil, fmt.Errorf("blob source %q has no bucket", source)
		}
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		s := &GCSBlobstore{Bucket: bucket, Prefix: prefix}
		return s, s, nil
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		u, err := url.Parse(source)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing blob source %q: %w", source, err)
		}
		return nil, &ModelServer{BaseURL: u}, nil
	case strings.HasPrefix(source, "file://"):
		u, err := url.Parse(source)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing blob source %q: %w", source, err)
		}
		s := &FileBlobstore{Dir: u.Path}
		return s, s, nil
	case strings.Contains(source, "://"):
		return nil, nil, fmt.Errorf("unsupported blob source %q", source)
	default:
		s := &FileBlobstore{Dir: source}
		return s, s, nil
	}
}
