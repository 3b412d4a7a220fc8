package blobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, b []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func TestBlobInfoValidate(t *testing.T) {
	info := InfoForBytes([]byte("graph"))
	require.NoError(t, info.Validate())
	require.Error(t, BlobInfo{Hash: strings.ToUpper(info.Hash)}.Validate())
	require.Error(t, BlobInfo{Hash: "../etc/passwd"}.Validate())
	require.Error(t, BlobInfo{}.Validate())

	p := writeFile(t, t.TempDir(), "blob", []byte("graph"))
	fromFile, err := InfoForFile(p)
	require.NoError(t, err)
	require.Equal(t, info, fromFile)
}

func TestFileBlobstore(t *testing.T) {
	ctx := context.Background()
	store := &FileBlobstore{Dir: filepath.Join(t.TempDir(), "store")}
	content := []byte("predict net bytes")
	info := InfoForBytes(content)

	err := store.Download(ctx, info, filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, os.ErrNotExist)

	src := writeFile(t, t.TempDir(), "src", content)
	require.NoError(t, store.Upload(ctx, src, info))
	// A second upload of the same hash is a no-op.
	require.NoError(t, store.Upload(ctx, filepath.Join(t.TempDir(), "missing"), info))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, store.Download(ctx, info, dest))
	got, err := ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	got, err := ReadFile(writeFile(t, dir, "empty", nil))
	require.NoError(t, err)
	require.Empty(t, got)

	p := writeFile(t, dir, "data", []byte("abc"))
	got, err = ReadFile(p)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))
	require.Equal(t, []byte("abc"), got)

	_, err = ReadFile(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// memoryReader serves blobs from a map, failing the first failures downloads.
type memoryReader struct {
	blobs    map[string][]byte
	failures int32
	calls    atomic.Int32
}

func (m *memoryReader) Download(ctx context.Context, info BlobInfo, destPath string) error {
	if m.calls.Add(1) <= m.failures {
		return errors.New("connection reset")
	}
	b, ok := m.blobs[info.Hash]
	if !ok {
		return fmt.Errorf("blob %q: %w", info.Hash, os.ErrNotExist)
	}
	return os.WriteFile(destPath, b, 0o644)
}

func TestCachingReader(t *testing.T) {
	ctx := context.Background()
	content := []byte("init net bytes")
	info := InfoForBytes(content)
	upstream := &memoryReader{blobs: map[string][]byte{info.Hash: content}}
	cache := &CachingReader{Dir: t.TempDir(), Upstream: upstream}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := cache.Path(ctx, info)
			if err != nil {
				t.Errorf("fetching blob: %v", err)
				return
			}
			if got, err := os.ReadFile(p); err != nil || string(got) != string(content) {
				t.Errorf("cached blob = %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, upstream.calls.Load())

	dest := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, cache.Download(ctx, info, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.EqualValues(t, 1, upstream.calls.Load())

	_, err = cache.Path(ctx, InfoForBytes([]byte("other")))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCachingReaderRejectsBadBlobs(t *testing.T) {
	ctx := context.Background()
	content := []byte("not what was asked for")
	claimed := InfoForBytes([]byte("the real graph"))
	dir := t.TempDir()

	cache := &CachingReader{Dir: dir, Upstream: &memoryReader{blobs: map[string][]byte{claimed.Hash: content}}}
	_, err := cache.Path(ctx, claimed)
	require.ErrorContains(t, err, "hashes to")
	_, err = os.Stat(filepath.Join(dir, claimed.Hash))
	require.ErrorIs(t, err, os.ErrNotExist)

	info := InfoForBytes(content)
	cache = &CachingReader{
		Dir:      dir,
		Upstream: &memoryReader{blobs: map[string][]byte{info.Hash: content}},
		Verify: func(BlobInfo, []byte) error {
			return errors.New("not a graph")
		},
	}
	_, err = cache.Path(ctx, info)
	require.ErrorContains(t, err, "not a graph")
	_, err = os.Stat(filepath.Join(dir, info.Hash))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = cache.Path(ctx, BlobInfo{Hash: "nothex"})
	require.Error(t, err)
}

func TestLoaderRetries(t *testing.T) {
	ctx := context.Background()
	initNet, predictNet := []byte("init"), []byte("predict")
	initInfo, predictInfo := InfoForBytes(initNet), InfoForBytes(predictNet)
	reader := &memoryReader{
		blobs:    map[string][]byte{initInfo.Hash: initNet, predictInfo.Hash: predictNet},
		failures: 2,
	}
	loader := &Loader{Reader: reader, Dir: t.TempDir(), MaxAttempts: 3, RetryInterval: time.Millisecond}

	gotInit, gotPredict, err := loader.FetchGraphs(ctx, initInfo, predictInfo)
	require.NoError(t, err)
	require.Equal(t, initNet, gotInit)
	require.Equal(t, predictNet, gotPredict)
	require.EqualValues(t, 4, reader.calls.Load())

	reader = &memoryReader{blobs: reader.blobs, failures: 5}
	loader.Reader = reader
	_, err = loader.Fetch(ctx, initInfo)
	require.ErrorContains(t, err, "connection reset")
	require.EqualValues(t, 3, reader.calls.Load())
}

func TestLoaderDoesNotRetryMissingBlobs(t *testing.T) {
	reader := &memoryReader{blobs: map[string][]byte{}}
	loader := &Loader{Reader: reader, Dir: t.TempDir(), MaxAttempts: 5, RetryInterval: time.Hour}
	_, err := loader.Fetch(context.Background(), InfoForBytes([]byte("gone")))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.EqualValues(t, 1, reader.calls.Load())
}

func TestLoaderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reader := &memoryReader{failures: 10}
	loader := &Loader{Reader: reader, Dir: t.TempDir(), MaxAttempts: 5, RetryInterval: time.Hour}
	_, err := loader.Fetch(ctx, InfoForBytes([]byte("x")))
	require.ErrorIs(t, err, context.Canceled)
}

func TestModelServer(t *testing.T) {
	content := []byte("served graph")
	info := InfoForBytes(content)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+info.Hash {
			http.NotFound(w, r)
			return
		}
		w.Write(content)
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	reader := &ModelServer{BaseURL: u, Client: server.Client()}

	dest := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, reader.Download(context.Background(), info, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)

	err = reader.Download(context.Background(), InfoForBytes([]byte("absent")), dest)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseSource(t *testing.T) {
	store, reader, err := ParseSource("gs://models/squeezenet")
	require.NoError(t, err)
	gcs, ok := store.(*GCSBlobstore)
	require.True(t, ok)
	require.Equal(t, "models", gcs.Bucket)
	require.Equal(t, "squeezenet/", gcs.Prefix)
	require.Same(t, gcs, reader)

	store, reader, err = ParseSource("http://model-store:8080")
	require.NoError(t, err)
	require.Nil(t, store)
	require.IsType(t, &ModelServer{}, reader)

	store, _, err = ParseSource("file:///var/models")
	require.NoError(t, err)
	require.Equal(t, "/var/models", store.(*FileBlobstore).Dir)

	store, _, err = ParseSource("/tmp/models")
	require.NoError(t, err)
	require.Equal(t, "/tmp/models", store.(*FileBlobstore).Dir)

	for _, bad := range []string{"", "gs://", "s3://bucket"} {
		_, _, err := ParseSource(bad)
		require.Error(t, err, bad)
	}
}
