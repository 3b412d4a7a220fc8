// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/predictor/pkg/blobs"
	"k8s.io/examples/AI/predictor/pkg/graph"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/model-store/blobs"
	}
	upstream := os.Getenv("CACHE_BUCKET")
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.StringVar(&upstream, "upstream", upstream, "blob source consulted on cache misses (gs://<bucketName> or a directory)")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	if upstream == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var or -upstream")
	}
	store, _, err := blobs.ParseSource(upstream)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("upstream %q must be a GCS bucket or a directory", upstream)
	}
	log.Info("using upstream blobstore", "upstream", upstream)

	s := &httpServer{
		cache: &blobs.CachingReader{
			Dir:      cacheDir,
			Upstream: store,
			Verify:   verifyGraph,
		},
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("serving", "listen", listen)
	if err := srv.ListenAndServe(); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

// verifyGraph keeps blobs that are not graph definitions out of the cache.
func verifyGraph(info blobs.BlobInfo, b []byte) error {
	def, err := graph.Parse(b)
	if err != nil {
		return err
	}
	klog.V(2).InfoS("verified graph blob", "hash", info.Hash, "name", def.Name, "operations", len(def.Operations), "constants", len(def.Constants))
	return nil
}

type httpServer struct {
	cache *blobs.CachingReader
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			s.serveGETBlob(w, r, blobs.BlobInfo{Hash: tokens[0]})
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, info blobs.BlobInfo) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := s.cache.Path(ctx, info)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting blob", "hash", info.Hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.V(2).Info("serving blob", "path", p)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, p)
}
