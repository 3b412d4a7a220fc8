// Package config gathers the server settings. Environment variables set the defaults and
// command-line flags override them.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"k8s.io/examples/AI/predictor/pkg/engine"
)

type Config struct {
	// GRPCListen is the address of the Predictor service.
	GRPCListen string
	// HTTPListen serves /healthz, /metrics and the websocket stream.
	HTTPListen string

	// BlobSource is where graph blobs are read from; see blobs.ParseSource.
	BlobSource string
	// CacheDir holds downloaded blobs; empty disables caching.
	CacheDir string
	// InitNet and PredictNet are the sha256 hashes of the two graphs.
	InitNet    string
	PredictNet string

	DownloadAttempts int
	RetryInterval    time.Duration

	Parallelism  int
	MaxBatchSize int
	MaxBatchWait time.Duration

	// Labels is an optional file of class names, one per line.
	Labels string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		GRPCListen:       envStr("GRPC_LISTEN", ":9876"),
		HTTPListen:       envStr("HTTP_LISTEN", ":8080"),
		BlobSource:       envStr("BLOB_SOURCE", "http://model-store"),
		CacheDir:         envStr("CACHE_DIR", ""),
		InitNet:          envStr("INIT_NET", ""),
		PredictNet:       envStr("PREDICT_NET", ""),
		DownloadAttempts: envInt("DOWNLOAD_ATTEMPTS", 5),
		RetryInterval:    envDuration("RETRY_INTERVAL", 5*time.Second),
		Parallelism:      envInt("PARALLELISM", engine.DefaultParallelism()),
		MaxBatchSize:     envInt("MAX_BATCH_SIZE", 1),
		MaxBatchWait:     envDuration("MAX_BATCH_WAIT", 5*time.Millisecond),
		Labels:           envStr("LABELS", ""),
	}
}

// RegisterFlags binds every setting to a flag whose default is the current value.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.GRPCListen, "grpc-listen", c.GRPCListen, "gRPC listen address")
	fs.StringVar(&c.HTTPListen, "http-listen", c.HTTPListen, "HTTP listen address")
	fs.StringVar(&c.BlobSource, "blob-source", c.BlobSource, "graph blob location: gs://bucket, http(s)://host, file:///dir or a directory")
	fs.StringVar(&c.CacheDir, "cache-dir", c.CacheDir, "local blob cache directory")
	fs.StringVar(&c.InitNet, "init-net", c.InitNet, "sha256 of the init graph")
	fs.StringVar(&c.PredictNet, "predict-net", c.PredictNet, "sha256 of the predict graph")
	fs.IntVar(&c.DownloadAttempts, "download-attempts", c.DownloadAttempts, "attempts per blob download")
	fs.DurationVar(&c.RetryInterval, "retry-interval", c.RetryInterval, "pause between download attempts")
	fs.IntVar(&c.Parallelism, "parallelism", c.Parallelism, "concurrent work items per kernel")
	fs.IntVar(&c.MaxBatchSize, "max-batch-size", c.MaxBatchSize, "largest batch assembled from concurrent requests; 1 disables batching")
	fs.DurationVar(&c.MaxBatchWait, "max-batch-wait", c.MaxBatchWait, "longest a request waits for others to batch with")
	fs.StringVar(&c.Labels, "labels", c.Labels, "file of class labels, one per line")
}

func (c *Config) Validate() error {
	if c.InitNet == "" || c.PredictNet == "" {
		return fmt.Errorf("both the init graph and the predict graph hash must be set")
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be positive, got %d", c.Parallelism)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be positive, got %d", c.MaxBatchSize)
	}
	if c.DownloadAttempts < 1 {
		return fmt.Errorf("download attempts must be positive, got %d", c.DownloadAttempts)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
