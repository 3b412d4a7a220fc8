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
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/predictor/pkg/blobs"
	"k8s.io/examples/AI/predictor/pkg/config"
	"k8s.io/examples/AI/predictor/pkg/predictor"
	"k8s.io/examples/AI/predictor/pkg/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()
	cfg.RegisterFlags(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if err := cfg.Validate(); err != nil {
		return err
	}

	_, reader, err := blobs.ParseSource(cfg.BlobSource)
	if err != nil {
		return err
	}
	if cfg.CacheDir != "" {
		reader = &blobs.CachingReader{Dir: cfg.CacheDir, Upstream: reader}
	}
	loader := &blobs.Loader{
		Reader:        reader,
		MaxAttempts:   cfg.DownloadAttempts,
		RetryInterval: cfg.RetryInterval,
	}
	initNet, predictNet, err := loader.FetchGraphs(ctx, blobs.BlobInfo{Hash: cfg.InitNet}, blobs.BlobInfo{Hash: cfg.PredictNet})
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}

	p, err := predictor.New(ctx, initNet, predictNet, predictor.WithParallelism(cfg.Parallelism))
	if err != nil {
		return err
	}
	defer p.Close()

	srv := server.New(p, server.BatcherConfig{MaxBatchSize: cfg.MaxBatchSize, MaxWait: cfg.MaxBatchWait})
	srv.Start(ctx)
	defer srv.Stop()

	lis, err := net.Listen("tcp", cfg.GRPCListen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", cfg.GRPCListen, err)
	}
	grpcServer := grpc.NewServer()
	srv.Register(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errs := make(chan error, 2)
	go func() {
		log.Info("Starting predictor-server", "grpc", cfg.GRPCListen, "model", p.Name())
		if err := grpcServer.Serve(lis); err != nil {
			errs <- fmt.Errorf("serving GRPC: %w", err)
		}
	}()
	go func() {
		log.Info("Serving HTTP", "listen", cfg.HTTPListen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("serving HTTP: %w", err)
		}
	}()

	select {
	case err := <-errs:
		grpcServer.Stop()
		httpServer.Close()
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "shutting down HTTP server")
	}
	grpcServer.GracefulStop()
	return nil
}
