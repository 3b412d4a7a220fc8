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
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/predictor/pkg/blobs"
	"k8s.io/examples/AI/predictor/pkg/classify"
	"k8s.io/examples/AI/predictor/pkg/predictor"
	"k8s.io/examples/AI/predictor/pkg/squeezenet"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	opts := squeezenet.DefaultOptions()
	outDir := "."
	upload := ""
	check := false

	flag.StringVar(&outDir, "out", outDir, "directory receiving init_net.pb and predict_net.pb")
	flag.IntVar(&opts.Classes, "classes", opts.Classes, "number of output classes")
	flag.Uint64Var(&opts.Seed, "seed", opts.Seed, "weight seed")
	flag.BoolVar(&opts.Half, "half", opts.Half, "store weights as float16")
	flag.BoolVar(&opts.Softmax, "softmax", opts.Softmax, "end the graph with a softmax so it outputs probabilities")
	flag.StringVar(&upload, "upload", upload, "blobstore to publish the graphs to: gs://bucket, file:///dir or a directory")
	flag.BoolVar(&check, "check", check, "load the exported graphs and check a prediction")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	initNet, predictNet, err := squeezenet.Marshal(opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating %q: %w", outDir, err)
	}
	files := map[string][]byte{"init_net.pb": initNet, "predict_net.pb": predictNet}
	for _, name := range []string{"init_net.pb", "predict_net.pb"} {
		p := filepath.Join(outDir, name)
		if err := os.WriteFile(p, files[name], 0o644); err != nil {
			return fmt.Errorf("writing %q: %w", p, err)
		}
		log.Info("Wrote graph", "path", p, "bytes", len(files[name]), "sha256", blobs.InfoForBytes(files[name]).Hash)
	}

	if upload != "" {
		store, _, err := blobs.ParseSource(upload)
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("cannot upload to read-only source %q", upload)
		}
		for _, name := range []string{"init_net.pb", "predict_net.pb"} {
			p := filepath.Join(outDir, name)
			if err := store.Upload(ctx, p, blobs.InfoForBytes(files[name])); err != nil {
				return fmt.Errorf("uploading %q: %w", p, err)
			}
		}
	}

	if check {
		if err := checkPrediction(ctx, initNet, predictNet, opts); err != nil {
			return fmt.Errorf("checking exported model: %w", err)
		}
	}
	return nil
}

// checkPrediction runs a random image through the exported graphs and checks that the output
// repeats exactly, and sums to one when the graph ends in a softmax.
func checkPrediction(ctx context.Context, initNet, predictNet []byte, opts squeezenet.Options) error {
	log := klog.FromContext(ctx)

	p, err := predictor.New(ctx, initNet, predictNet)
	if err != nil {
		return err
	}
	defer p.Close()

	rng := rand.New(rand.NewPCG(opts.Seed, 0))
	data := make([]float32, squeezenet.Channels*squeezenet.ImageSize*squeezenet.ImageSize)
	for i := range data {
		data[i] = rng.Float32()
	}
	image, err := classify.Normalize(tensor.MustNew([]int{1, squeezenet.Channels, squeezenet.ImageSize, squeezenet.ImageSize}, data), classify.ImageNetMean, classify.ImageNetStd)
	if err != nil {
		return err
	}

	start := time.Now()
	first, err := p.Run(ctx, image)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	second, err := p.Run(ctx, image)
	if err != nil {
		return err
	}
	if !tensor.Equal(first, second) {
		return fmt.Errorf("repeated runs differ")
	}
	if got := first.Shape(); len(got) != 2 || got[0] != 1 || got[1] != opts.Classes {
		return fmt.Errorf("output shape %v, want [1 %d]", got, opts.Classes)
	}
	probabilities := first
	if opts.Softmax {
		var total float64
		for _, v := range first.Data() {
			total += float64(v)
		}
		if math.Abs(total-1) > tensor.DefaultTolerance {
			return fmt.Errorf("output sums to %v, want 1", total)
		}
	} else if probabilities, err = classify.Softmax(first); err != nil {
		return err
	}

	top, err := classify.TopK(probabilities, 5, nil)
	if err != nil {
		return err
	}
	log.Info("Prediction check passed", "elapsed", elapsed, "top", top[0])
	return nil
}
