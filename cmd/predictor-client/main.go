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
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	api "k8s.io/examples/AI/predictor/api/v1alpha1"
	"k8s.io/examples/AI/predictor/pkg/classify"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	serverAddr := "127.0.0.1:9876"
	inputPath := ""
	shapeFlag := "1,3,224,224"
	labelsPath := ""
	top := 5
	seed := uint64(1)
	normalize := false
	softmax := false
	timeout := 30 * time.Second

	flag.StringVar(&serverAddr, "server", serverAddr, "predictor-server gRPC address")
	flag.StringVar(&inputPath, "input", inputPath, "raw little-endian float32 input; random when empty")
	flag.StringVar(&shapeFlag, "shape", shapeFlag, "input shape, comma separated")
	flag.StringVar(&labelsPath, "labels", labelsPath, "file of class labels, one per line")
	flag.IntVar(&top, "top", top, "classes to print per sample")
	flag.Uint64Var(&seed, "seed", seed, "seed for the random input")
	flag.BoolVar(&normalize, "normalize", normalize, "apply ImageNet mean/std normalization to an NCHW input in [0, 1]")
	flag.BoolVar(&softmax, "softmax", softmax, "convert output scores to probabilities before ranking")
	flag.DurationVar(&timeout, "timeout", timeout, "request timeout")
	klog.InitFlags(nil)
	flag.Parse()
	if top < 0 {
		return fmt.Errorf("-top must not be negative, got %d", top)
	}

	log := klog.FromContext(ctx)

	shape, err := parseShape(shapeFlag)
	if err != nil {
		return err
	}
	x, err := loadInput(inputPath, shape, seed)
	if err != nil {
		return err
	}
	if normalize {
		if x, err = classify.Normalize(x, classify.ImageNetMean, classify.ImageNetStd); err != nil {
			return err
		}
	}
	var labels []string
	if labelsPath != "" {
		f, err := os.Open(labelsPath)
		if err != nil {
			return fmt.Errorf("opening labels: %w", err)
		}
		labels, err = classify.LoadLabels(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", serverAddr, err)
	}
	defer conn.Close()
	client := api.NewPredictorClient(conn)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := client.GetModelInfo(ctx, &api.ModelInfoRequest{})
	if err != nil {
		return fmt.Errorf("getting model info: %w", err)
	}
	log.Info("Connected", "server", serverAddr, "model", info.Name, "inputs", info.Inputs, "outputs", info.Outputs)

	start := time.Now()
	response, err := client.Predict(ctx, &api.PredictRequest{
		Inputs: []*api.TensorProto{tensor.ToProto("", x, tensor.EncodingRaw)},
	})
	if err != nil {
		return fmt.Errorf("predicting: %w", err)
	}
	log.Info("Predicted", "elapsed", time.Since(start))

	for _, p := range response.GetOutputs() {
		scores, _, err := tensor.FromProto(p)
		if err != nil {
			return fmt.Errorf("decoding output %q: %w", p.Name, err)
		}
		if softmax {
			if scores, err = classify.Softmax(scores); err != nil {
				return fmt.Errorf("output %q: %w", p.Name, err)
			}
		}
		rows, err := classify.TopK(scores, top, labelsFor(labels, scores))
		if err != nil {
			return err
		}
		for i, row := range rows {
			fmt.Printf("%s[%d]:\n", p.Name, i)
			for rank, prediction := range row {
				fmt.Printf("  %d. %v\n", rank+1, prediction)
			}
		}
	}
	return nil
}

// labelsFor drops labels that do not fit the output, so raw tensors still print.
func labelsFor(labels []string, scores *tensor.Tensor) []string {
	if scores.Rank() == 0 || scores.Dim(0) == 0 || len(labels) != scores.Size()/scores.Dim(0) {
		return nil
	}
	return labels
}

func parseShape(s string) ([]int, error) {
	var shape []int
	for _, field := range strings.Split(s, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid dimension %q in shape %q", field, s)
		}
		shape = append(shape, d)
	}
	return shape, nil
}

func loadInput(p string, shape []int, seed uint64) (*tensor.Tensor, error) {
	if p == "" {
		rng := rand.New(rand.NewPCG(seed, seed))
		data := make([]float32, tensor.NumberOfElements(shape...))
		for i := range data {
			data[i] = rng.Float32()
		}
		return tensor.New(shape, data)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return tensor.FromBytes(shape, b)
}
