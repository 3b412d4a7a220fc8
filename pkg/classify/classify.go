// Package classify turns classifier outputs into ranked labels and prepares image tensors.
package classify

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"k8s.io/examples/AI/predictor/pkg/engine/fallback"
	"k8s.io/examples/AI/predictor/pkg/tensor"
)

// ImageNet channel statistics for inputs scaled to [0, 1].
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

type Prediction struct {
	Class int
	Label string
	Score float32
}

func (p Prediction) String() string {
	if p.Label == "" {
		return fmt.Sprintf("%d (%.4f)", p.Class, p.Score)
	}
	return fmt.Sprintf("%s (%.4f)", p.Label, p.Score)
}

// rows views scores as [batch, classes], flattening trailing dimensions.
func rows(scores *tensor.Tensor) (int, int, error) {
	if scores.Rank() < 1 {
		return 0, 0, fmt.Errorf("scores must have a batch dimension, got shape %v", scores.Shape())
	}
	batch := scores.Dim(0)
	if batch == 0 {
		return 0, 0, nil
	}
	return batch, scores.Size() / batch, nil
}

// Softmax normalizes each batch row of scores into probabilities.
func Softmax(scores *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, err := rows(scores)
	if err != nil {
		return nil, err
	}
	out := tensor.Zeros(scores.Shape()...)
	for r := 0; r < batch; r++ {
		fallback.SoftmaxRow(out.Data()[r*classes:][:classes], scores.Data()[r*classes:][:classes])
	}
	return out, nil
}

// TopK returns the k best classes of every batch row, best first. Ties keep the lower class
// index first. labels may be nil. k beyond the number of classes returns every class.
func TopK(scores *tensor.Tensor, k int, labels []string) ([][]Prediction, error) {
	if k < 0 {
		return nil, fmt.Errorf("top-k with negative k %d", k)
	}
	batch, classes, err := rows(scores)
	if err != nil {
		return nil, err
	}
	if labels != nil && len(labels) != classes {
		return nil, fmt.Errorf("have %d labels for %d classes", len(labels), classes)
	}
	k = min(k, classes)
	results := make([][]Prediction, batch)
	for r := range results {
		row := scores.Data()[r*classes:][:classes]
		order := make([]int, classes)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return row[order[a]] > row[order[b]]
		})
		top := make([]Prediction, k)
		for i := range top {
			c := order[i]
			top[i] = Prediction{Class: c, Score: row[c]}
			if labels != nil {
				top[i].Label = labels[c]
			}
		}
		results[r] = top
	}
	return results, nil
}

// LoadLabels reads one label per line. Blank lines are kept so that line numbers stay class ids.
func LoadLabels(r io.Reader) ([]string, error) {
	var labels []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading labels: %w", err)
	}
	// A trailing newline is not an extra class.
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	return labels, nil
}

// Normalize standardizes an NCHW image with values in [0, 1] using per-channel mean and std.
func Normalize(image *tensor.Tensor, mean, std [3]float32) (*tensor.Tensor, error) {
	if image.Rank() != 4 || image.Dim(1) != 3 {
		return nil, tensor.ShapeMismatch("", image.Shape(), "want an NCHW image with 3 channels")
	}
	out := tensor.Zeros(image.Shape()...)
	plane := image.Dim(2) * image.Dim(3)
	src, dst := image.Data(), out.Data()
	for i := range src {
		c := (i / plane) % 3
		dst[i] = (src[i] - mean[c]) / std[c]
	}
	return out, nil
}
