package classify

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/predictor/pkg/tensor"
)

func TestTopK(t *testing.T) {
	scores := tensor.MustNew([]int{2, 4}, []float32{
		0.1, 0.5, 0.2, 0.5,
		0.7, 0.1, 0.1, 0.1,
	})
	labels := []string{"cat", "dog", "fox", "owl"}

	top, err := TopK(scores, 3, labels)
	require.NoError(t, err)
	require.Len(t, top, 2)
	// Ties keep the lower class first.
	require.Equal(t, []Prediction{
		{Class: 1, Label: "dog", Score: 0.5},
		{Class: 3, Label: "owl", Score: 0.5},
		{Class: 2, Label: "fox", Score: 0.2},
	}, top[0])
	require.Equal(t, 0, top[1][0].Class)
	require.Equal(t, "cat (0.7000)", top[1][0].String())

	top, err = TopK(scores, 10, nil)
	require.NoError(t, err)
	require.Len(t, top[0], 4)
	require.Equal(t, "1 (0.5000)", top[0][0].String())

	_, err = TopK(scores, 1, labels[:3])
	require.Error(t, err)

	top, err = TopK(scores, 0, nil)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Empty(t, top[0])

	_, err = TopK(scores, -1, nil)
	require.Error(t, err)
}

func TestSoftmax(t *testing.T) {
	out, err := Softmax(tensor.MustNew([]int{1, 2}, []float32{0, float32(math.Log(4))}))
	require.NoError(t, err)
	require.InDelta(t, 0.2, out.Data()[0], 1e-6)
	require.InDelta(t, 0.8, out.Data()[1], 1e-6)

	_, err = Softmax(tensor.MustNew(nil, []float32{1}))
	require.Error(t, err)
}

func TestLoadLabels(t *testing.T) {
	labels, err := LoadLabels(strings.NewReader("tench\n\n goldfish \nshark\n\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"tench", "", "goldfish", "shark"}, labels)
}

func TestNormalize(t *testing.T) {
	image := tensor.MustNew([]int{1, 3, 1, 2}, []float32{0.485, 1, 0.456, 0, 0.406, 0.5})
	out, err := Normalize(image, ImageNetMean, ImageNetStd)
	require.NoError(t, err)
	want := tensor.MustNew([]int{1, 3, 1, 2}, []float32{
		0, (1 - 0.485) / 0.229,
		0, -0.456 / 0.224,
		0, (0.5 - 0.406) / 0.225,
	})
	require.True(t, tensor.AllClose(want, out, 1e-6, 1e-6))

	_, err = Normalize(tensor.Zeros(1, 1, 2, 2), ImageNetMean, ImageNetStd)
	var mismatch *tensor.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
}
