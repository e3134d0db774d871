package rcnn

import (
	"github.com/chewxy/math32"
	"github.com/okieraised/go-parta2-head/config"
	"github.com/pkg/errors"
	"gorgonia.org/vecf32"
)

// BatchNorm normalises rows of a (N, C) feature matrix per channel. In
// training it uses the batch statistics and updates the running ones with
// running = (1 - momentum) * running + momentum * batch; in evaluation it
// uses the running statistics only.
type BatchNorm struct {
	Channels    int
	Eps         float32
	Momentum    float32
	Gamma       []float32
	Beta        []float32
	RunningMean []float32
	RunningVar  []float32
}

func NewBatchNorm(channels int, params config.NormParams) *BatchNorm {
	gamma := make([]float32, channels)
	runningVar := make([]float32, channels)
	for i := range gamma {
		gamma[i] = 1
		runningVar[i] = 1
	}
	return &BatchNorm{
		Channels:    channels,
		Eps:         params.Eps,
		Momentum:    params.Momentum,
		Gamma:       gamma,
		Beta:        make([]float32, channels),
		RunningMean: make([]float32, channels),
		RunningVar:  runningVar,
	}
}

// Forward returns a normalised copy of x.
func (bn *BatchNorm) Forward(x []float32, training bool) ([]float32, error) {
	c := bn.Channels
	if len(x)%c != 0 {
		return nil, errors.Errorf("batch norm over %d channels got %d values", c, len(x))
	}
	n := len(x) / c
	out := make([]float32, len(x))
	copy(out, x)
	if n == 0 {
		return out, nil
	}

	mean, variance := bn.RunningMean, bn.RunningVar
	if training {
		mean, variance = bn.batchStats(x, n)
		unbiased := make([]float32, c)
		copy(unbiased, variance)
		if n > 1 {
			vecf32.Scale(unbiased, float32(n)/float32(n-1))
		}
		bn.update(bn.RunningMean, mean)
		bn.update(bn.RunningVar, unbiased)
	}

	scale := make([]float32, c)
	for k := range scale {
		scale[k] = bn.Gamma[k] / math32.Sqrt(variance[k]+bn.Eps)
	}
	for i := 0; i < n; i++ {
		row := out[i*c : (i+1)*c]
		vecf32.Sub(row, mean)
		vecf32.Mul(row, scale)
		vecf32.Add(row, bn.Beta)
	}
	return out, nil
}

func (bn *BatchNorm) batchStats(x []float32, n int) ([]float32, []float32) {
	c := bn.Channels
	mean := make([]float32, c)
	for i := 0; i < n; i++ {
		vecf32.Add(mean, x[i*c:(i+1)*c])
	}
	vecf32.Scale(mean, 1/float32(n))

	variance := make([]float32, c)
	diff := make([]float32, c)
	for i := 0; i < n; i++ {
		copy(diff, x[i*c:(i+1)*c])
		vecf32.Sub(diff, mean)
		vecf32.Mul(diff, diff)
		vecf32.Add(variance, diff)
	}
	vecf32.Scale(variance, 1/float32(n))
	return mean, variance
}

func (bn *BatchNorm) update(running, batch []float32) {
	for k := range running {
		running[k] = (1-bn.Momentum)*running[k] + bn.Momentum*batch[k]
	}
}

// ReLU clamps x at zero in place.
func ReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}
