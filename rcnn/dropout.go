package rcnn

import (
	"golang.org/x/exp/rand"
	"gorgonia.org/vecf32"
)

// Dropout zeroes each value with probability Ratio during training and
// rescales the survivors by 1 / (1 - Ratio). Evaluation is the identity.
type Dropout struct {
	Ratio float32
	rng   *rand.Rand
}

func NewDropout(ratio float32, seed uint64) *Dropout {
	return &Dropout{
		Ratio: ratio,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (d *Dropout) Forward(x []float32, training bool) []float32 {
	out := make([]float32, len(x))
	copy(out, x)
	if !training || d.Ratio <= 0 {
		return out
	}
	for i := range out {
		if d.rng.Float32() < d.Ratio {
			out[i] = 0
		}
	}
	vecf32.Scale(out, 1/(1-d.Ratio))
	return out
}
