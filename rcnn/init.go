package rcnn

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer draws layer weights from one seeded source, so two heads built
// with the same seed start from identical weights.
type Initializer struct {
	src rand.Source
}

func NewInitializer(seed uint64) *Initializer {
	return &Initializer{src: rand.NewSource(seed)}
}

func (i *Initializer) sample(n int, dist interface{ Rand() float64 }) []float32 {
	out := make([]float32, n)
	for k := range out {
		out[k] = float32(dist.Rand())
	}
	return out
}

// XavierUniform samples U(-a, a) with a = sqrt(6 / (fanIn + fanOut)).
func (i *Initializer) XavierUniform(fanIn, fanOut, n int) []float32 {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return i.sample(n, distuv.Uniform{Min: -bound, Max: bound, Src: i.src})
}

func (i *Initializer) Normal(mean, std float64, n int) []float32 {
	return i.sample(n, distuv.Normal{Mu: mean, Sigma: std, Src: i.src})
}

// SparseConvUniform samples U(-a, a) with a = 1 / sqrt(inChannels * 27), the
// default for 3x3x3 sparse kernels.
func (i *Initializer) SparseConvUniform(inChannels, outChannels int) []float32 {
	bound := 1 / math.Sqrt(float64(inChannels*27))
	return i.sample(27*inChannels*outChannels, distuv.Uniform{Min: -bound, Max: bound, Src: i.src})
}

// Seed derives a child seed, used to give dropout layers their own stream.
func (i *Initializer) Seed() uint64 {
	return i.src.Uint64()
}
