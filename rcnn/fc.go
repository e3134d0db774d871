package rcnn

import (
	"slices"

	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// Layer is one step of a per-RoI fully connected stack. Inputs and outputs
// are (B, C) matrices.
type Layer interface {
	Forward(x *tensor.Dense, training bool) (*tensor.Dense, error)
	OutChannels(in int) int
}

// ConvModule1d is a kernel-size-1 convolution over (B, C, 1) features, i.e.
// a per-RoI linear layer, optionally followed by batch norm and ReLU. Layers
// with a norm carry no bias.
type ConvModule1d struct {
	In  int
	Out int

	// Weight is laid out as (In, Out).
	Weight   *tensor.Dense
	Bias     []float32
	Norm     *BatchNorm
	Activate bool
}

func (m *ConvModule1d) OutChannels(int) int {
	return m.Out
}

func (m *ConvModule1d) Forward(x *tensor.Dense, training bool) (*tensor.Dense, error) {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != m.In {
		return nil, errors.Errorf("conv1d expects (B, %d) input, got %v", m.In, shape)
	}
	b := shape[0]
	if b == 0 {
		return utils.NewF32(nil, 0, m.Out), nil
	}

	prod, err := x.MatMul(m.Weight)
	if err != nil {
		return nil, errors.Wrap(err, "conv1d matmul")
	}
	out, err := utils.Float32Data(prod)
	if err != nil {
		return nil, err
	}
	if m.Bias != nil {
		for i := 0; i < b; i++ {
			vecf32.Add(out[i*m.Out:(i+1)*m.Out], m.Bias)
		}
	}
	if m.Norm != nil {
		if out, err = m.Norm.Forward(out, training); err != nil {
			return nil, err
		}
	}
	if m.Activate {
		ReLU(out)
	}
	return utils.NewF32(out, b, m.Out), nil
}

type dropoutLayer struct {
	dropout *Dropout
}

func (d dropoutLayer) OutChannels(in int) int {
	return in
}

func (d dropoutLayer) Forward(x *tensor.Dense, training bool) (*tensor.Dense, error) {
	data, err := utils.Float32Data(x)
	if err != nil {
		return nil, err
	}
	return utils.NewF32(d.dropout.Forward(data, training), x.Shape()...), nil
}

type Sequential []Layer

func (s Sequential) Forward(x *tensor.Dense, training bool) (*tensor.Dense, error) {
	var err error
	for i, layer := range s {
		if x, err = layer.Forward(x, training); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
	}
	return x, nil
}

func (s Sequential) OutChannels(in int) int {
	for _, layer := range s {
		in = layer.OutChannels(in)
	}
	return in
}

// newConvBlock builds a hidden layer: Xavier-uniform weight, no bias, BN and
// ReLU.
func newConvBlock(in, out int, norm config.NormParams, init *Initializer) *ConvModule1d {
	return &ConvModule1d{
		In:       in,
		Out:      out,
		Weight:   utils.NewF32(init.XavierUniform(in, out, in*out), in, out),
		Norm:     NewBatchNorm(out, norm),
		Activate: true,
	}
}

// NewSharedFC builds the shared trunk. Its input width is
// channels[0] * poolSize^3; every later entry adds a block, with dropout
// after all blocks but the last when ratio > 0.
func NewSharedFC(channels []int, poolSize int, dropoutRatio float32, norm config.NormParams, init *Initializer) (Sequential, int) {
	var layers Sequential
	pre := channels[0] * poolSize * poolSize * poolSize
	for k := 1; k < len(channels); k++ {
		layers = append(layers, newConvBlock(pre, channels[k], norm, init))
		pre = channels[k]
		if k != len(channels)-1 && dropoutRatio > 0 {
			layers = append(layers, dropoutLayer{NewDropout(dropoutRatio, init.Seed())})
		}
	}
	return layers, pre
}

// NewHead builds a prediction branch: one block per hidden channel, then a
// biased linear layer with outChannels outputs and no activation. A
// dropout lands at list position 1 whenever ratio >= 0. finalStd > 0 draws
// the final weight from N(0, finalStd) instead of Xavier uniform.
func NewHead(in int, hidden []int, outChannels int, dropoutRatio float32, norm config.NormParams, finalStd float64, init *Initializer) Sequential {
	var layers Sequential
	pre := in
	for _, ch := range hidden {
		layers = append(layers, newConvBlock(pre, ch, norm, init))
		pre = ch
	}

	var weight []float32
	if finalStd > 0 {
		weight = init.Normal(0, finalStd, pre*outChannels)
	} else {
		weight = init.XavierUniform(pre, outChannels, pre*outChannels)
	}
	layers = append(layers, &ConvModule1d{
		In:     pre,
		Out:    outChannels,
		Weight: utils.NewF32(weight, pre, outChannels),
		Bias:   make([]float32, outChannels),
	})

	if dropoutRatio >= 0 {
		layers = slices.Insert(layers, 1, Layer(dropoutLayer{NewDropout(dropoutRatio, init.Seed())}))
	}
	return layers
}
