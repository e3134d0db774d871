package sparse

import (
	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// SubmanifoldConv3d is a 3x3x3, stride 1, padding 1 sparse convolution
// without bias. Outputs are produced on the input coordinates only, so the
// occupancy pattern and the spatial range are preserved.
type SubmanifoldConv3d struct {
	InChannels  int
	OutChannels int
	// Weight is laid out as (27, InChannels, OutChannels).
	Weight *tensor.Dense
}

func NewSubmanifoldConv3d(inChannels, outChannels int, weight []float32) (*SubmanifoldConv3d, error) {
	if inChannels <= 0 || outChannels <= 0 {
		return nil, errors.Wrapf(ErrInvalidTensor, "conv channels must be positive, got %d -> %d", inChannels, outChannels)
	}
	if len(weight) != kernelVolume*inChannels*outChannels {
		return nil, errors.Wrapf(ErrInvalidTensor, "conv weight has %d values, expected %d",
			len(weight), kernelVolume*inChannels*outChannels)
	}
	return &SubmanifoldConv3d{
		InChannels:  inChannels,
		OutChannels: outChannels,
		Weight:      utils.NewF32(weight, kernelVolume, inChannels, outChannels),
	}, nil
}

// tap returns the (InChannels, OutChannels) weight slice of kernel tap k.
func (c *SubmanifoldConv3d) tap(k int) []float32 {
	size := c.InChannels * c.OutChannels
	return c.Weight.Float32s()[k*size : (k+1)*size]
}

func (c *SubmanifoldConv3d) Forward(x *Tensor, cfg *config.ConvConfig) (*Tensor, error) {
	if x.Channels != c.InChannels {
		return nil, errors.Wrapf(ErrInvalidTensor, "conv expects %d input channels, got %d", c.InChannels, x.Channels)
	}
	if cfg == nil {
		cfg = config.DefaultConvConfig
	}

	out := &Tensor{
		Features:     make([]float32, x.Len()*c.OutChannels),
		Channels:     c.OutChannels,
		Coords:       copyCoords(x.Coords),
		SpatialRange: x.SpatialRange,
	}
	if x.Len() == 0 {
		return out, nil
	}

	var err error
	switch cfg.KernelMapMode {
	case config.KernelMapHashmap:
		err = c.forwardKernelMap(x, out)
	case config.KernelMapHashmapOnTheFly:
		c.forwardOnTheFly(x, out)
	default:
		err = errors.Errorf("unknown kernel map mode %d", cfg.KernelMapMode)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// forwardKernelMap gathers the input rows of every tap into one matrix and
// multiplies it with the tap weight.
func (c *SubmanifoldConv3d) forwardKernelMap(x, out *Tensor) error {
	km := BuildKernelMap(x.Coords)
	for k, pairs := range km.Pairs {
		if len(pairs) == 0 {
			continue
		}
		gathered := make([]float32, 0, len(pairs)*c.InChannels)
		for _, p := range pairs {
			gathered = append(gathered, x.Row(p.In)...)
		}
		in := utils.NewF32(gathered, len(pairs), c.InChannels)
		w := utils.NewF32(c.tap(k), c.InChannels, c.OutChannels)
		prod, err := in.MatMul(w)
		if err != nil {
			return errors.Wrapf(err, "kernel tap %d", k)
		}
		rows := prod.Float32s()
		for i, p := range pairs {
			vecf32.Add(out.Row(p.Out), rows[i*c.OutChannels:(i+1)*c.OutChannels])
		}
	}
	return nil
}

// forwardOnTheFly looks neighbours up while accumulating each output row.
func (c *SubmanifoldConv3d) forwardOnTheFly(x, out *Tensor) {
	index := newCoordIndex(x.Coords)
	for o, coord := range x.Coords {
		acc := out.Row(o)
		for k := 0; k < kernelVolume; k++ {
			in, ok := index.neighbour(coord, k)
			if !ok {
				continue
			}
			w := c.tap(k)
			for ci, v := range x.Row(in) {
				if v == 0 {
					continue
				}
				vecf32.IncrScale(w[ci*c.OutChannels:(ci+1)*c.OutChannels], v, acc)
			}
		}
	}
}
