package rcnn

import (
	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/sparse"
	"github.com/pkg/errors"
)

// SparseConvBlock is a 3x3x3 submanifold convolution followed by batch norm
// over the active voxels and ReLU.
type SparseConvBlock struct {
	Conv *sparse.SubmanifoldConv3d
	Norm *BatchNorm
}

func NewSparseConvBlock(in, out int, norm config.NormParams, init *Initializer) (*SparseConvBlock, error) {
	conv, err := sparse.NewSubmanifoldConv3d(in, out, init.SparseConvUniform(in, out))
	if err != nil {
		return nil, err
	}
	return &SparseConvBlock{
		Conv: conv,
		Norm: NewBatchNorm(out, norm),
	}, nil
}

func (b *SparseConvBlock) Forward(x *sparse.Tensor, cfg *config.ConvConfig, training bool) (*sparse.Tensor, error) {
	out, err := b.Conv.Forward(x, cfg)
	if err != nil {
		return nil, err
	}
	if out.Features, err = b.Norm.Forward(out.Features, training); err != nil {
		return nil, err
	}
	ReLU(out.Features)
	return out, nil
}

type SparseSequential []*SparseConvBlock

// NewSparseStack chains one block per entry of channels starting from in
// channels and returns the stack with its output width.
func NewSparseStack(in int, channels []int, norm config.NormParams, init *Initializer) (SparseSequential, int, error) {
	stack := make(SparseSequential, 0, len(channels))
	for i, ch := range channels {
		block, err := NewSparseConvBlock(in, ch, norm, init)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "block %d", i)
		}
		stack = append(stack, block)
		in = ch
	}
	return stack, in, nil
}

func (s SparseSequential) Forward(x *sparse.Tensor, cfg *config.ConvConfig, training bool) (*sparse.Tensor, error) {
	var err error
	for i, block := range s {
		if x, err = block.Forward(x, cfg, training); err != nil {
			return nil, errors.Wrapf(err, "block %d", i)
		}
	}
	return x, nil
}
