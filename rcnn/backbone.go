package rcnn

import (
	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/sparse"
	"github.com/pkg/errors"
)

// Backbone is the dual-branch sparse network of the refinement head. The
// part and segmentation branches run independently on one coordinate list,
// their outputs are concatenated (segmentation channels first), merged,
// max-pooled to half resolution and refined by the down stack.
type Backbone struct {
	PartConv  SparseSequential
	SegConv   SparseSequential
	MergeConv SparseSequential
	DownConv  SparseSequential

	OutChannels int
}

func NewBackbone(params *config.PartA2BboxHeadParams, init *Initializer) (*Backbone, error) {
	norm := params.SparseNorm
	partConv, partOut, err := NewSparseStack(params.PartInChannels, params.PartConvChannels, norm, init)
	if err != nil {
		return nil, errors.Wrap(err, "part conv")
	}
	segConv, segOut, err := NewSparseStack(params.SegInChannels, params.SegConvChannels, norm, init)
	if err != nil {
		return nil, errors.Wrap(err, "seg conv")
	}
	mergeConv, mergeOut, err := NewSparseStack(partOut+segOut, params.MergeConvChannels, norm, init)
	if err != nil {
		return nil, errors.Wrap(err, "merge conv")
	}
	downConv, downOut, err := NewSparseStack(mergeOut, params.DownConvChannels, norm, init)
	if err != nil {
		return nil, errors.Wrap(err, "down conv")
	}
	return &Backbone{
		PartConv:    partConv,
		SegConv:     segConv,
		MergeConv:   mergeConv,
		DownConv:    downConv,
		OutChannels: downOut,
	}, nil
}

func (b *Backbone) Forward(seg, part *sparse.Tensor, cfg *config.ConvConfig, training bool) (*sparse.Tensor, error) {
	xPart, err := b.PartConv.Forward(part, cfg, training)
	if err != nil {
		return nil, errors.Wrap(err, "part conv")
	}
	xSeg, err := b.SegConv.Forward(seg, cfg, training)
	if err != nil {
		return nil, errors.Wrap(err, "seg conv")
	}

	merged, err := sparse.ConcatChannels(xSeg, xPart)
	if err != nil {
		return nil, errors.Wrap(err, "merge branches")
	}
	x, err := b.MergeConv.Forward(merged, cfg, training)
	if err != nil {
		return nil, errors.Wrap(err, "merge conv")
	}
	if x, err = sparse.MaxPool2x2x2(x); err != nil {
		return nil, err
	}
	if x, err = b.DownConv.Forward(x, cfg, training); err != nil {
		return nil, errors.Wrap(err, "down conv")
	}
	return x, nil
}
