package modules

import (
	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/processing"
	"github.com/okieraised/go-parta2-head/rcnn"
	"github.com/okieraised/go-parta2-head/sparse"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

// PartA2BboxHead refines RoIs from pooled part and segmentation features.
// It is not safe for concurrent use: forward passes in training mode update
// batch norm statistics.
type PartA2BboxHead struct {
	params   *config.PartA2BboxHeadParams
	convCfg  *config.ConvConfig
	logger   logrus.FieldLogger
	training bool

	backbone *rcnn.Backbone
	sharedFC rcnn.Sequential
	convCls  rcnn.Sequential
	convReg  rcnn.Sequential

	sharedFCInChannels int

	bboxCoder processing.BBoxCoder
	lossCls   ClsLoss
	lossBBox  RegLoss
}

type Option func(*PartA2BboxHead)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *PartA2BboxHead) {
		h.logger = logger
	}
}

// WithConvConfig sets the kernel map strategy used by Forward.
func WithConvConfig(cfg *config.ConvConfig) Option {
	return func(h *PartA2BboxHead) {
		h.convCfg = cfg
	}
}

func NewPartA2BboxHead(params *config.PartA2BboxHeadParams, opts ...Option) (*PartA2BboxHead, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	head := &PartA2BboxHead{
		params:   params,
		convCfg:  config.DefaultConvConfig,
		logger:   logrus.StandardLogger(),
		training: true,
	}
	for _, opt := range opts {
		opt(head)
	}

	var err error
	if head.bboxCoder, err = processing.NewBBoxCoder(params.BBoxCoder); err != nil {
		return nil, err
	}
	if head.lossCls, err = NewClsLoss(params.LossCls); err != nil {
		return nil, err
	}
	if head.lossBBox, err = NewRegLoss(params.LossBBox); err != nil {
		return nil, err
	}

	init := rcnn.NewInitializer(params.Seed)
	if head.backbone, err = rcnn.NewBackbone(params, init); err != nil {
		return nil, errors.Wrap(err, "sparse backbone")
	}

	poolSize := params.PoolSize()
	head.sharedFCInChannels = params.SharedFCChannels[0] * poolSize * poolSize * poolSize
	var trunkOut int
	head.sharedFC, trunkOut = rcnn.NewSharedFC(params.SharedFCChannels, poolSize, params.DropoutRatio, params.FCNorm, init)
	head.convCls = rcnn.NewHead(trunkOut, params.ClsChannels, 1, params.DropoutRatio, params.FCNorm, 0, init)
	head.convReg = rcnn.NewHead(trunkOut, params.RegChannels, head.bboxCoder.CodeSize(), params.DropoutRatio,
		params.FCNorm, params.RegFinalInitStdDev, init)

	head.logger.WithFields(logrus.Fields{
		"action":      "build_head",
		"num_classes": params.NumClasses,
		"code_size":   head.bboxCoder.CodeSize(),
		"fc_in":       head.sharedFCInChannels,
	}).Debug("part a2 bbox head built")
	return head, nil
}

// Train switches batch norm and dropout to training behaviour.
func (h *PartA2BboxHead) Train() {
	h.training = true
}

// Eval switches batch norm to running statistics and disables dropout.
func (h *PartA2BboxHead) Eval() {
	h.training = false
}

func (h *PartA2BboxHead) IsTraining() bool {
	return h.training
}

func (h *PartA2BboxHead) BBoxCoder() processing.BBoxCoder {
	return h.bboxCoder
}

func (h *PartA2BboxHead) Params() *config.PartA2BboxHeadParams {
	return h.params
}

// Forward runs the head on (B, X, Y, Z, C) segmentation and part grids and
// returns the classification logits (B, 1) and box deltas (B, code_size).
func (h *PartA2BboxHead) Forward(segFeats, partFeats *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	return h.ForwardWithConfig(segFeats, partFeats, h.convCfg)
}

func (h *PartA2BboxHead) ForwardWithConfig(segFeats, partFeats *tensor.Dense, convCfg *config.ConvConfig) (*tensor.Dense, *tensor.Dense, error) {
	shape := partFeats.Shape()
	if len(shape) != 5 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "part features must be (B, X, Y, Z, C), got %v", shape)
	}
	roiBatchCount := shape[0]

	part, seg, err := sparse.Voxelize(partFeats, segFeats)
	if err != nil {
		return nil, nil, err
	}
	h.logger.WithFields(logrus.Fields{
		"action":        "forward",
		"rois":          roiBatchCount,
		"active_voxels": part.Len(),
		"spatial_range": part.SpatialRange,
	}).Debug("voxelized roi features")

	x, err := h.backbone.Forward(seg, part, convCfg, h.training)
	if err != nil {
		return nil, nil, err
	}
	shared, err := sparse.Flatten(x, roiBatchCount)
	if err != nil {
		return nil, nil, err
	}
	if width := shared.Shape()[1]; width != h.sharedFCInChannels {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "flattened roi features have %d values, shared fc expects %d",
			width, h.sharedFCInChannels)
	}

	if shared, err = h.sharedFC.Forward(shared, h.training); err != nil {
		return nil, nil, errors.Wrap(err, "shared fc")
	}
	clsScore, err := h.convCls.Forward(shared, h.training)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cls head")
	}
	bboxPred, err := h.convReg.Forward(shared, h.training)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reg head")
	}
	return clsScore, bboxPred, nil
}
