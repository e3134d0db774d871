package config

import (
	"github.com/pkg/errors"
)

var ErrInvalidParams = errors.New("invalid params")

type KernelMapMode int

const (
	KernelMapHashmap KernelMapMode = iota
	KernelMapHashmapOnTheFly
)

var KernelMapModeMapper = map[KernelMapMode]string{
	KernelMapHashmap:         "hashmap",
	KernelMapHashmapOnTheFly: "hashmap_on_the_fly",
}

type CoderKind int

const (
	CoderDeltaXYZWLHR CoderKind = iota
)

var CoderKindMapper = map[CoderKind]string{
	CoderDeltaXYZWLHR: "DeltaXYZWLHRBBoxCoder",
}

type ClsLossKind int

const (
	ClsLossSigmoidCrossEntropy ClsLossKind = iota
)

var ClsLossKindMapper = map[ClsLossKind]string{
	ClsLossSigmoidCrossEntropy: "CrossEntropyLoss",
}

type RegLossKind int

const (
	RegLossSmoothL1 RegLossKind = iota
	RegLossL1
)

var RegLossKindMapper = map[RegLossKind]string{
	RegLossSmoothL1: "SmoothL1Loss",
	RegLossL1:       "L1Loss",
}

// ConvConfig selects how the sparse convolution builds its kernel map. It is
// passed to every forward call and never cached between calls.
type ConvConfig struct {
	KernelMapMode KernelMapMode `json:"kernel_map_mode" yaml:"kernel_map_mode"`
}

var DefaultConvConfig = &ConvConfig{
	KernelMapMode: KernelMapHashmap,
}

func NewConvConfig(mode KernelMapMode) *ConvConfig {
	return &ConvConfig{
		KernelMapMode: mode,
	}
}

type BBoxCoderParams struct {
	Kind     CoderKind `json:"kind" yaml:"kind"`
	CodeSize int       `json:"code_size" yaml:"code_size"`
}

type ClsLossParams struct {
	Kind       ClsLossKind `json:"kind" yaml:"kind"`
	LossWeight float32     `json:"loss_weight" yaml:"loss_weight"`
}

type RegLossParams struct {
	Kind       RegLossKind `json:"kind" yaml:"kind"`
	Beta       float32     `json:"beta" yaml:"beta"`
	LossWeight float32     `json:"loss_weight" yaml:"loss_weight"`
}

type NormParams struct {
	Eps      float32 `json:"eps" yaml:"eps"`
	Momentum float32 `json:"momentum" yaml:"momentum"`
}

type PartA2BboxHeadParams struct {
	NumClasses         int             `json:"num_classes" yaml:"num_classes"`
	SegInChannels      int             `json:"seg_in_channels" yaml:"seg_in_channels"`
	PartInChannels     int             `json:"part_in_channels" yaml:"part_in_channels"`
	SegConvChannels    []int           `json:"seg_conv_channels" yaml:"seg_conv_channels"`
	PartConvChannels   []int           `json:"part_conv_channels" yaml:"part_conv_channels"`
	MergeConvChannels  []int           `json:"merge_conv_channels" yaml:"merge_conv_channels"`
	DownConvChannels   []int           `json:"down_conv_channels" yaml:"down_conv_channels"`
	SharedFCChannels   []int           `json:"shared_fc_channels" yaml:"shared_fc_channels"`
	ClsChannels        []int           `json:"cls_channels" yaml:"cls_channels"`
	RegChannels        []int           `json:"reg_channels" yaml:"reg_channels"`
	DropoutRatio       float32         `json:"dropout_ratio" yaml:"dropout_ratio"`
	RoIFeatSize        int             `json:"roi_feat_size" yaml:"roi_feat_size"`
	WithCornerLoss     bool            `json:"with_corner_loss" yaml:"with_corner_loss"`
	BBoxCoder          BBoxCoderParams `json:"bbox_coder" yaml:"bbox_coder"`
	SparseNorm         NormParams      `json:"sparse_norm" yaml:"sparse_norm"`
	FCNorm             NormParams      `json:"fc_norm" yaml:"fc_norm"`
	LossCls            ClsLossParams   `json:"loss_cls" yaml:"loss_cls"`
	LossBBox           RegLossParams   `json:"loss_bbox" yaml:"loss_bbox"`
	CornerLossDelta    float32         `json:"corner_loss_delta" yaml:"corner_loss_delta"`
	Seed               uint64          `json:"seed" yaml:"seed"`
	RegFinalInitStdDev float64         `json:"reg_final_init_std" yaml:"reg_final_init_std"`
}

var DefaultPartA2BboxHeadParams = &PartA2BboxHeadParams{
	NumClasses:         3,
	SegInChannels:      16,
	PartInChannels:     4,
	SegConvChannels:    []int{64, 64},
	PartConvChannels:   []int{64, 64},
	MergeConvChannels:  []int{128, 128},
	DownConvChannels:   []int{128, 256},
	SharedFCChannels:   []int{256, 512, 512, 512},
	ClsChannels:        []int{256, 256},
	RegChannels:        []int{256, 256},
	DropoutRatio:       0.1,
	RoIFeatSize:        14,
	WithCornerLoss:     true,
	BBoxCoder:          BBoxCoderParams{Kind: CoderDeltaXYZWLHR, CodeSize: 7},
	SparseNorm:         NormParams{Eps: 1e-3, Momentum: 0.01},
	FCNorm:             NormParams{Eps: 1e-3, Momentum: 0.01},
	LossCls:            ClsLossParams{Kind: ClsLossSigmoidCrossEntropy, LossWeight: 1.0},
	LossBBox:           RegLossParams{Kind: RegLossSmoothL1, Beta: 1.0 / 9.0, LossWeight: 2.0},
	CornerLossDelta:    1.0,
	Seed:               0,
	RegFinalInitStdDev: 0.001,
}

func NewPartA2BboxHeadParams(numClasses, segInChannels, partInChannels int, segConv, partConv, mergeConv, downConv, sharedFC, cls, reg []int, dropoutRatio float32, roiFeatSize int, withCornerLoss bool) *PartA2BboxHeadParams {
	params := *DefaultPartA2BboxHeadParams
	params.NumClasses = numClasses
	params.SegInChannels = segInChannels
	params.PartInChannels = partInChannels
	params.SegConvChannels = segConv
	params.PartConvChannels = partConv
	params.MergeConvChannels = mergeConv
	params.DownConvChannels = downConv
	params.SharedFCChannels = sharedFC
	params.ClsChannels = cls
	params.RegChannels = reg
	params.DropoutRatio = dropoutRatio
	params.RoIFeatSize = roiFeatSize
	params.WithCornerLoss = withCornerLoss
	return &params
}

// PoolSize is the edge of the pooled RoI volume fed to the shared FC trunk.
func (p *PartA2BboxHeadParams) PoolSize() int {
	return p.RoIFeatSize / 2
}

func (p *PartA2BboxHeadParams) Validate() error {
	if p.NumClasses <= 0 {
		return errors.Wrapf(ErrInvalidParams, "num_classes must be positive, got %d", p.NumClasses)
	}
	if p.SegInChannels <= 0 || p.PartInChannels <= 0 {
		return errors.Wrapf(ErrInvalidParams, "input channels must be positive, got seg=%d part=%d", p.SegInChannels, p.PartInChannels)
	}
	if p.RoIFeatSize < 2 {
		return errors.Wrapf(ErrInvalidParams, "roi_feat_size must be at least 2, got %d", p.RoIFeatSize)
	}
	if len(p.SharedFCChannels) == 0 {
		return errors.Wrap(ErrInvalidParams, "shared_fc_channels must not be empty")
	}
	lastDown := p.lastDownChannel()
	if lastDown != p.SharedFCChannels[0] {
		return errors.Wrapf(ErrInvalidParams, "last down conv channel %d must equal first shared fc channel %d", lastDown, p.SharedFCChannels[0])
	}
	if p.BBoxCoder.CodeSize < 7 {
		return errors.Wrapf(ErrInvalidParams, "code_size must be at least 7, got %d", p.BBoxCoder.CodeSize)
	}
	if _, ok := CoderKindMapper[p.BBoxCoder.Kind]; !ok {
		return errors.Wrapf(ErrInvalidParams, "unknown bbox coder kind %d", p.BBoxCoder.Kind)
	}
	if _, ok := ClsLossKindMapper[p.LossCls.Kind]; !ok {
		return errors.Wrapf(ErrInvalidParams, "unknown cls loss kind %d", p.LossCls.Kind)
	}
	if _, ok := RegLossKindMapper[p.LossBBox.Kind]; !ok {
		return errors.Wrapf(ErrInvalidParams, "unknown bbox loss kind %d", p.LossBBox.Kind)
	}
	if p.DropoutRatio >= 1 {
		return errors.Wrapf(ErrInvalidParams, "dropout_ratio must be below 1, got %f", p.DropoutRatio)
	}
	return nil
}

// lastDownChannel follows the channel schedule through part/seg, merge and
// down stacks, each of which may be empty.
func (p *PartA2BboxHeadParams) lastDownChannel() int {
	last := lastOr(p.PartConvChannels, p.PartInChannels) + lastOr(p.SegConvChannels, p.SegInChannels)
	last = lastOr(p.MergeConvChannels, last)
	return lastOr(p.DownConvChannels, last)
}

func lastOr(channels []int, fallback int) int {
	if len(channels) == 0 {
		return fallback
	}
	return channels[len(channels)-1]
}

type TrainParams struct {
	ClsPosThr float32 `json:"cls_pos_thr" yaml:"cls_pos_thr"`
	ClsNegThr float32 `json:"cls_neg_thr" yaml:"cls_neg_thr"`
}

var DefaultTrainParams = &TrainParams{
	ClsPosThr: 0.75,
	ClsNegThr: 0.25,
}

func NewTrainParams(clsPosThr, clsNegThr float32) *TrainParams {
	return &TrainParams{
		ClsPosThr: clsPosThr,
		ClsNegThr: clsNegThr,
	}
}

func (p *TrainParams) Validate() error {
	if p.ClsNegThr > p.ClsPosThr {
		return errors.Wrapf(ErrInvalidParams, "cls_neg_thr %f above cls_pos_thr %f", p.ClsNegThr, p.ClsPosThr)
	}
	return nil
}

// Thresholds holds either a single value broadcast to every class or one
// value per class.
type Thresholds []float32

func (t Thresholds) PerClass(numClasses int) ([]float32, error) {
	switch len(t) {
	case 1:
		out := make([]float32, numClasses)
		for i := range out {
			out[i] = t[0]
		}
		return out, nil
	case numClasses:
		out := make([]float32, numClasses)
		copy(out, t)
		return out, nil
	default:
		return nil, errors.Wrapf(ErrInvalidParams, "expected 1 or %d thresholds, got %d", numClasses, len(t))
	}
}

type TestParams struct {
	ScoreThr     Thresholds `json:"score_thr" yaml:"score_thr"`
	NMSThr       Thresholds `json:"nms_thr" yaml:"nms_thr"`
	UseRotateNMS bool       `json:"use_rotate_nms" yaml:"use_rotate_nms"`
	Workers      int        `json:"workers" yaml:"workers"`
}

var DefaultTestParams = &TestParams{
	ScoreThr:     Thresholds{0.1},
	NMSThr:       Thresholds{0.1},
	UseRotateNMS: true,
	Workers:      1,
}

func NewTestParams(scoreThr, nmsThr Thresholds, useRotateNMS bool, workers int) *TestParams {
	return &TestParams{
		ScoreThr:     scoreThr,
		NMSThr:       nmsThr,
		UseRotateNMS: useRotateNMS,
		Workers:      workers,
	}
}
