package modules

import (
	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/processing"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// SamplingResult is the per-sample output of the upstream RoI sampler.
// Positives are sorted to the front: PosBBoxes[i] matches PosGTBBoxes[i]
// and IoU[i], and IoU continues with the negatives.
type SamplingResult struct {
	PosBBoxes   *tensor.Dense
	PosGTBBoxes *tensor.Dense
	IoU         []float32
}

// Targets are the training targets of one sample or of a whole batch.
type Targets struct {
	Labels       *tensor.Dense
	BBoxTargets  *tensor.Dense
	PosGTBBoxes  *tensor.Dense
	RegMask      *tensor.Dense
	LabelWeights *tensor.Dense
	BBoxWeights  *tensor.Dense
}

// ClassificationLabel maps an IoU to its training label: 1 strictly above
// posThr, 0 strictly below negThr, iou*2-0.5 in between, thresholds
// included.
func ClassificationLabel(iou, posThr, negThr float32) float32 {
	switch {
	case iou > posThr:
		return 1
	case iou < negThr:
		return 0
	default:
		return iou*2 - 0.5
	}
}

// GetTargetsPerSample assigns targets sample by sample without
// concatenating or renormalising them.
func (h *PartA2BboxHead) GetTargetsPerSample(results []SamplingResult, cfg *config.TrainParams) ([]*Targets, error) {
	if cfg == nil {
		cfg = config.DefaultTrainParams
	}
	out := make([]*Targets, len(results))
	for i, res := range results {
		targets, err := h.getTargetSingle(res, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", i)
		}
		out[i] = targets
	}
	return out, nil
}

// GetTargets assigns targets per sample and concatenates them in sample
// order. Label and bbox weights are divided by max(sum, 1) over the batch.
func (h *PartA2BboxHead) GetTargets(results []SamplingResult, cfg *config.TrainParams) (*Targets, error) {
	perSample, err := h.GetTargetsPerSample(results, cfg)
	if err != nil {
		return nil, err
	}

	var labels, labelWeights, bboxWeights, regMask, bboxTargets, posGT []*tensor.Dense
	for _, t := range perSample {
		labels = append(labels, t.Labels)
		labelWeights = append(labelWeights, t.LabelWeights)
		bboxWeights = append(bboxWeights, t.BBoxWeights)
		regMask = append(regMask, t.RegMask)
		bboxTargets = append(bboxTargets, t.BBoxTargets)
		posGT = append(posGT, t.PosGTBBoxes)
	}

	out := &Targets{}
	if out.Labels, err = utils.ConcatVectors(labels, tensor.Float32); err != nil {
		return nil, err
	}
	if out.RegMask, err = utils.ConcatVectors(regMask, tensor.Int); err != nil {
		return nil, err
	}
	if out.LabelWeights, err = concatNormalized(labelWeights); err != nil {
		return nil, err
	}
	if out.BBoxWeights, err = concatNormalized(bboxWeights); err != nil {
		return nil, err
	}
	if out.BBoxTargets, err = stackRows(bboxTargets, 7); err != nil {
		return nil, err
	}
	if out.PosGTBBoxes, err = stackRows(posGT, 7); err != nil {
		return nil, err
	}

	h.logger.WithFields(logrus.Fields{
		"action":    "get_targets",
		"samples":   len(results),
		"rois":      utils.Rows(out.Labels),
		"positives": utils.Rows(out.PosGTBBoxes),
	}).Debug("assigned targets")
	return out, nil
}

func concatNormalized(parts []*tensor.Dense) (*tensor.Dense, error) {
	joined, err := utils.ConcatVectors(parts, tensor.Float32)
	if err != nil {
		return nil, err
	}
	data := joined.Float32s()
	vecf32.Scale(data, 1/max(vecf32.Sum(data), 1))
	return joined, nil
}

// stackRows concatenates (n_i, C) blocks, yielding (0, emptyCols) when all
// blocks are empty.
func stackRows(parts []*tensor.Dense, emptyCols int) (*tensor.Dense, error) {
	total := 0
	for _, p := range parts {
		total += utils.Rows(p)
	}
	if total == 0 {
		return utils.NewF32(nil, 0, emptyCols), nil
	}
	return utils.VStack(parts)
}

func (h *PartA2BboxHead) getTargetSingle(res SamplingResult, cfg *config.TrainParams) (*Targets, error) {
	numPos := utils.Rows(res.PosBBoxes)
	if numPos != utils.Rows(res.PosGTBBoxes) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d positive rois for %d matched ground truth boxes",
			numPos, utils.Rows(res.PosGTBBoxes))
	}
	numRoIs := len(res.IoU)
	if numRoIs < numPos {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d ious for %d positive rois", numRoIs, numPos)
	}

	labels := make([]float32, numRoIs)
	labelWeights := make([]float32, numRoIs)
	regMask := make([]int, numRoIs)
	bboxWeights := make([]float32, numRoIs)
	for i, iou := range res.IoU {
		labels[i] = ClassificationLabel(iou, cfg.ClsPosThr, cfg.ClsNegThr)
		if labels[i] >= 0 {
			labelWeights[i] = 1
		}
		if i < numPos {
			regMask[i] = 1
			bboxWeights[i] = 1
		}
	}

	targets := &Targets{
		Labels:       utils.NewF32(labels, numRoIs),
		RegMask:      utils.NewInt(regMask, numRoIs),
		LabelWeights: utils.NewF32(labelWeights, numRoIs),
		BBoxWeights:  utils.NewF32(bboxWeights, numRoIs),
	}

	if numPos == 0 {
		targets.BBoxTargets = utils.NewF32(nil, 0, 7)
		targets.PosGTBBoxes = utils.NewF32(nil, 0, 7)
		return targets, nil
	}

	bboxTargets, err := h.encodeCanonical(res.PosBBoxes, res.PosGTBBoxes)
	if err != nil {
		return nil, err
	}
	targets.BBoxTargets = bboxTargets
	targets.PosGTBBoxes = res.PosGTBBoxes
	return targets, nil
}

// encodeCanonical moves each gt box into its RoI frame, folds the heading
// residual into [-pi/2, pi/2] and encodes it against the RoI with center and
// heading zeroed.
func (h *PartA2BboxHead) encodeCanonical(rois, gts *tensor.Dense) (*tensor.Dense, error) {
	canonical, err := processing.CanonicalTransform(rois, gts)
	if err != nil {
		return nil, errors.Wrap(ErrShapeMismatch, err.Error())
	}
	dim := utils.Cols(canonical)
	data := canonical.Float32s()
	for i := 0; i < utils.Rows(canonical); i++ {
		data[i*dim+6] = processing.LimitResidualYaw(data[i*dim+6])
	}

	anchors, err := utils.Float32Data(rois)
	if err != nil {
		return nil, err
	}
	roiDim := utils.Cols(rois)
	for i := 0; i < utils.Rows(rois); i++ {
		row := anchors[i*roiDim:]
		row[0], row[1], row[2], row[6] = 0, 0, 0, 0
	}
	return h.bboxCoder.Encode(utils.NewF32(anchors, utils.Rows(rois), roiDim), canonical)
}
