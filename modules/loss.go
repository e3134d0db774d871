package modules

import (
	"github.com/chewxy/math32"
	"github.com/okieraised/go-parta2-head/processing"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

// LossInputs bundles the head outputs with the batched targets. RoIs are
// (N, 1+code_size) rows of (batch_id, box...).
type LossInputs struct {
	ClsScore     *tensor.Dense
	BBoxPred     *tensor.Dense
	RoIs         *tensor.Dense
	Labels       *tensor.Dense
	BBoxTargets  *tensor.Dense
	PosGTBBoxes  *tensor.Dense
	RegMask      *tensor.Dense
	LabelWeights *tensor.Dense
	BBoxWeights  *tensor.Dense
}

// Losses holds the per-RoI classification loss, the scalar box loss and
// the per positive RoI corner loss. LossCorner is a zero scalar when the
// batch has no positives and nil when the corner loss is disabled.
type Losses struct {
	LossCls    *tensor.Dense
	LossBBox   *tensor.Dense
	LossCorner *tensor.Dense
}

// NewLossInputs pairs head outputs and rois with assigned targets.
func NewLossInputs(clsScore, bboxPred, rois *tensor.Dense, targets *Targets) LossInputs {
	return LossInputs{
		ClsScore:     clsScore,
		BBoxPred:     bboxPred,
		RoIs:         rois,
		Labels:       targets.Labels,
		BBoxTargets:  targets.BBoxTargets,
		PosGTBBoxes:  targets.PosGTBBoxes,
		RegMask:      targets.RegMask,
		LabelWeights: targets.LabelWeights,
		BBoxWeights:  targets.BBoxWeights,
	}
}

func (h *PartA2BboxHead) Loss(in LossInputs) (*Losses, error) {
	codeSize := h.bboxCoder.CodeSize()
	batch := utils.Rows(in.ClsScore)
	if utils.Rows(in.BBoxPred) != batch || utils.Cols(in.BBoxPred) != codeSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "bbox pred %v for %d rois of code size %d",
			in.BBoxPred.Shape(), batch, codeSize)
	}
	for name, t := range map[string]*tensor.Dense{
		"labels":        in.Labels,
		"reg mask":      in.RegMask,
		"label weights": in.LabelWeights,
		"bbox weights":  in.BBoxWeights,
	} {
		if utils.Rows(t) != batch {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s have %d entries for %d rois", name, utils.Rows(t), batch)
		}
	}

	logits, err := utils.Float32Data(in.ClsScore)
	if err != nil {
		return nil, err
	}
	clsLoss, err := h.lossCls.Loss(logits, in.Labels.Float32s(), in.LabelWeights.Float32s())
	if err != nil {
		return nil, errors.Wrap(err, "cls loss")
	}
	losses := &Losses{LossCls: utils.NewF32(clsLoss, batch)}

	posInds := positiveIndices(in.RegMask)
	logger := h.logger.WithFields(logrus.Fields{
		"action":    "loss",
		"rois":      batch,
		"positives": len(posInds),
	})

	if len(posInds) == 0 {
		// zero contribution that still depends on the classification loss
		zero := 0 * vecf32.Sum(clsLoss)
		losses.LossBBox = utils.ScalarF32(zero)
		if h.params.WithCornerLoss {
			losses.LossCorner = utils.ScalarF32(zero)
		}
		logger.Debug("no positive rois in batch")
		return losses, nil
	}

	if utils.Rows(in.BBoxTargets) != len(posInds) || utils.Rows(in.PosGTBBoxes) != len(posInds) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d positive rois, %d bbox targets, %d gt boxes",
			len(posInds), utils.Rows(in.BBoxTargets), utils.Rows(in.PosGTBBoxes))
	}

	posPred, err := utils.SelectRows2D(in.BBoxPred, posInds)
	if err != nil {
		return nil, err
	}
	bboxWeights := in.BBoxWeights.Float32s()
	weights := make([]float32, 0, len(posInds)*codeSize)
	for _, i := range posInds {
		for k := 0; k < codeSize; k++ {
			weights = append(weights, bboxWeights[i])
		}
	}
	targets, err := utils.Float32Data(in.BBoxTargets)
	if err != nil {
		return nil, err
	}
	bboxLoss, err := h.lossBBox.Loss(posPred.Float32s(), targets, weights)
	if err != nil {
		return nil, errors.Wrap(err, "bbox loss")
	}
	losses.LossBBox = utils.ScalarF32(bboxLoss)

	if h.params.WithCornerLoss {
		if utils.Cols(in.RoIs) != codeSize+1 {
			return nil, errors.Wrapf(ErrShapeMismatch, "rois must have %d columns, got %v", codeSize+1, in.RoIs.Shape())
		}
		posRoIs, err := utils.SelectRows2D(in.RoIs, posInds)
		if err != nil {
			return nil, err
		}
		posRoIs, err = dropBatchColumn(posRoIs)
		if err != nil {
			return nil, err
		}
		predBoxes, err := h.decodeInRoIFrame(posRoIs, posPred)
		if err != nil {
			return nil, err
		}
		corner, err := CornerLoss(predBoxes, in.PosGTBBoxes, h.params.CornerLossDelta)
		if err != nil {
			return nil, errors.Wrap(err, "corner loss")
		}
		losses.LossCorner = corner
	}

	logger.Debug("computed losses")
	return losses, nil
}

func positiveIndices(regMask *tensor.Dense) []int {
	if regMask == nil {
		return nil
	}
	mask := regMask.Ints()
	keep := make([]bool, len(mask))
	for i, m := range mask {
		keep[i] = m > 0
	}
	return utils.MaskIndices(keep)
}

// dropBatchColumn strips the leading batch id column of (N, 1+D) rois.
func dropBatchColumn(rois *tensor.Dense) (*tensor.Dense, error) {
	n, cols := utils.Rows(rois), utils.Cols(rois)
	data, err := utils.Float32Data(rois)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 0, n*(cols-1))
	for i := 0; i < n; i++ {
		out = append(out, data[i*cols+1:(i+1)*cols]...)
	}
	return utils.NewF32(out, n, cols-1), nil
}

// decodeInRoIFrame decodes deltas against the RoIs with their centers zeroed
// (heading kept), then rotates the decoded centers by the RoI heading and
// moves them to the RoI centers.
func (h *PartA2BboxHead) decodeInRoIFrame(rois, deltas *tensor.Dense) (*tensor.Dense, error) {
	n, dim := utils.Rows(rois), utils.Cols(rois)
	local, err := utils.Float32Data(rois)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		local[i*dim], local[i*dim+1], local[i*dim+2] = 0, 0, 0
	}
	decoded, err := h.bboxCoder.Decode(utils.NewF32(local, n, dim), deltas)
	if err != nil {
		return nil, err
	}
	return processing.InverseCanonical(decoded, rois)
}

// CornerLoss is the Huber penalised distance between the corners of pred
// and gt, taking per corner the smaller distance to gt or to gt turned by
// pi, averaged over the 8 corners of each box.
func CornerLoss(pred, gt *tensor.Dense, delta float32) (*tensor.Dense, error) {
	n := utils.Rows(pred)
	if utils.Rows(gt) != n {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d predicted boxes for %d gt boxes", n, utils.Rows(gt))
	}
	flipped, err := utils.Float32Data(gt)
	if err != nil {
		return nil, err
	}
	dim := utils.Cols(gt)
	for i := 0; i < n; i++ {
		flipped[i*dim+6] += math32.Pi
	}

	predCorners, err := processing.Corners(pred)
	if err != nil {
		return nil, err
	}
	gtCorners, err := processing.Corners(gt)
	if err != nil {
		return nil, err
	}
	flipCorners, err := processing.Corners(utils.NewF32(flipped, n, dim))
	if err != nil {
		return nil, err
	}

	p, g, f := predCorners.Float32s(), gtCorners.Float32s(), flipCorners.Float32s()
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < 8; c++ {
			o := (i*8 + c) * 3
			d := math32.Min(cornerDistance(p[o:o+3], g[o:o+3]), cornerDistance(p[o:o+3], f[o:o+3]))
			sum += Huber(d, delta)
		}
		out[i] = sum / 8
	}
	return utils.NewF32(out, n), nil
}

func cornerDistance(a, b []float32) float32 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math32.Sqrt(dx*dx + dy*dy + dz*dz)
}
