package modules

import (
	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/processing"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// InputMeta carries per-sample information needed to build results.
type InputMeta struct {
	BoxType processing.BoxTypeFunc
}

// DetectionResult is the final detection set of one batch element. Labels
// are the caller's class labels at the kept RoIs; NMSLabels are the 1-based
// classes whose NMS kept them.
type DetectionResult struct {
	Boxes     processing.Boxes3D
	Scores    *tensor.Dense
	Labels    *tensor.Dense
	NMSLabels []int
}

// runIndexed calls fn for 0..n-1 on at most workers goroutines.
func runIndexed(workers, n int, fn func(i int) error) error {
	g := &errgroup.Group{}
	g.SetLimit(max(workers, 1))
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(i)
		})
	}
	return g.Wait()
}

// GetResults decodes the refined boxes of every RoI and runs multi-class NMS
// per batch element. rois are (N, 1+code_size) rows of (batch_id, box...);
// classLabels and classPred hold, per batch element, the class label and
// class probabilities (n_b, num_classes) of its RoIs in RoI order.
func (h *PartA2BboxHead) GetResults(
	rois, clsScore, bboxPred *tensor.Dense,
	classLabels, classPred []*tensor.Dense,
	metas []InputMeta,
	cfg *config.TestParams,
) ([]*DetectionResult, error) {
	if cfg == nil {
		cfg = config.DefaultTestParams
	}
	codeSize := h.bboxCoder.CodeSize()
	n := utils.Rows(rois)
	if utils.Cols(rois) != codeSize+1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "rois must have %d columns, got %v", codeSize+1, rois.Shape())
	}
	if utils.Rows(clsScore) != n || utils.Rows(bboxPred) != n {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d rois, %d cls scores, %d bbox preds", n, utils.Rows(clsScore), utils.Rows(bboxPred))
	}
	if n == 0 {
		return []*DetectionResult{}, nil
	}

	roiData, err := utils.Float32Data(rois)
	if err != nil {
		return nil, err
	}
	batchIDs := make([]int, n)
	batchSize := 0
	for i := range batchIDs {
		batchIDs[i] = int(roiData[i*(codeSize+1)])
		if batchIDs[i] < 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "roi %d has negative batch id %d", i, batchIDs[i])
		}
		batchSize = max(batchSize, batchIDs[i]+1)
	}
	if len(classLabels) < batchSize || len(classPred) < batchSize || len(metas) < batchSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d batch elements, got %d class labels, %d class preds, %d metas",
			batchSize, len(classLabels), len(classPred), len(metas))
	}

	boxes, err := dropBatchColumn(rois)
	if err != nil {
		return nil, err
	}
	if boxes, err = h.decodeInRoIFrame(boxes, bboxPred); err != nil {
		return nil, err
	}
	scores, err := utils.Float32Data(clsScore)
	if err != nil {
		return nil, err
	}

	members := make([][]int, batchSize)
	for i, b := range batchIDs {
		members[b] = append(members[b], i)
	}

	results := make([]*DetectionResult, batchSize)
	err = runIndexed(cfg.Workers, batchSize, func(b int) error {
		res, err := h.resultForSample(boxes, scores, members[b], classLabels[b], classPred[b], metas[b], cfg)
		if err != nil {
			return errors.Wrapf(err, "batch element %d", b)
		}
		results[b] = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.WithFields(logrus.Fields{
		"action":     "get_results",
		"rois":       n,
		"batch_size": batchSize,
	}).Debug("decoded detections")
	return results, nil
}

func (h *PartA2BboxHead) resultForSample(
	boxes *tensor.Dense, scores []float32, members []int,
	classLabels, classPred *tensor.Dense, meta InputMeta, cfg *config.TestParams,
) (*DetectionResult, error) {
	if meta.BoxType == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "input meta has no box type")
	}
	if utils.Rows(classLabels) != len(members) || utils.Rows(classPred) != len(members) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d rois, %d class labels, %d class preds",
			len(members), utils.Rows(classLabels), utils.Rows(classPred))
	}
	curBoxes, err := utils.SelectRows2D(boxes, members)
	if err != nil {
		return nil, err
	}

	keep, nmsLabels, err := h.MultiClassNMS(classPred, curBoxes, meta, cfg)
	if err != nil {
		return nil, err
	}

	selected, err := utils.SelectRows2D(curBoxes, keep)
	if err != nil {
		return nil, err
	}
	boxes3D, err := meta.BoxType(selected, h.bboxCoder.CodeSize())
	if err != nil {
		return nil, err
	}
	labels, err := utils.SelectRows1D(classLabels, keep)
	if err != nil {
		return nil, err
	}
	selectedScores := make([]float32, len(keep))
	for i, k := range keep {
		selectedScores[i] = scores[members[k]]
	}
	return &DetectionResult{
		Boxes:     boxes3D,
		Scores:    utils.NewF32(selectedScores, len(keep)),
		Labels:    labels,
		NMSLabels: nmsLabels,
	}, nil
}

// MultiClassNMS runs NMS independently for every class over the boxes whose
// probability for that class reaches its score threshold. It returns the
// kept indices, concatenated in class order, and the 1-based class of each.
// A box may be kept under several classes.
func (h *PartA2BboxHead) MultiClassNMS(boxProbs, boxPreds *tensor.Dense, meta InputMeta, cfg *config.TestParams) ([]int, []int, error) {
	numClasses := h.params.NumClasses
	if boxProbs == nil || boxPreds == nil {
		return nil, nil, errors.Wrap(ErrShapeMismatch, "missing class probabilities or boxes")
	}
	if utils.Cols(boxProbs) != numClasses || len(boxProbs.Shape()) != 2 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "class probabilities %v for %d classes", boxProbs.Shape(), numClasses)
	}
	n := utils.Rows(boxProbs)
	if utils.Rows(boxPreds) != n {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "%d boxes for %d class probability rows", utils.Rows(boxPreds), n)
	}
	scoreThr, err := cfg.ScoreThr.PerClass(numClasses)
	if err != nil {
		return nil, nil, err
	}
	nmsThr, err := cfg.NMSThr.PerClass(numClasses)
	if err != nil {
		return nil, nil, err
	}

	nmsFunc := processing.NMSFunc(processing.NMSNormalBEV)
	if cfg.UseRotateNMS {
		nmsFunc = processing.NMSBEV
	}

	boxes3D, err := meta.BoxType(boxPreds, h.bboxCoder.CodeSize())
	if err != nil {
		return nil, nil, err
	}
	bev, err := boxes3D.BEV()
	if err != nil {
		return nil, nil, err
	}
	boxesForNMS, err := processing.XYWHRToXYXYR(bev)
	if err != nil {
		return nil, nil, err
	}
	probs, err := utils.Float32Data(boxProbs)
	if err != nil {
		return nil, nil, err
	}

	selected := make([][]int, numClasses)
	err = runIndexed(cfg.Workers, numClasses, func(k int) error {
		var candidates []int
		var classScores []float32
		for i := 0; i < n; i++ {
			if p := probs[i*numClasses+k]; p >= scoreThr[k] {
				candidates = append(candidates, i)
				classScores = append(classScores, p)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		classBoxes, err := utils.SelectRows2D(boxesForNMS, candidates)
		if err != nil {
			return err
		}
		kept, err := nmsFunc(classBoxes, classScores, nmsThr[k])
		if err != nil {
			return errors.Wrapf(err, "nms for class %d", k)
		}
		for _, idx := range kept {
			selected[k] = append(selected[k], candidates[idx])
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	keep := []int{}
	labels := []int{}
	for k, idxs := range selected {
		keep = append(keep, idxs...)
		for range idxs {
			labels = append(labels, k+1)
		}
	}
	return keep, labels, nil
}
