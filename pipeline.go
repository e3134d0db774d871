package go_parta2_head

import (
	"time"

	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/modules"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

type TrainStepResult struct {
	ClsScore *tensor.Dense    `json:"cls_score"`
	BBoxPred *tensor.Dense    `json:"bbox_pred"`
	Targets  *modules.Targets `json:"targets"`
	Losses   *modules.Losses  `json:"losses"`
}

type RefinementPipeline struct {
	cfg    *config.HeadConfig
	head   *modules.PartA2BboxHead
	logger logrus.FieldLogger
}

// NewRefinementPipeline initializes a refinement head from cfg. A nil cfg
// uses the defaults.
func NewRefinementPipeline(cfg *config.HeadConfig, logger logrus.FieldLogger) (*RefinementPipeline, error) {
	if cfg == nil {
		cfg = config.DefaultHeadConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := &RefinementPipeline{
		cfg:    cfg,
		logger: logger,
	}

	head, err := modules.NewPartA2BboxHead(cfg.Head, modules.WithLogger(logger), modules.WithConvConfig(cfg.Conv))
	if err != nil {
		return client, err
	}
	client.head = head

	return client, nil
}

// NewRefinementPipelineFromFile loads a YAML head config and builds the
// pipeline from it.
func NewRefinementPipelineFromFile(path string, logger logrus.FieldLogger) (*RefinementPipeline, error) {
	cfg, err := config.LoadHeadConfig(path)
	if err != nil {
		return nil, err
	}
	return NewRefinementPipeline(cfg, logger)
}

func (c *RefinementPipeline) Head() *modules.PartA2BboxHead {
	return c.head
}

// TrainStep runs the head in training mode on one RoI batch, assigns
// targets from the sampler output and computes the losses.
func (c *RefinementPipeline) TrainStep(segFeats, partFeats, rois *tensor.Dense, samples []modules.SamplingResult) (*TrainStepResult, error) {
	start := time.Now()
	resp := &TrainStepResult{}

	c.head.Train()
	clsScore, bboxPred, err := c.head.Forward(segFeats, partFeats)
	if err != nil {
		return resp, errors.Wrap(err, "forward")
	}
	resp.ClsScore = clsScore
	resp.BBoxPred = bboxPred

	targets, err := c.head.GetTargets(samples, c.cfg.Train)
	if err != nil {
		return resp, errors.Wrap(err, "targets")
	}
	resp.Targets = targets

	losses, err := c.head.Loss(modules.NewLossInputs(clsScore, bboxPred, rois, targets))
	if err != nil {
		return resp, errors.Wrap(err, "loss")
	}
	resp.Losses = losses

	c.logger.WithFields(logrus.Fields{
		"action":  "train_step",
		"rois":    utils.Rows(clsScore),
		"elapsed": time.Since(start).String(),
	}).Info("train step done")
	return resp, nil
}

// Predict runs the head in evaluation mode and decodes per-sample
// detections. rotateNMS overrides the configured NMS variant when set.
func (c *RefinementPipeline) Predict(
	segFeats, partFeats, rois *tensor.Dense,
	classLabels, classPred []*tensor.Dense,
	metas []modules.InputMeta,
	rotateNMS *bool,
) ([]*modules.DetectionResult, error) {
	start := time.Now()

	c.head.Eval()
	clsScore, bboxPred, err := c.head.Forward(segFeats, partFeats)
	if err != nil {
		return nil, errors.Wrap(err, "forward")
	}

	testCfg := *c.cfg.Test
	if rotateNMS != nil {
		testCfg.UseRotateNMS = *rotateNMS
	}
	results, err := c.head.GetResults(rois, clsScore, bboxPred, classLabels, classPred, metas, &testCfg)
	if err != nil {
		return nil, errors.Wrap(err, "results")
	}

	detections := 0
	for _, res := range results {
		detections += res.Boxes.Len()
	}
	c.logger.WithFields(logrus.Fields{
		"action":     "predict",
		"rois":       utils.Rows(rois),
		"detections": detections,
		"elapsed":    time.Since(start).String(),
	}).Info("prediction done")
	return results, nil
}
