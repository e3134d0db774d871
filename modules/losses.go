package modules

import (
	"github.com/chewxy/math32"
	"github.com/okieraised/go-parta2-head/config"
	"github.com/pkg/errors"
	"gorgonia.org/vecf32"
)

// ClsLoss computes an unreduced, weighted per-RoI classification loss.
type ClsLoss interface {
	Loss(logits, labels, weights []float32) ([]float32, error)
}

// RegLoss computes a mean-reduced weighted regression loss.
type RegLoss interface {
	Loss(pred, target, weights []float32) (float32, error)
}

func NewClsLoss(params config.ClsLossParams) (ClsLoss, error) {
	switch params.Kind {
	case config.ClsLossSigmoidCrossEntropy:
		return &SigmoidCrossEntropyLoss{LossWeight: params.LossWeight}, nil
	default:
		return nil, errors.Wrapf(config.ErrInvalidParams, "unsupported cls loss kind %d", params.Kind)
	}
}

func NewRegLoss(params config.RegLossParams) (RegLoss, error) {
	switch params.Kind {
	case config.RegLossSmoothL1:
		if params.Beta <= 0 {
			return nil, errors.Wrapf(config.ErrInvalidParams, "smooth l1 beta must be positive, got %f", params.Beta)
		}
		return &SmoothL1Loss{Beta: params.Beta, LossWeight: params.LossWeight}, nil
	case config.RegLossL1:
		return &L1Loss{LossWeight: params.LossWeight}, nil
	default:
		return nil, errors.Wrapf(config.ErrInvalidParams, "unsupported bbox loss kind %d", params.Kind)
	}
}

func checkLens(a, b, c []float32) error {
	if len(a) != len(b) || len(a) != len(c) {
		return errors.Wrapf(ErrShapeMismatch, "loss inputs of length %d, %d and %d", len(a), len(b), len(c))
	}
	return nil
}

// SigmoidCrossEntropyLoss is binary cross entropy on logits, possibly with
// soft labels.
type SigmoidCrossEntropyLoss struct {
	LossWeight float32
}

func (l *SigmoidCrossEntropyLoss) Loss(logits, labels, weights []float32) ([]float32, error) {
	if err := checkLens(logits, labels, weights); err != nil {
		return nil, err
	}
	out := make([]float32, len(logits))
	for i, x := range logits {
		// max(x, 0) - x*y + log(1 + exp(-|x|))
		out[i] = math32.Max(x, 0) - x*labels[i] + math32.Log1p(math32.Exp(-math32.Abs(x)))
	}
	vecf32.Mul(out, weights)
	vecf32.Scale(out, l.LossWeight)
	return out, nil
}

type SmoothL1Loss struct {
	Beta       float32
	LossWeight float32
}

func (l *SmoothL1Loss) Loss(pred, target, weights []float32) (float32, error) {
	if err := checkLens(pred, target, weights); err != nil {
		return 0, err
	}
	if len(pred) == 0 {
		return 0, nil
	}
	diff := make([]float32, len(pred))
	for i := range pred {
		d := math32.Abs(pred[i] - target[i])
		if d < l.Beta {
			diff[i] = 0.5 * d * d / l.Beta
		} else {
			diff[i] = d - 0.5*l.Beta
		}
	}
	vecf32.Mul(diff, weights)
	return l.LossWeight * vecf32.Sum(diff) / float32(len(diff)), nil
}

type L1Loss struct {
	LossWeight float32
}

func (l *L1Loss) Loss(pred, target, weights []float32) (float32, error) {
	if err := checkLens(pred, target, weights); err != nil {
		return 0, err
	}
	if len(pred) == 0 {
		return 0, nil
	}
	diff := make([]float32, len(pred))
	copy(diff, pred)
	vecf32.Sub(diff, target)
	for i, d := range diff {
		diff[i] = math32.Abs(d)
	}
	vecf32.Mul(diff, weights)
	return l.LossWeight * vecf32.Sum(diff) / float32(len(diff)), nil
}

// Huber is quadratic up to delta and linear beyond, continuous at delta.
func Huber(x, delta float32) float32 {
	abs := math32.Abs(x)
	quadratic := math32.Min(abs, delta)
	linear := abs - quadratic
	return 0.5*quadratic*quadratic + delta*linear
}
