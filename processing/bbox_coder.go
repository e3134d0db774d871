package processing

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/utils"
	"gorgonia.org/tensor"
)

// BBoxCoder converts between absolute boxes and regression deltas relative
// to anchor boxes.
type BBoxCoder interface {
	Encode(anchors, targets *tensor.Dense) (*tensor.Dense, error)
	Decode(anchors, deltas *tensor.Dense) (*tensor.Dense, error)
	CodeSize() int
}

func NewBBoxCoder(cfg config.BBoxCoderParams) (BBoxCoder, error) {
	switch cfg.Kind {
	case config.CoderDeltaXYZWLHR:
		return NewDeltaXYZWLHRCoder(cfg.CodeSize)
	default:
		return nil, fmt.Errorf("unsupported bbox coder kind %d", cfg.Kind)
	}
}

// DeltaXYZWLHRCoder encodes (x, y, z, dx, dy, dz, yaw, extra...) boxes. x/y
// deltas are normalised by the anchor's BEV diagonal, z by its height,
// sizes are log ratios and yaw and extra entries plain differences. z is
// shifted to the box center before encoding.
type DeltaXYZWLHRCoder struct {
	codeSize int
}

func NewDeltaXYZWLHRCoder(codeSize int) (*DeltaXYZWLHRCoder, error) {
	if codeSize < 7 {
		return nil, fmt.Errorf("code size must be at least 7, got %d", codeSize)
	}
	return &DeltaXYZWLHRCoder{codeSize: codeSize}, nil
}

func (c *DeltaXYZWLHRCoder) CodeSize() int {
	return c.codeSize
}

func (c *DeltaXYZWLHRCoder) checkPair(a, b *tensor.Dense) (int, error) {
	n, aDim, err := checkBoxes(a, c.codeSize)
	if err != nil {
		return 0, err
	}
	m, bDim, err := checkBoxes(b, c.codeSize)
	if err != nil {
		return 0, err
	}
	if n != m || aDim != c.codeSize || bDim != c.codeSize {
		return 0, fmt.Errorf("coder expects two (N, %d) tensors, got %v and %v", c.codeSize, a.Shape(), b.Shape())
	}
	return n, nil
}

func (c *DeltaXYZWLHRCoder) Encode(anchors, targets *tensor.Dense) (*tensor.Dense, error) {
	n, err := c.checkPair(anchors, targets)
	if err != nil {
		return nil, err
	}
	size := c.codeSize
	aData := anchors.Float32s()
	gData := targets.Float32s()
	out := make([]float32, n*size)
	for i := 0; i < n; i++ {
		a := aData[i*size : (i+1)*size]
		g := gData[i*size : (i+1)*size]
		o := out[i*size : (i+1)*size]

		za := a[2] + a[5]/2
		zg := g[2] + g[5]/2
		diagonal := math32.Sqrt(a[3]*a[3] + a[4]*a[4])

		o[0] = (g[0] - a[0]) / diagonal
		o[1] = (g[1] - a[1]) / diagonal
		o[2] = (zg - za) / a[5]
		o[3] = math32.Log(g[3] / a[3])
		o[4] = math32.Log(g[4] / a[4])
		o[5] = math32.Log(g[5] / a[5])
		o[6] = g[6] - a[6]
		for k := 7; k < size; k++ {
			o[k] = g[k] - a[k]
		}
	}
	return utils.NewF32(out, n, size), nil
}

func (c *DeltaXYZWLHRCoder) Decode(anchors, deltas *tensor.Dense) (*tensor.Dense, error) {
	n, err := c.checkPair(anchors, deltas)
	if err != nil {
		return nil, err
	}
	size := c.codeSize
	aData := anchors.Float32s()
	dData := deltas.Float32s()
	out := make([]float32, n*size)
	for i := 0; i < n; i++ {
		a := aData[i*size : (i+1)*size]
		t := dData[i*size : (i+1)*size]
		o := out[i*size : (i+1)*size]

		za := a[2] + a[5]/2
		diagonal := math32.Sqrt(a[3]*a[3] + a[4]*a[4])

		o[0] = t[0]*diagonal + a[0]
		o[1] = t[1]*diagonal + a[1]
		o[3] = math32.Exp(t[3]) * a[3]
		o[4] = math32.Exp(t[4]) * a[4]
		o[5] = math32.Exp(t[5]) * a[5]
		o[2] = t[2]*a[5] + za - o[5]/2
		o[6] = t[6] + a[6]
		for k := 7; k < size; k++ {
			o[k] = t[k] + a[k]
		}
	}
	return utils.NewF32(out, n, size), nil
}
