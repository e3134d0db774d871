package processing

import (
	"fmt"
	"math"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	clipper "github.com/ctessum/go.clipper"
	"github.com/okieraised/go-parta2-head/utils"
	"gorgonia.org/tensor"
)

// clipperScale converts metric BEV coordinates to the integer grid the
// polygon clipper works on.
const clipperScale = 1e5

// NMSFunc runs non-maximum suppression over (x1, y1, x2, y2, r) BEV boxes and
// returns the kept indices ordered by descending score.
type NMSFunc func(boxes *tensor.Dense, scores []float32, threshold float32) ([]int, error)

type bevBox struct {
	cx, cy, w, h, r float32
	corners          [4][2]float32
	minX, minY       float32
	maxX, maxY       float32
	area             float32
	rotated          bool
}

func newBEVBox(x1, y1, x2, y2, r float32, rotated bool) bevBox {
	b := bevBox{
		cx:      (x1 + x2) / 2,
		cy:      (y1 + y2) / 2,
		w:       x2 - x1,
		h:       y2 - y1,
		r:       r,
		rotated: rotated,
	}
	b.area = math32.Max(b.w, 0) * math32.Max(b.h, 0)
	if !rotated {
		b.minX, b.minY, b.maxX, b.maxY = x1, y1, x2, y2
		return b
	}
	halfW, halfH := b.w/2, b.h/2
	local := [4][2]float32{{-halfW, -halfH}, {halfW, -halfH}, {halfW, halfH}, {-halfW, halfH}}
	b.minX, b.minY = math32.Inf(1), math32.Inf(1)
	b.maxX, b.maxY = math32.Inf(-1), math32.Inf(-1)
	for i, p := range local {
		x, y := rotateXY(p[0], p[1], r)
		x, y = x+b.cx, y+b.cy
		b.corners[i] = [2]float32{x, y}
		b.minX, b.minY = math32.Min(b.minX, x), math32.Min(b.minY, y)
		b.maxX, b.maxY = math32.Max(b.maxX, x), math32.Max(b.maxY, y)
	}
	return b
}

func (b bevBox) path() clipper.Path {
	path := make(clipper.Path, 0, 4)
	for _, c := range b.corners {
		path = append(path, &clipper.IntPoint{
			X: clipper.CInt(math32.Round(c[0] * clipperScale)),
			Y: clipper.CInt(math32.Round(c[1] * clipperScale)),
		})
	}
	return path
}

func (b bevBox) overlapArea(o bevBox) float32 {
	if b.minX >= o.maxX || o.minX >= b.maxX || b.minY >= o.maxY || o.minY >= b.maxY {
		return 0
	}
	if !b.rotated {
		w := math32.Min(b.maxX, o.maxX) - math32.Max(b.minX, o.minX)
		h := math32.Min(b.maxY, o.maxY) - math32.Max(b.minY, o.minY)
		return math32.Max(w, 0) * math32.Max(h, 0)
	}

	c := clipper.NewClipper(clipper.IoNone)
	c.AddPath(b.path(), clipper.PtSubject, true)
	c.AddPath(o.path(), clipper.PtClip, true)
	solution, ok := c.Execute1(clipper.CtIntersection, clipper.PftNonZero, clipper.PftNonZero)
	if !ok {
		return 0
	}
	return float32(math.Abs(clipper.AreaCombined(solution)) / (clipperScale * clipperScale))
}

// IoU of two BEV boxes, rotated or axis aligned depending on how they were
// built.
func (b bevBox) IoU(o bevBox) float32 {
	inter := b.overlapArea(o)
	union := b.area + o.area - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func parseBEVBoxes(boxes *tensor.Dense, scores []float32, rotated bool) ([]bevBox, error) {
	n, dim, err := checkBoxes(boxes, 5)
	if err != nil {
		return nil, err
	}
	if len(scores) != n {
		return nil, fmt.Errorf("got %d scores for %d boxes", len(scores), n)
	}
	data := boxes.Float32s()
	out := make([]bevBox, n)
	for i := 0; i < n; i++ {
		row := data[i*dim : i*dim+5]
		out[i] = newBEVBox(row[0], row[1], row[2], row[3], row[4], rotated)
	}
	return out, nil
}

// greedyNMS visits boxes by descending score and suppresses every later box
// whose IoU with a kept box exceeds threshold. The spatial index limits IoU
// checks to boxes whose enclosing rectangles touch.
func greedyNMS(boxes []bevBox, scores []float32, threshold float32) []int {
	if len(boxes) == 0 {
		return []int{}
	}
	order := utils.ArgSortDescending(scores)
	rank := make([]int, len(order))
	for r, idx := range order {
		rank[idx] = r
	}

	fb := flatbush.NewFlatbush64()
	fb.Reserve(len(boxes))
	for _, b := range boxes {
		fb.Add(float64(b.minX), float64(b.minY), float64(b.maxX), float64(b.maxY))
	}
	fb.Finish()

	suppressed := make([]bool, len(boxes))
	keep := make([]int, 0, len(boxes))
	nearby := []int{}
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		b := boxes[i]
		nearby = fb.SearchFast(float64(b.minX), float64(b.minY), float64(b.maxX), float64(b.maxY), nearby)
		for _, j := range nearby {
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if b.IoU(boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

// NMSBEV suppresses rotated BEV boxes. The rotation angle is the fifth
// column.
func NMSBEV(boxes *tensor.Dense, scores []float32, threshold float32) ([]int, error) {
	parsed, err := parseBEVBoxes(boxes, scores, true)
	if err != nil {
		return nil, err
	}
	return greedyNMS(parsed, scores, threshold), nil
}

// NMSNormalBEV suppresses BEV boxes as axis aligned rectangles, ignoring the
// rotation column.
func NMSNormalBEV(boxes *tensor.Dense, scores []float32, threshold float32) ([]int, error) {
	parsed, err := parseBEVBoxes(boxes, scores, false)
	if err != nil {
		return nil, err
	}
	return greedyNMS(parsed, scores, threshold), nil
}

// BEVIoU computes the rotated BEV IoU of two (x1, y1, x2, y2, r) boxes.
func BEVIoU(a, b [5]float32) float32 {
	return newBEVBox(a[0], a[1], a[2], a[3], a[4], true).IoU(newBEVBox(b[0], b[1], b[2], b[3], b[4], true))
}
