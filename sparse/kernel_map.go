package sparse

// kernelVolume is the number of taps of a 3x3x3 kernel.
const kernelVolume = 27

// kernelOffsets lists the 27 neighbour offsets in (dx, dy, dz) order, dz
// varying fastest. Tap k of a weight tensor belongs to kernelOffsets[k].
var kernelOffsets = func() [kernelVolume][3]int {
	var offsets [kernelVolume][3]int
	k := 0
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				offsets[k] = [3]int{dx, dy, dz}
				k++
			}
		}
	}
	return offsets
}()

// coordIndex maps an active voxel coordinate to its row.
type coordIndex map[[4]int]int

func newCoordIndex(coords [][4]int) coordIndex {
	index := make(coordIndex, len(coords))
	for i, c := range coords {
		index[c] = i
	}
	return index
}

func (idx coordIndex) neighbour(c [4]int, k int) (int, bool) {
	o := kernelOffsets[k]
	row, ok := idx[[4]int{c[0], c[1] + o[0], c[2] + o[1], c[3] + o[2]}]
	return row, ok
}

// kernelPair connects an input row to the output row it contributes to.
type kernelPair struct {
	In, Out int
}

// KernelMap holds, per kernel tap, every (input, output) row pair of a
// submanifold convolution. Outputs sit on the input coordinates.
type KernelMap struct {
	Pairs [kernelVolume][]kernelPair
}

// BuildKernelMap resolves all neighbour lookups of coords up front.
func BuildKernelMap(coords [][4]int) *KernelMap {
	index := newCoordIndex(coords)
	km := &KernelMap{}
	for out, c := range coords {
		for k := 0; k < kernelVolume; k++ {
			if in, ok := index.neighbour(c, k); ok {
				km.Pairs[k] = append(km.Pairs[k], kernelPair{In: in, Out: out})
			}
		}
	}
	return km
}

// NumPairs counts the pairs over all taps.
func (km *KernelMap) NumPairs() int {
	total := 0
	for _, p := range km.Pairs {
		total += len(p)
	}
	return total
}
