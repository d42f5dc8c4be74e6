package physics

import "math"

// Grid is a fixed-size uniform grid over the XZ plane used as the
// broad phase for static geometry. Positions outside the covered area
// clamp to the edge cells, so queries stay conservative.
type Grid struct {
	cellSize float64
	originX  float64
	originZ  float64
	cols     int
	rows     int
	cells    [][]Handle
}

// NewGrid covers the square [-halfSize, halfSize] on X and Z.
func NewGrid(halfSize, cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = 10
	}
	n := int(math.Ceil(2*halfSize/cellSize)) + 1
	if n < 1 {
		n = 1
	}
	return &Grid{
		cellSize: cellSize,
		originX:  -halfSize,
		originZ:  -halfSize,
		cols:     n,
		rows:     n,
		cells:    make([][]Handle, n*n),
	}
}

// Clear resets all cells (keeps allocated capacity)
func (g *Grid) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0]
	}
}

func (g *Grid) cellRange(minX, minZ, maxX, maxZ float64) (int, int, int, int) {
	clampCol := func(v float64) int {
		c := int(math.Floor((v - g.originX) / g.cellSize))
		if c < 0 {
			return 0
		}
		if c >= g.cols {
			return g.cols - 1
		}
		return c
	}
	clampRow := func(v float64) int {
		r := int(math.Floor((v - g.originZ) / g.cellSize))
		if r < 0 {
			return 0
		}
		if r >= g.rows {
			return g.rows - 1
		}
		return r
	}
	return clampCol(minX), clampRow(minZ), clampCol(maxX), clampRow(maxZ)
}

// InsertBox adds h to every cell overlapping the XZ rectangle.
func (g *Grid) InsertBox(minX, minZ, maxX, maxZ float64, h Handle) {
	c0, r0, c1, r1 := g.cellRange(minX, minZ, maxX, maxZ)
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			idx := r*g.cols + c
			g.cells[idx] = append(g.cells[idx], h)
		}
	}
}

// QueryBuf appends handles in cells overlapping the rectangle to buf.
// A handle spanning several cells may appear more than once.
func (g *Grid) QueryBuf(minX, minZ, maxX, maxZ float64, buf []Handle) []Handle {
	c0, r0, c1, r1 := g.cellRange(minX, minZ, maxX, maxZ)
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			buf = append(buf, g.cells[r*g.cols+c]...)
		}
	}
	return buf
}
