package detect

import "image"

// Contour is one external blob of a mask: its bounding box and the area inside
// its outer border.
type Contour struct {
	Bounds image.Rectangle
	Area   float64
}

// AspectRatio is bounding-box width over height.
func (c Contour) AspectRatio() float64 {
	h := c.Bounds.Dy()
	if h == 0 {
		return 0
	}
	return float64(c.Bounds.Dx()) / float64(h)
}

// Center is the bounding-box center.
func (c Contour) Center() Point {
	return Point{
		X: float64(c.Bounds.Min.X) + float64(c.Bounds.Dx())/2,
		Y: float64(c.Bounds.Min.Y) + float64(c.Bounds.Dy())/2,
	}
}

// FindContours returns the 8-connected foreground components of m in raster
// order of their first pixel. Area is the polygon area enclosed by the traced
// outer border through boundary pixel centers, so a filled N×N square has area
// (N-1)² and enclosed holes are ignored.
func FindContours(m *Mask) []Contour {
	labels := make([]int32, len(m.Pix))
	var contours []Contour
	var stack []int

	for start := range m.Pix {
		if m.Pix[start] == 0 || labels[start] != 0 {
			continue
		}
		label := int32(len(contours) + 1)
		labels[start] = label
		stack = append(stack[:0], start)

		minX, minY := m.W, m.H
		maxX, maxY := -1, -1

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%m.W, idx/m.W
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= m.H {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if (dx == 0 && dy == 0) || nx < 0 || nx >= m.W {
						continue
					}
					n := ny*m.W + nx
					if m.Pix[n] != 0 && labels[n] == 0 {
						labels[n] = label
						stack = append(stack, n)
					}
				}
			}
		}

		border := traceOuterBorder(m, labels, label, image.Pt(start%m.W, start/m.W))
		contours = append(contours, Contour{
			Bounds: image.Rect(minX, minY, maxX+1, maxY+1),
			Area:   polygonArea(border),
		})
	}
	return contours
}

// neighbours in clockwise order on screen (y grows downward), starting east.
var neighbours = [8]image.Point{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

func direction(from, to image.Point) int {
	d := to.Sub(from)
	for i, n := range neighbours {
		if n == d {
			return i
		}
	}
	return -1
}

// traceOuterBorder follows the outer border of the component labeled label
// (Suzuki-Abe border following). start must be the component's first pixel in
// raster order, so its west and north neighbours are background.
func traceOuterBorder(m *Mask, labels []int32, label int32, start image.Point) []image.Point {
	member := func(p image.Point) bool {
		return p.X >= 0 && p.X < m.W && p.Y >= 0 && p.Y < m.H && labels[p.Y*m.W+p.X] == label
	}

	// First member clockwise from the west neighbour.
	first := image.Point{}
	found := false
	for k := 0; k < 8; k++ {
		if p := start.Add(neighbours[(4+k)%8]); member(p) {
			first, found = p, true
			break
		}
	}
	if !found {
		return []image.Point{start}
	}

	var border []image.Point
	prev, cur := first, start
	for {
		// Next member counterclockwise around cur, starting after prev.
		d := direction(cur, prev)
		next := prev
		for k := 1; k <= 8; k++ {
			if p := cur.Add(neighbours[(d-k+8)%8]); member(p) {
				next = p
				break
			}
		}
		border = append(border, cur)
		if next == start && cur == first {
			return border
		}
		prev, cur = cur, next
	}
}

// polygonArea is the shoelace area of the closed polygon through pts.
func polygonArea(pts []image.Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	sum := 0
	for i, p := range pts {
		q := pts[(i+1)%len(pts)]
		sum += p.X*q.Y - q.X*p.Y
	}
	if sum < 0 {
		sum = -sum
	}
	return float64(sum) / 2
}
