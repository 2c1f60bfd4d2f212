package detect

// Mask is a binary image; a Pix value of 1 marks a foreground pixel.
type Mask struct {
	W, H int
	Pix  []uint8
}

// NewMask returns an all-background mask of the given size.
func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Pix: make([]uint8, w*h)}
}

// At reports whether (x, y) is foreground. Out-of-range points are background.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Pix[y*m.W+x] != 0
}

// Set marks (x, y) as foreground.
func (m *Mask) Set(x, y int) {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return
	}
	m.Pix[y*m.W+x] = 1
}

// Count returns the number of foreground pixels.
func (m *Mask) Count() int {
	n := 0
	for _, p := range m.Pix {
		if p != 0 {
			n++
		}
	}
	return n
}

// Open is erosion followed by dilation with a size x size square kernel. It
// removes specks smaller than the kernel.
func (m *Mask) Open(size int) *Mask {
	return m.Erode(size).Dilate(size)
}

// Close is dilation followed by erosion. It fills holes and gaps smaller than
// the kernel.
func (m *Mask) Close(size int) *Mask {
	return m.Dilate(size).Erode(size)
}

// Erode keeps a pixel only if every in-bounds pixel under the centered square
// kernel is foreground. Pixels outside the mask do not constrain the result.
func (m *Mask) Erode(size int) *Mask {
	return m.morph(size, true)
}

// Dilate sets a pixel if any pixel under the centered square kernel is foreground.
func (m *Mask) Dilate(size int) *Mask {
	return m.morph(size, false)
}

// morph applies the square kernel as a horizontal then a vertical 1-D pass, each
// driven by a sliding window count.
func (m *Mask) morph(size int, erode bool) *Mask {
	if size <= 1 || m.W == 0 || m.H == 0 {
		out := NewMask(m.W, m.H)
		copy(out.Pix, m.Pix)
		return out
	}
	r := size / 2
	tmp := NewMask(m.W, m.H)
	out := NewMask(m.W, m.H)

	line := make([]uint8, max(m.W, m.H))
	for y := 0; y < m.H; y++ {
		src := m.Pix[y*m.W : (y+1)*m.W]
		window(src, tmp.Pix[y*m.W:(y+1)*m.W], r, erode)
	}
	col := make([]uint8, m.H)
	for x := 0; x < m.W; x++ {
		for y := 0; y < m.H; y++ {
			col[y] = tmp.Pix[y*m.W+x]
		}
		window(col, line[:m.H], r, erode)
		for y := 0; y < m.H; y++ {
			out.Pix[y*m.W+x] = line[y]
		}
	}
	return out
}

func window(src, dst []uint8, r int, erode bool) {
	n := len(src)
	count := 0
	// count holds the foreground total of src[lo..hi] for the current i.
	hi := min(r, n-1)
	for i := 0; i <= hi; i++ {
		count += int(src[i])
	}
	lo := 0
	for i := 0; i < n; i++ {
		width := hi - lo + 1
		if erode {
			dst[i] = b2u(count == width)
		} else {
			dst[i] = b2u(count > 0)
		}

		if next := i + r + 1; next < n {
			hi = next
			count += int(src[next])
		}
		if i-r >= 0 {
			count -= int(src[i-r])
			lo = i - r + 1
		}
	}
}

func b2u(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
