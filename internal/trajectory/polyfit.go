package trajectory

import "math"

const singularTolerance = 1e-12

// polyfit2 fits y = a*x^2 + b*x + c by least squares. x is centered and scaled
// before building the normal equations so pixel-range inputs stay well
// conditioned. When only two distinct x values exist the quadratic term is
// unidentifiable and a straight line (a = 0) is fitted instead. ok is false if
// the system is singular even as a line.
func polyfit2(xs, ys []float64) (a, b, c float64, ok bool) {
	n := float64(len(xs))
	if len(xs) == 0 || len(xs) != len(ys) {
		return 0, 0, 0, false
	}

	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= n

	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	scale := math.Sqrt(variance / n)
	if scale == 0 {
		return 0, 0, 0, false
	}

	var s1, s2, s3, s4, t0, t1, t2 float64
	for i, x := range xs {
		u := (x - mean) / scale
		u2 := u * u
		y := ys[i]
		s1 += u
		s2 += u2
		s3 += u2 * u
		s4 += u2 * u2
		t0 += y
		t1 += u * y
		t2 += u2 * y
	}

	var p, q, r float64
	sol, solved := solve3([3][3]float64{
		{s4, s3, s2},
		{s3, s2, s1},
		{s2, s1, n},
	}, [3]float64{t2, t1, t0})
	if solved {
		p, q, r = sol[0], sol[1], sol[2]
	} else {
		det := n*s2 - s1*s1
		if math.Abs(det) <= singularTolerance*math.Max(1, n*s2) {
			return 0, 0, 0, false
		}
		q = (n*t1 - s1*t0) / det
		r = (s2*t0 - s1*t1) / det
	}

	// Map back from u = (x - mean) / scale.
	k := scale * scale
	a = p / k
	b = q/scale - 2*p*mean/k
	c = p*mean*mean/k - q*mean/scale + r
	return a, b, c, true
}

// solve3 solves m*x = v by Gaussian elimination with partial pivoting.
func solve3(m [3][3]float64, v [3]float64) ([3]float64, bool) {
	var maxAbs float64
	for i := range m {
		for j := range m[i] {
			maxAbs = math.Max(maxAbs, math.Abs(m[i][j]))
		}
	}
	if maxAbs == 0 {
		return [3]float64{}, false
	}
	tol := singularTolerance * maxAbs

	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) <= tol {
			return [3]float64{}, false
		}
		m[col], m[pivot] = m[pivot], m[col]
		v[col], v[pivot] = v[pivot], v[col]

		for row := col + 1; row < 3; row++ {
			f := m[row][col] / m[col][col]
			for k := col; k < 3; k++ {
				m[row][k] -= f * m[col][k]
			}
			v[row] -= f * v[col]
		}
	}

	var x [3]float64
	for row := 2; row >= 0; row-- {
		sum := v[row]
		for k := row + 1; k < 3; k++ {
			sum -= m[row][k] * x[k]
		}
		x[row] = sum / m[row][row]
	}
	return x, true
}
