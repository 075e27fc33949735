// Package algebra is the fixed-shape dense matrix and quaternion/vector
// kernel used by every downstream component. Shapes are known at call
// sites; sizes are not validated on the hot path, only at the handful of
// public entry points (NewMatrixView, Invert) that allocate or parse external
// input.
package algebra

import "fmt"

// Matrix is a view over a row-major float32 backing array. Transpose is a
// flag flip, never a physical reshuffle: the handle does not own semantics
// beyond "how to index into data", which keeps Invert/Product usable on
// caller-managed scratch storage the way the original C matrix library
// expected.
type Matrix struct {
	physRows, physCols int
	transposed         bool
	data               []float32
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{physRows: rows, physCols: cols, data: make([]float32, rows*cols)}
}

// NewMatrixView wraps an existing backing slice without copying. len(data)
// must equal rows*cols; this is the entry point used to give a component's
// workspace matrices a single long-lived backing array.
func NewMatrixView(rows, cols int, data []float32) *Matrix {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("algebra: view size mismatch: want %d got %d", rows*cols, len(data)))
	}
	return &Matrix{physRows: rows, physCols: cols, data: data}
}

// Rows returns the logical row count (post transpose-flag).
func (m *Matrix) Rows() int {
	if m.transposed {
		return m.physCols
	}
	return m.physRows
}

// Cols returns the logical column count (post transpose-flag).
func (m *Matrix) Cols() int {
	if m.transposed {
		return m.physRows
	}
	return m.physCols
}

// At returns the logical element (i, j).
func (m *Matrix) At(i, j int) float32 {
	if m.transposed {
		return m.data[j*m.physCols+i]
	}
	return m.data[i*m.physCols+j]
}

// Set assigns the logical element (i, j).
func (m *Matrix) Set(i, j int, v float32) {
	if m.transposed {
		m.data[j*m.physCols+i] = v
	} else {
		m.data[i*m.physCols+j] = v
	}
}

// Transpose flips the transpose flag in place: O(1), no data movement.
// Applying it twice is a no-op for both data layout and logical shape
// (invariant 4).
func (m *Matrix) Transpose() {
	m.transposed = !m.transposed
}

// IsTransposed reports the current flag state.
func (m *Matrix) IsTransposed() bool {
	return m.transposed
}

// Zero clears every element to 0, preserving shape and transpose flag.
func (m *Matrix) Zero() {
	for i := range m.data {
		m.data[i] = 0
	}
}

// Diag fills the matrix as an identity (1 on the diagonal, 0 elsewhere),
// regardless of the transpose flag (identity is its own transpose).
func (m *Matrix) Diag() {
	m.Zero()
	n := m.Rows()
	if m.Cols() < n {
		n = m.Cols()
	}
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
}

// Scale multiplies every element by a.
func (m *Matrix) Scale(a float32) {
	for i := range m.data {
		m.data[i] *= a
	}
}

// Add computes dst = a + b when dst != nil, else a += b in place.
func Add(a, b, dst *Matrix) {
	if dst == nil {
		dst = a
	}
	rows, cols := a.Rows(), a.Cols()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(i, j, a.At(i, j)+b.At(i, j))
		}
	}
}

// Sub computes dst = a - b when dst != nil, else a -= b in place.
func Sub(a, b, dst *Matrix) {
	if dst == nil {
		dst = a
	}
	rows, cols := a.Rows(), a.Cols()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(i, j, a.At(i, j)-b.At(i, j))
		}
	}
}

// Product overwrites dst with a * b. dst must not alias a or b.
func Product(a, b, dst *Matrix) {
	n := a.Cols()
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < b.Cols(); j++ {
			var sum float32
			for k := 0; k < n; k++ {
				sum += a.At(i, k) * b.At(k, j)
			}
			dst.Set(i, j, sum)
		}
	}
}

// ProductSparse is Product with a short-circuit on zero entries of a,
// useful when a is a Jacobian with large structurally-zero blocks (as the
// EKF's F and H matrices are).
func ProductSparse(a, b, dst *Matrix) {
	n := a.Cols()
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < b.Cols(); j++ {
			dst.Set(i, j, 0)
		}
		for k := 0; k < n; k++ {
			av := a.At(i, k)
			if av == 0 {
				continue
			}
			for j := 0; j < b.Cols(); j++ {
				dst.Set(i, j, dst.At(i, j)+av*b.At(k, j))
			}
		}
	}
}

// Sandwich computes dst = a * b * aᵀ using tmp (shape a.Rows() x b.Cols())
// as scratch for the first product. dst must be a.Rows() x a.Rows().
func Sandwich(a, b, dst, tmp *Matrix) {
	Product(a, b, tmp)
	aT := *a
	aT.transposed = !aT.transposed
	Product(tmp, &aT, dst)
}

// SandwichSparse is Sandwich using ProductSparse for the first multiply,
// for the common case where a (e.g. a measurement Jacobian H) is sparse.
func SandwichSparse(a, b, dst, tmp *Matrix) {
	ProductSparse(a, b, tmp)
	aT := *a
	aT.transposed = !aT.transposed
	Product(tmp, &aT, dst)
}

// WriteSubmatrix blits src into dst beginning at logical position
// (row, col). Only defined for non-transposed dst, matching the original
// library's contract.
func WriteSubmatrix(dst *Matrix, row, col int, src *Matrix) {
	if dst.transposed {
		panic("algebra: WriteSubmatrix requires a non-transposed destination")
	}
	for i := 0; i < src.Rows(); i++ {
		for j := 0; j < src.Cols(); j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}

// Invert computes dst = a^-1 via Gauss-Jordan elimination using buf as
// scratch (must have length >= 2*n*n where n = a.Rows() == a.Cols()). It
// returns an error instead of panicking when a pivot is (numerically)
// zero or the scratch buffer is undersized — callers (the EKF update step)
// are required to skip the update and count the failure rather than abort.
func Invert(a, dst *Matrix, buf []float32) error {
	n := a.Rows()
	if a.Cols() != n {
		return fmt.Errorf("algebra: Invert requires a square matrix, got %dx%d", n, a.Cols())
	}
	if len(buf) < 2*n*n {
		return fmt.Errorf("algebra: Invert scratch buffer too small: need %d, have %d", 2*n*n, len(buf))
	}

	// aug is the augmented [A | I] matrix, built directly on buf.
	aug := NewMatrixView(n, 2*n, buf[:2*n*n])
	aug.Zero()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			aug.Set(i, j, a.At(i, j))
		}
		aug.Set(i, n+i, 1)
	}

	const eps = 1e-9
	for col := 0; col < n; col++ {
		pivotRow := col
		pivotVal := aug.At(col, col)
		if pivotVal < 0 {
			pivotVal = -pivotVal
		}
		for r := col + 1; r < n; r++ {
			v := aug.At(r, col)
			if v < 0 {
				v = -v
			}
			if v > pivotVal {
				pivotRow, pivotVal = r, v
			}
		}
		if pivotVal < eps {
			return fmt.Errorf("algebra: Invert: singular matrix at column %d", col)
		}
		if pivotRow != col {
			for j := 0; j < 2*n; j++ {
				a1, a2 := aug.At(col, j), aug.At(pivotRow, j)
				aug.Set(col, j, a2)
				aug.Set(pivotRow, j, a1)
			}
		}

		pivot := aug.At(col, col)
		for j := 0; j < 2*n; j++ {
			aug.Set(col, j, aug.At(col, j)/pivot)
		}

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug.At(r, col)
			if factor == 0 {
				continue
			}
			for j := 0; j < 2*n; j++ {
				aug.Set(r, j, aug.At(r, j)-factor*aug.At(col, j))
			}
		}
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := aug.At(i, n+j)
			if isNonFinite(v) {
				return fmt.Errorf("algebra: Invert: non-finite result at (%d,%d)", i, j)
			}
			dst.Set(i, j, v)
		}
	}
	return nil
}

func isNonFinite(v float32) bool {
	return v != v || v > 3.4e38 || v < -3.4e38
}

// Symmetrize forces m to be exactly symmetric by averaging with its
// transpose, used after covariance updates to counter floating-point
// asymmetry drift (testable property 2).
func Symmetrize(m *Matrix) {
	n := m.Rows()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			avg := (m.At(i, j) + m.At(j, i)) / 2
			m.Set(i, j, avg)
			m.Set(j, i, avg)
		}
	}
}
