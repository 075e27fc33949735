package algebra

import "testing"

func TestTransposeFlagIdempotent(t *testing.T) {
	m := NewMatrix(2, 3)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, float32(i*3+j))
		}
	}
	wantRows, wantCols := m.Rows(), m.Cols()

	m.Transpose()
	m.Transpose()

	if m.Rows() != wantRows || m.Cols() != wantCols {
		t.Fatalf("shape changed after double transpose: got %dx%d want %dx%d", m.Rows(), m.Cols(), wantRows, wantCols)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if m.At(i, j) != float32(i*3+j) {
				t.Fatalf("data changed after double transpose at (%d,%d)", i, j)
			}
		}
	}
}

func TestTransposeView(t *testing.T) {
	m := NewMatrix(2, 3)
	m.Set(0, 2, 5)
	m.Transpose()
	if m.Rows() != 3 || m.Cols() != 2 {
		t.Fatalf("transposed shape wrong: got %dx%d", m.Rows(), m.Cols())
	}
	if m.At(2, 0) != 5 {
		t.Fatalf("transposed element access wrong: got %v", m.At(2, 0))
	}
}

func TestInvertRoundTrip(t *testing.T) {
	a := NewMatrix(3, 3)
	vals := [][3]float32{{4, 7, 2}, {3, 6, 1}, {2, 5, 3}}
	for i, row := range vals {
		for j, v := range row {
			a.Set(i, j, v)
		}
	}
	inv := NewMatrix(3, 3)
	buf := make([]float32, 2*3*3)
	if err := Invert(a, inv, buf); err != nil {
		t.Fatalf("Invert failed: %v", err)
	}

	prod := NewMatrix(3, 3)
	Product(a, inv, prod)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := float32(0)
			if i == j {
				want = 1
			}
			if d := prod.At(i, j) - want; d > 1e-4 || d < -1e-4 {
				t.Fatalf("A*A^-1 not identity at (%d,%d): got %v", i, j, prod.At(i, j))
			}
		}
	}
}

func TestInvertSingularFails(t *testing.T) {
	a := NewMatrix(2, 2)
	a.Set(0, 0, 1)
	a.Set(0, 1, 2)
	a.Set(1, 0, 2)
	a.Set(1, 1, 4) // rows linearly dependent
	inv := NewMatrix(2, 2)
	buf := make([]float32, 2*2*2)
	if err := Invert(a, inv, buf); err == nil {
		t.Fatal("expected error for singular matrix, got nil")
	}
}

func TestInvertUndersizedScratchFails(t *testing.T) {
	a := NewMatrix(2, 2)
	a.Diag()
	inv := NewMatrix(2, 2)
	buf := make([]float32, 1)
	if err := Invert(a, inv, buf); err == nil {
		t.Fatal("expected error for undersized scratch buffer, got nil")
	}
}

func TestSandwichMatchesBruteForce(t *testing.T) {
	a := NewMatrix(2, 3)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			a.Set(i, j, float32(i+j+1))
		}
	}
	b := NewMatrix(3, 3)
	b.Diag()
	b.Scale(2)

	dst := NewMatrix(2, 2)
	tmp := NewMatrix(2, 3)
	Sandwich(a, b, dst, tmp)

	// brute force: aT built explicitly, two plain products
	aT := NewMatrix(3, 2)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			aT.Set(j, i, a.At(i, j))
		}
	}
	brute1 := NewMatrix(2, 3)
	Product(a, b, brute1)
	brute2 := NewMatrix(2, 2)
	Product(brute1, aT, brute2)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if dst.At(i, j) != brute2.At(i, j) {
				t.Fatalf("sandwich mismatch at (%d,%d): got %v want %v", i, j, dst.At(i, j), brute2.At(i, j))
			}
		}
	}
}

func TestSymmetrize(t *testing.T) {
	m := NewMatrix(2, 2)
	m.Set(0, 1, 1.0)
	m.Set(1, 0, 1.0002)
	Symmetrize(m)
	if m.At(0, 1) != m.At(1, 0) {
		t.Fatalf("not symmetric after Symmetrize: %v vs %v", m.At(0, 1), m.At(1, 0))
	}
}
