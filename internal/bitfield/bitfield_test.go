package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		n         int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tc := range cases {
		bf := New(tc.n)
		if got := len(bf.Bytes()); got != tc.wantBytes {
			t.Fatalf("New(%d) bytes = %d; want %d", tc.n, got, tc.wantBytes)
		}
	}
}

func TestSetIsMonotone(t *testing.T) {
	bf := New(10)

	if bf.Has(-1) || bf.Has(100) {
		t.Fatalf("Has out-of-range should be false")
	}

	for _, i := range []int{0, 7, 8, 9} {
		if !bf.Set(i) {
			t.Fatalf("Set(%d) should report a change", i)
		}
	}
	for _, i := range []int{0, 7, 8, 9} {
		if !bf.Has(i) {
			t.Fatalf("bit %d should be set", i)
		}
		if bf.Set(i) {
			t.Fatalf("Set(%d) should be idempotent", i)
		}
	}
}

func TestDecodeRejectsTrailingBits(t *testing.T) {
	// n=10 -> 2 bytes, 6 padding bits in the last byte must be zero.
	raw := []byte{0xFF, 0xC1} // lowest bit set in the padding region
	if _, err := Decode(raw, 10); err != ErrTrailingBitsSet {
		t.Fatalf("expected ErrTrailingBitsSet, got %v", err)
	}

	raw = []byte{0xFF, 0xC0}
	if _, err := Decode(raw, 10); err != nil {
		t.Fatalf("unexpected error for zero padding: %v", err)
	}
}

func TestBitfieldThenHaveEquivalence(t *testing.T) {
	a := New(8)
	a.Set(1)
	a.Set(2)

	b := New(8)
	b.ReplaceWith(a)
	b.Set(5)

	want := New(8)
	want.Set(1)
	want.Set(2)
	want.Set(5)

	for i := 0; i < 8; i++ {
		if b.Has(i) != want.Has(i) {
			t.Fatalf("bit %d: BITFIELD+HAVE diverged from union semantics", i)
		}
	}
}

func TestMissingExcludesOwned(t *testing.T) {
	bf := New(4)
	bf.Set(0)
	bf.Set(2)

	missing := bf.Missing()
	for _, id := range missing {
		if bf.Has(id) {
			t.Fatalf("block %d returned by Missing() but also owned", id)
		}
	}
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing blocks, got %d", len(missing))
	}
}

func TestCompleteTransitionsOnce(t *testing.T) {
	bf := New(2)
	if bf.Complete() {
		t.Fatalf("empty bitfield should not be complete")
	}
	bf.Set(0)
	if bf.Complete() {
		t.Fatalf("partially-owned bitfield should not be complete")
	}
	bf.Set(1)
	if !bf.Complete() {
		t.Fatalf("fully-owned bitfield should be complete")
	}
}
