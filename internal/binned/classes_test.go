package binned

import "testing"

func TestBuildClassesLadderShape(t *testing.T) {
	sizes := buildClasses()
	if got, want := len(sizes), 16+8+56; got != want {
		t.Fatalf("expected %d classes, got %d", want, got)
	}
	if sizes[0] != 16 {
		t.Fatalf("expected first class 16, got %d", sizes[0])
	}
	if last := sizes[len(sizes)-1]; last != maxSmall {
		t.Fatalf("expected last class %d, got %d", maxSmall, last)
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] <= sizes[i-1] {
			t.Fatalf("ladder not strictly increasing at index %d: %d <= %d", i, sizes[i], sizes[i-1])
		}
	}
}

func TestBuildSizeTableRoundsUpToNearestClass(t *testing.T) {
	sizes := buildClasses()
	table := buildSizeTable(sizes)

	if table[0] != -1 {
		t.Fatalf("expected size 0 to map to -1, got %d", table[0])
	}
	if got := sizes[table[1]]; got != 16 {
		t.Fatalf("expected size 1 to round up to class 16, got %d", got)
	}
	if got := sizes[table[256]]; got != 256 {
		t.Fatalf("expected exact size 256 to map to class 256, got %d", got)
	}
	if got := sizes[table[257]]; got != 288 {
		t.Fatalf("expected size 257 to round up to class 288, got %d", got)
	}
	if got := sizes[table[maxSmall]]; got != maxSmall {
		t.Fatalf("expected maxSmall to map to the top class, got %d", got)
	}
}

func TestLowestSetBitIsNaturalAlignment(t *testing.T) {
	cases := map[uintptr]uintptr{
		16:  16,
		32:  32,
		48:  16,
		288: 32,
		576: 64,
		0:   0,
	}
	for in, want := range cases {
		if got := lowestSetBit(in); got != want {
			t.Fatalf("lowestSetBit(%d) = %d, want %d", in, got, want)
		}
	}
}
