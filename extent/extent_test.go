package extent

import "testing"

func TestToBlockToImage(t *testing.T) {
	img := Image{Offset: 4096, Length: 8192}
	blk := ToBlock(img)
	if blk.Start != 4096 || blk.End != 12287 {
		t.Fatalf("bad block extent: %v", blk)
	}
	back := ToImage(blk)
	if back != img {
		t.Fatalf("round trip mismatch: got %v want %v", back, img)
	}
}

func TestOverlaps(t *testing.T) {
	a := Block{Start: 0, End: 4095}
	b := Block{Start: 4096, End: 8191}
	if a.Overlaps(b) {
		t.Fatalf("adjacent non-overlapping extents reported as overlapping")
	}
	c := Block{Start: 4000, End: 5000}
	if !a.Overlaps(c) || !b.Overlaps(c) {
		t.Fatalf("expected overlap with straddling extent")
	}
}

func TestContains(t *testing.T) {
	outer := Block{Start: 0, End: 100}
	inner := Block{Start: 10, End: 20}
	if !outer.Contains(inner) {
		t.Fatalf("expected outer to contain inner")
	}
	if outer.Contains(Block{Start: 90, End: 110}) {
		t.Fatalf("did not expect partial overlap to count as contains")
	}
}

func TestCovering(t *testing.T) {
	exts := []Image{
		{Offset: 4096, Length: 4096},
		{Offset: 0, Length: 1024},
		{Offset: 20000, Length: 100},
	}
	cov := Covering(exts)
	if cov.Start != 0 || cov.End != 20099 {
		t.Fatalf("bad covering extent: %v", cov)
	}
}
