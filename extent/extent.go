// Package extent implements the two extent representations the cache
// works with -- half-open image extents and inclusive block extents --
// and the overlap test between them.
//
// An image extent identifies a client-visible range by (offset,
// length); a block extent identifies the same range by (start, end),
// both inclusive. The cache guards and indexes block extents but talks
// to callers and the lower tier in image extents.
package extent

import "fmt"

// Image is a half-open byte range [Offset, Offset+Length).
type Image struct {
	Offset uint64
	Length uint64
}

// End returns the exclusive end of the image extent.
func (e Image) End() uint64 {
	return e.Offset + e.Length
}

func (e Image) String() string {
	return fmt.Sprintf("[%d,%d)", e.Offset, e.End())
}

// Block is an inclusive byte range [Start, End].
type Block struct {
	Start uint64
	End   uint64
}

func (b Block) String() string {
	return fmt.Sprintf("[%d,%d]", b.Start, b.End)
}

// ToBlock converts an image extent to its inclusive block-extent form.
// Length must be > 0.
func ToBlock(e Image) Block {
	if e.Length == 0 {
		panic("extent: zero-length image extent")
	}
	return Block{Start: e.Offset, End: e.Offset + e.Length - 1}
}

// ToImage converts a block extent back to image-extent form.
func ToImage(b Block) Image {
	return Image{Offset: b.Start, Length: b.End - b.Start + 1}
}

// Len returns the number of bytes covered by b.
func (b Block) Len() uint64 {
	return b.End - b.Start + 1
}

// Overlaps reports whether a and b share at least one byte.
func (a Block) Overlaps(b Block) bool {
	return a.Start <= b.End && b.Start <= a.End
}

// Contains reports whether a fully covers b.
func (a Block) Contains(b Block) bool {
	return a.Start <= b.Start && b.End <= a.End
}

// Covering returns the smallest block extent containing every extent
// in exts. Panics if exts is empty.
func Covering(exts []Image) Block {
	if len(exts) == 0 {
		panic("extent: covering of no extents")
	}
	cov := ToBlock(exts[0])
	for _, e := range exts[1:] {
		b := ToBlock(e)
		if b.Start < cov.Start {
			cov.Start = b.Start
		}
		if b.End > cov.End {
			cov.End = b.End
		}
	}
	return cov
}
