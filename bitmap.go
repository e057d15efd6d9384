package jms

import (
	"math"
	"math/bits"
)

// bitmap is a lazily initialized allocator of numbers from
// 0 up to and including max.
type bitmap struct {
	max  uint32
	bits []uint64
}

// add sets n in the bitmap.
//
// returns false if n is out of range or already set
func (b *bitmap) add(n uint32) bool {
	if n > b.max {
		return false
	}
	var (
		idx    = n / 64
		offset = n % 64
	)
	if len(b.bits) <= int(idx) {
		b.bits = append(b.bits, make([]uint64, int(idx)+1-len(b.bits))...)
	}
	if b.bits[idx]&(1<<offset) != 0 {
		return false // already set
	}
	b.bits[idx] |= 1 << offset
	return true
}

// remove clears n from the bitmap.
func (b *bitmap) remove(n uint32) {
	var (
		idx    = n / 64
		offset = n % 64
	)
	if len(b.bits) <= int(idx) {
		return
	}
	b.bits[idx] &^= 1 << offset
}

// next sets and returns the lowest unset bit.
//
// returns false if the bitmap has no unset bits below max
func (b *bitmap) next() (uint32, bool) {
	// find the first unset bit
	for i, v := range b.bits {
		// skip if all bits are set
		if v == math.MaxUint64 {
			continue
		}

		var (
			offset = bits.TrailingZeros64(^v) // invert and count zeroes
			n      = uint32(i)*64 + uint32(offset)
		)

		// check if in range
		if n > b.max {
			return 0, false
		}

		b.bits[i] |= 1 << uint32(offset) // set bit
		return n, true
	}

	// no unset bits in the current slice,
	// add a new uint64 to the slice
	if uint64(len(b.bits))*64 > uint64(b.max) {
		return 0, false
	}
	b.bits = append(b.bits, 1)

	// and return the first bit of the new uint64
	return uint32(len(b.bits)-1) * 64, true
}
