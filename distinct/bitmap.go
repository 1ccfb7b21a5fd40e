package distinct

import "github.com/bits-and-blooms/bitset"

type bitmap struct {
	bits *bitset.BitSet
}

func newBitmap() *bitmap {
	return &bitmap{bits: bitset.New(256)}
}

func (b *bitmap) insert(v []byte) bool {
	k := uint(v[0])
	if b.bits.Test(k) {
		return false
	}
	b.bits.Set(k)
	return true
}

func (b *bitmap) appendSorted(dst []byte) []byte {
	for k, ok := b.bits.NextSet(0); ok; k, ok = b.bits.NextSet(k + 1) {
		dst = append(dst, byte(k))
	}
	return dst
}

func (b *bitmap) reset() {
	b.bits.ClearAll()
}

func (b *bitmap) size() int {
	return 256 / 8
}
