package book

import "sort"

// keyIndex maintains quantized price keys in canonical iteration order:
// descending for bids, ascending for asks. Inserts and removes keep the
// slice sorted so depth reads are a copy, not a sort.
type keyIndex struct {
	keys []int64
	desc bool
}

// rank returns the position where key sits, or would be inserted.
func (ix *keyIndex) rank(key int64) int {
	if ix.desc {
		return sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] <= key })
	}
	return sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] >= key })
}

func (ix *keyIndex) insert(key int64) {
	i := ix.rank(key)
	if i < len(ix.keys) && ix.keys[i] == key {
		return
	}
	ix.keys = append(ix.keys, 0)
	copy(ix.keys[i+1:], ix.keys[i:])
	ix.keys[i] = key
}

func (ix *keyIndex) remove(key int64) {
	i := ix.rank(key)
	if i >= len(ix.keys) || ix.keys[i] != key {
		return
	}
	ix.keys = append(ix.keys[:i], ix.keys[i+1:]...)
}

// top returns up to n keys in canonical order. n <= 0 returns none; n past
// the available depth returns everything.
func (ix *keyIndex) top(n int) []int64 {
	if n < 0 {
		n = 0
	}
	if n > len(ix.keys) {
		n = len(ix.keys)
	}
	out := make([]int64, n)
	copy(out, ix.keys[:n])
	return out
}

func (ix *keyIndex) best() (int64, bool) {
	if len(ix.keys) == 0 {
		return 0, false
	}
	return ix.keys[0], true
}

func (ix *keyIndex) len() int {
	return len(ix.keys)
}

func (ix *keyIndex) reset() {
	ix.keys = ix.keys[:0]
}
