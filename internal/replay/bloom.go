// Package replay implements the per-rotation bloom-filter replay protection
// described in SPEC_FULL.md §4.3. Only the scalar bitmap is implemented:
// original_source's common/nym-lp/src/replay/simd/arm.rs treats NEON/AVX2 as
// an accelerated path over the same scalar contract, and the design notes
// are explicit that SIMD is optional while the scalar form is the spec.
package replay

import (
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Verdict is the result of a check_and_mark call.
type Verdict int

const (
	// Fresh indicates at least one bit was newly set by this call.
	Fresh Verdict = iota
	// Replay indicates every bit the tag hashes to was already set.
	Replay
)

// Filter is a lock-free bloom filter sized for one rotation's expected
// packet budget B and target false-positive rate epsilon.
//
// Bits are packed little-endian within each 64-bit word. Concurrent
// check_and_mark calls are safe: the contract is word-wise lock-free OR,
// not true at-most-once — two parallel marks of the same tag may each
// observe a freshly-set bit and both return Fresh, but any mark issued
// after both have completed observes Replay.
type Filter struct {
	RotationID uint32

	bits []atomic.Uint64
	m    uint64 // total bit count
	k    uint64 // hash function count
}

// NewFilter allocates a filter for rotationID sized for an expected
// packet budget B and target false-positive rate epsilon, using
// m = -B*ln(epsilon)/ln(2)^2, k = (m/B)*ln(2), both rounded up (k at
// least 1).
func NewFilter(rotationID uint32, budget uint64, epsilon float64) *Filter {
	b := float64(budget)
	if b < 1 {
		b = 1
	}

	m := uint64(math.Ceil(-b * math.Log(epsilon) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}

	k := uint64(math.Ceil((float64(m) / b) * math.Ln2))
	if k < 1 {
		k = 1
	}

	nwords := (m + 63) / 64

	return &Filter{
		RotationID: rotationID,
		bits:       make([]atomic.Uint64, nwords),
		m:          nwords * 64,
		k:          k,
	}
}

// Bits reports the total bitmap size in bits (rounded up to a whole
// number of 64-bit words).
func (f *Filter) Bits() uint64 { return f.m }

// HashCount reports the number of hash functions (k) used per tag.
func (f *Filter) HashCount() uint64 { return f.k }

// positions computes the two independent hashes feeding the
// Kirsch-Mitzenmacher enhanced double-hashing scheme: h_i(x) = h1(x) +
// i*h2(x) mod m.
func positions(tag [32]byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(tag[:])

	var salted [33]byte
	copy(salted[:32], tag[:])
	salted[32] = 0x5a
	h2 = xxhash.Sum64(salted[:])

	return h1, h2
}

// CheckAndMark hashes tag with k independent hash functions, checks all k
// bit positions, and sets any that were clear. Returns Fresh iff at least
// one bit was newly set by this call.
func (f *Filter) CheckAndMark(tag [32]byte) Verdict {
	h1, h2 := positions(tag)

	anyNew := false
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		word, bit := pos/64, pos%64
		if setBit(&f.bits[word], bit) {
			anyNew = true
		}
	}

	if anyNew {
		return Fresh
	}
	return Replay
}

// setBit atomically sets bit within w via a compare-and-swap loop (the
// stdlib atomic.Uint64 has no native Or). Returns true iff the bit
// transitioned from clear to set.
func setBit(w *atomic.Uint64, bit uint64) bool {
	mask := uint64(1) << bit

	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}
