package thread

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"

	"github.com/gouk/unicore/arch"
)

// TestGenSPAlwaysSatisfiesAlignmentInvariant property-tests genSP across
// randomized stack base addresses and lengths: the returned pointer must
// always land inside [stackBase, stackBase+stackLen] and clear
// arch.SPAlignMask, the stack-pointer invariant spec.md §4.1 requires of
// any freshly synthesized context.
func TestGenSPAlwaysSatisfiesAlignmentInvariant(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 1)

	for i := 0; i < 200; i++ {
		var baseLow uint32
		var lenVal uint32
		f.Fuzz(&baseLow)
		f.Fuzz(&lenVal)

		base := (uintptr(baseLow) | 0x1000) &^ arch.SPAlignMask
		length := uintptr(lenVal)%(1<<20) + arch.SPAlignMask + 1

		sp := genSP(base, length)
		assert.Zero(t, sp&arch.SPAlignMask, "sp must satisfy SPAlignMask")
		assert.GreaterOrEqual(t, sp, base)
		assert.LessOrEqual(t, sp, base+length)
	}
}

// TestAlignUpIsIdempotentAndMonotonic property-tests alignUp across
// randomized values and power-of-two alignments.
func TestAlignUpIsIdempotentAndMonotonic(t *testing.T) {
	f := fuzz.New().NilChance(0)
	aligns := []uintptr{1, 2, 4, 8, 16, 32, 64}

	for i := 0; i < 200; i++ {
		var v uint32
		f.Fuzz(&v)
		align := aligns[int(v)%len(aligns)]

		got := alignUp(uintptr(v), align)
		assert.GreaterOrEqual(t, got, uintptr(v))
		assert.Zero(t, got%align)
		assert.Equal(t, got, alignUp(got, align), "alignUp must be idempotent once aligned")
	}
}
