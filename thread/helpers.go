package thread

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/gouk/unicore/arch"
)

// ErrNoMem is the sentinel wrapped into every allocation failure this
// package returns, matching the "resource errors" category in spec.md §7:
// every init_*/create_* entry surfaces allocation failure as this error
// (or a value wrapping it), never a bare nil-pointer panic.
var ErrNoMem = errors.New("thread: out of memory")

func nonNilErr(err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoMem, err)
	}
	return ErrNoMem
}

func uintptrOf(p unsafe.Pointer) uintptr { return uintptr(p) }
func pointerOf(u uintptr) unsafe.Pointer { return unsafe.Pointer(u) } //nolint:govet

func bytesAt(addr uintptr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func freeStack(a Allocator, stack uintptr) {
	if a != nil && stack != 0 {
		a.Free(pointerOf(stack))
	}
}

// genSP computes the initial stack pointer for a freshly allocated,
// downward-growing stack: the highest address in the region, rounded down
// to satisfy arch.SPAlignMask, mirroring ukarch_gen_sp.
func genSP(stackBase uintptr, stackLen uintptr) uintptr {
	top := stackBase + stackLen
	return top &^ arch.SPAlignMask
}

// allocECtx allocates an ExtCtx buffer through a, returning both the
// initialized ExtCtx and the raw address backing it (needed later to free
// it through the same allocator). skip suppresses allocation entirely
// (ectx not wanted, or co-allocated elsewhere, e.g. with TLS).
func allocECtx(a Allocator, skip bool) (*arch.ExtCtx, uintptr, error) {
	if skip {
		return nil, 0, nil
	}
	size := arch.ECtxSize()
	align := arch.ECtxAlign()

	p, err := a.Memalign(align, size)
	if err != nil || p == nil {
		return nil, 0, nonNilErr(err)
	}
	addr := uintptrOf(p)
	return arch.InitExtCtx(bytesAt(addr, size)), addr, nil
}

func freeECtx(a Allocator, addr uintptr) {
	if a != nil && addr != 0 {
		a.Free(pointerOf(addr))
	}
}
