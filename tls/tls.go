// Package tls builds per-thread TLS areas (spec.md §4.3) from a build-time
// template image, mirroring include/uk/arch/tls.h and the TCB-reservation
// contract of lib/uksched/include/uk/tcb_impl.h.
//
// Where the original relies on linker symbols (__tls_start/__tls_end) for
// the template and a Makefile.uk call (uksched_tcb_reserve) for the TCB
// size, this package takes both as runtime registrations: SetTemplate and
// ReserveTCB. A real Go unikernel port would populate the template from its
// own linked .tdata/.tbss equivalent at startup; tests populate it
// directly.
package tls

import (
	"sync"
	"unsafe"

	"github.com/ethereum/go-ethereum/log"
	sysconf "github.com/tklauser/go-sysconf"

	"github.com/gouk/unicore/internal/assert"
)

const pointerSize = unsafe.Sizeof(uintptr(0))

var (
	mu            sync.RWMutex
	templateImage []byte
	templateAlign uintptr = pointerSize
	tcbReserved   uintptr = pointerSize
)

// SetTemplate registers the TLS template image (the initial contents of
// .tdata followed by zero-filled .tbss) and its required alignment. Must be
// called once before any thread's TLS area is built; core.Core's
// SetTLSTemplate does this before Start.
func SetTemplate(image []byte, align uintptr) {
	assert.That(align != 0 && align&(align-1) == 0, "tls template alignment must be a power of two")
	logIfBeyondPageSize(align)
	mu.Lock()
	defer mu.Unlock()
	templateImage = image
	templateAlign = align
}

// logIfBeyondPageSize is a diagnostic check with no original-source
// counterpart (the original runs on a platform with a fixed, known page
// size): an alignment request wider than the host page size is unusual
// enough to be worth a debug log.
func logIfBeyondPageSize(align uintptr) {
	pageSize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return
	}
	if align > uintptr(pageSize) {
		log.Debug("tls template alignment exceeds host page size", "align", align, "page_size", pageSize)
	}
}

// ReserveTCB registers the size of the thread control block a foreign
// runtime (a libc, a pthread emulation) wants reserved in every thread's
// TLS area, starting at the TLS pointer right after the template image
// (see Pointer). The first pointerSize bytes of that
// reservation are always the TLS self-pointer; size must cover at least
// that much. This stands in for the build-time uksched_tcb_reserve call.
func ReserveTCB(size uintptr) {
	assert.That(size >= pointerSize, "TCB reservation must be at least one pointer wide")
	mu.Lock()
	defer mu.Unlock()
	tcbReserved = size
}

// AreaSize returns the total allocation size required for one thread's TLS
// area: the template image plus the registered TCB reservation.
func AreaSize() uintptr {
	mu.RLock()
	defer mu.RUnlock()
	return uintptr(len(templateImage)) + tcbReserved
}

// AreaAlign returns the required alignment of a TLS area allocation.
func AreaAlign() uintptr {
	mu.RLock()
	defer mu.RUnlock()
	if templateAlign > pointerSize {
		return templateAlign
	}
	return pointerSize
}

// TCBSize returns the currently registered TCB reservation, as exposed by
// uk_thread_uktcb_size in the original.
func TCBSize() uintptr {
	mu.RLock()
	defer mu.RUnlock()
	return tcbReserved
}

// Pointer returns the ABI-visible TLS pointer within area: the address
// immediately following the template image, where the TCB (and its
// leading self-pointer) begins.
func Pointer(area unsafe.Pointer) uintptr {
	assert.NotNil(area, "area")
	mu.RLock()
	off := uintptr(len(templateImage))
	mu.RUnlock()
	return uintptr(area) + off
}

// Copy initializes area (which must be AreaSize() bytes, AreaAlign()-
// aligned) by copying the template image into its head and writing the
// TLS self-pointer at the pointer returned by Pointer(area): the TLS-ABI
// invariant that *(uintptr*)tlsp == tlsp.
func Copy(area unsafe.Pointer) {
	assert.NotNil(area, "area")
	assert.That(uintptr(area)%AreaAlign() == 0, "tls area must be aligned")

	mu.RLock()
	img := templateImage
	mu.RUnlock()

	if len(img) > 0 {
		dst := unsafe.Slice((*byte)(area), len(img))
		copy(dst, img)
	}

	tlsp := Pointer(area)
	*(*uintptr)(unsafe.Pointer(tlsp)) = tlsp
}

// TCB returns the thread control block reserved within a TLS area whose
// pointer is tlsp. As defined by the TLS ABI, the TCB begins exactly at
// tlsp -- this mirrors the uk_thread_uktcb macro, which is a type-cast, not
// a computation.
func TCB(tlsp uintptr) unsafe.Pointer {
	assert.That(tlsp != 0, "tlsp must not be null")
	return unsafe.Pointer(tlsp)
}

var active uintptr

// ActivePointer returns the platform's currently active TLS pointer,
// standing in for ukplat_tlsp_get(). There is no real TLS register to read
// in Go; the scheduler loop is single-goroutine cooperative (spec.md §6),
// so a package-level variable fills the same role.
func ActivePointer() uintptr {
	return active
}

// SetActivePointer sets the platform's active TLS pointer, standing in for
// ukplat_tlsp_set(). InitTab traversal uses this to temporarily activate a
// child thread's TLS around its init/term callbacks.
func SetActivePointer(tlsp uintptr) {
	active = tlsp
}
