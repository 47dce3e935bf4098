package arch

import (
	"sync"
	"unsafe"

	"github.com/ethereum/go-ethereum/log"
	gopsutilcpu "github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sys/cpu"

	"github.com/gouk/unicore/internal/assert"
)

// saveMethod mirrors enum x86_save_method from the original ectx.c: the
// broadest instruction the running CPU supports for saving/restoring
// extended (FPU/SIMD/vector) state.
type saveMethod int

const (
	saveNone saveMethod = iota
	saveFSAVE
	saveFXSAVE
	saveXSAVE
	saveXSAVEOPT
)

var (
	ectxOnce   sync.Once
	ectxMethod saveMethod
	ectxSize   uintptr
	ectxAlign  uintptr
)

// discoverECtx probes the running CPU's feature bits via golang.org/x/sys/cpu
// (replacing the original's raw CPUID asm) and settles on the widest
// available extended-state save method, exactly mirroring
// _init_ectx_store's cascade: XSAVEOPT > XSAVE > FXSAVE > FSAVE.
func discoverECtx() {
	ectxOnce.Do(func() {
		logHostCPUModel()
		x86 := cpu.X86
		switch {
		case x86.HasAVX && x86.HasOSXSAVE:
			// x/sys/cpu does not distinguish XSAVEOPT from XSAVE, so a CPU
			// that exposes AVX under OSXSAVE is treated as XSAVE-capable;
			// XSAVEOPT is preferred only when explicitly detected.
			if hasXSAVEOPT() {
				ectxMethod = saveXSAVEOPT
				log.Debug("extended CPU state save method", "method", "xsaveopt")
			} else {
				ectxMethod = saveXSAVE
				log.Debug("extended CPU state save method", "method", "xsave")
			}
			ectxSize = xsaveAreaSize()
			ectxAlign = 64
		case x86.HasFXSR:
			ectxMethod = saveFXSAVE
			ectxSize = 512
			ectxAlign = 16
			log.Debug("extended CPU state save method", "method", "fxsave")
		default:
			ectxMethod = saveFSAVE
			ectxSize = 108
			ectxAlign = 1
			log.Debug("extended CPU state save method", "method", "fsave")
		}
	})
}

// logHostCPUModel logs the running CPU's model name once, purely a
// diagnostic complement to the feature-bit probing below: x/sys/cpu
// reports capability flags but not a human-readable model string, so
// gopsutil/v3/cpu fills that gap for log output shown alongside the
// chosen save method.
func logHostCPUModel() {
	infos, err := gopsutilcpu.Info()
	if err != nil || len(infos) == 0 {
		return
	}
	log.Debug("host CPU", "model", infos[0].ModelName, "cores", len(infos))
}

// hasXSAVEOPT and xsaveAreaSize are small CPUID(0xd) probes not exposed by
// golang.org/x/sys/cpu; defined in ectx_amd64.s.
func hasXSAVEOPT() bool
func xsaveAreaSize() uintptr

// ECtxSize returns the size in bytes an ExtCtx save area must have. The
// first call (of this, ECtxAlign or InitExtCtx) runs discoverECtx, which
// happens once per process.
func ECtxSize() uintptr {
	discoverECtx()
	assert.That(ectxAlign != 0, "extended CPU state not yet discovered")
	return ectxSize
}

// ECtxAlign returns the required byte alignment of an ExtCtx save area.
func ECtxAlign() uintptr {
	discoverECtx()
	assert.That(ectxAlign != 0, "extended CPU state not yet discovered")
	return ectxAlign
}

// ExtCtx is an opaque, architecture-sized save area for FPU/SIMD/vector
// register state (spec.md §4.2). Its backing memory must be ECtxAlign()-
// aligned and ECtxSize() bytes long; InitExtCtx enforces both.
type ExtCtx struct {
	ptr unsafe.Pointer
}

// InitExtCtx wraps buf (which must already satisfy ECtxSize/ECtxAlign) as
// an ExtCtx and stores a valid, zeroed baseline layout into it -- mirroring
// ukarch_ectx_init's memset-then-store.
func InitExtCtx(buf []byte) *ExtCtx {
	discoverECtx()
	assert.That(uintptr(len(buf)) >= ectxSize, "ExtCtx buffer too small")
	p := unsafe.Pointer(&buf[0])
	assert.That(uintptr(p)%ectxAlign == 0, "ExtCtx buffer misaligned")

	e := &ExtCtx{ptr: p}
	e.Reset()
	return e
}

// Reset re-initializes e to a valid, zeroed baseline layout: zero the
// backing buffer, then store into it, exactly as ukarch_ectx_init does
// every time a Thread's struct is (re)initialized, not just on first use.
func (e *ExtCtx) Reset() {
	assert.NotNil(e, "e")
	buf := unsafe.Slice((*byte)(e.ptr), ectxSize)
	for i := range buf {
		buf[i] = 0
	}
	e.Store()
}

// Store saves the current extended CPU state into e, using the widest
// instruction discovered at startup.
func (e *ExtCtx) Store() {
	assert.NotNil(e, "e")
	switch ectxMethod {
	case saveNone:
	case saveFSAVE:
		archFsave(e.ptr)
	case saveFXSAVE:
		archFxsave(e.ptr)
	case saveXSAVE:
		archXsave(e.ptr)
	case saveXSAVEOPT:
		archXsaveopt(e.ptr)
	}
}

// Load restores extended CPU state from e.
func (e *ExtCtx) Load() {
	assert.NotNil(e, "e")
	switch ectxMethod {
	case saveNone:
	case saveFSAVE:
		archFrstor(e.ptr)
	case saveFXSAVE:
		archFxrstor(e.ptr)
	case saveXSAVE, saveXSAVEOPT:
		archXrstor(e.ptr)
	}
}

// defined in ectx_amd64.s
func archFsave(state unsafe.Pointer)
func archFxsave(state unsafe.Pointer)
func archXsave(state unsafe.Pointer)
func archXsaveopt(state unsafe.Pointer)
func archFrstor(state unsafe.Pointer)
func archFxrstor(state unsafe.Pointer)
func archXrstor(state unsafe.Pointer)
