// Package arch implements the two lowest-level primitives of the
// cooperative-thread core: a machine context (Ctx, spec.md §4.1) sufficient
// for an out-of-line register switch, and the extended CPU state save area
// (ExtCtx, spec.md §4.2) used to preserve floating-point/SIMD/vector
// registers across a switch.
//
// The switch itself, and the argument-passing trampolines InitEntry0/1/2
// rely on, are real amd64 Go assembly (ctx_amd64.s) -- the one part of this
// module that is not portable Go, exactly as spec.md §9 anticipates for a
// systems-language port. Everything else in this file is architecture
// agnostic.
package arch

import (
	"unsafe"

	"github.com/gouk/unicore/internal/assert"
)

// SPAlignMask is the bitmask a stack pointer must be clear of before any
// entry function runs (spec.md invariant 4). amd64 requires 16-byte
// alignment at the point of a `call`.
const SPAlignMask = uintptr(0xf)

// Ctx is a machine context: an instruction pointer and a stack pointer.
// The field order and offsets are a public contract consumed by the
// assembly switch routine in ctx_amd64.s -- do not reorder these fields.
type Ctx struct {
	IP uintptr // offset 0
	SP uintptr // offset sizeof(uintptr)
}

// Entry0, Entry1, Entry2 are the C-ABI-shaped entry function types an
// ArchCtx may be initialized to resume into. None of them may return;
// returning from one is undefined behavior (it would resume into whatever
// garbage follows the synthesized stack frame).
type (
	Entry0 func()
	Entry1 func(arg uintptr)
	Entry2 func(arg0, arg1 uintptr)
)

// defined in ctx_amd64.s
func archSwitch(store, load *Ctx)
func archClearregsTarget() uintptr
func archCall1Target() uintptr
func archCall2Target() uintptr

// InitBare trivially sets both fields of ctx. Callers are responsible for
// sp's alignment when ip is an entry function.
func InitBare(ctx *Ctx, sp, ip uintptr) {
	assert.NotNil(ctx, "ctx")
	ctx.SP = sp
	ctx.IP = ip
}

// pushStack writes value onto the (downward-growing) stack at sp and
// returns the new stack pointer, mirroring ukarch_rstack_push.
func pushStack(sp uintptr, value uintptr) uintptr {
	sp -= unsafe.Sizeof(value)
	*(*uintptr)(unsafe.Pointer(sp)) = value
	return sp
}

// InitEntry0 prepares ctx so that the first Switch into it resumes
// execution at entry() on the given stack, with zero arguments.
//
// When keepRegs is false, a small "clear registers" trampoline runs before
// entry to zero all non-argument general registers -- preventing
// information leaks from whatever thread last owned these registers, and
// making the entry state reproducible. A stack is required in that case
// (there must be somewhere to land the trampoline's own frame).
func InitEntry0(ctx *Ctx, sp uintptr, keepRegs bool, entry Entry0) {
	assert.NotNil(ctx, "ctx")
	assert.That(keepRegs || sp != 0, "a stack is needed when clearing registers")
	assert.NotNil(entry, "entry")
	assert.That(sp&SPAlignMask == 0, "sp must be stack-aligned")

	entryPtr := entryFuncAddr0(entry)
	if keepRegs {
		InitBare(ctx, sp, entryPtr)
		return
	}
	sp = pushStack(sp, entryPtr)
	InitBare(ctx, sp, archClearregsTarget())
}

// InitEntry1 prepares ctx to resume at entry(arg).
func InitEntry1(ctx *Ctx, sp uintptr, keepRegs bool, entry Entry1, arg uintptr) {
	assert.NotNil(ctx, "ctx")
	assert.That(sp != 0, "a stack is required")
	assert.NotNil(entry, "entry")
	assert.That(sp&SPAlignMask == 0, "sp must be stack-aligned")

	entryPtr := entryFuncAddr1(entry)
	sp = pushStack(sp, entryPtr)
	sp = pushStack(sp, arg)
	if keepRegs {
		InitBare(ctx, sp, archCall1Target())
		return
	}
	sp = pushStack(sp, archCall1Target())
	InitBare(ctx, sp, archClearregsTarget())
}

// InitEntry2 prepares ctx to resume at entry(arg0, arg1).
func InitEntry2(ctx *Ctx, sp uintptr, keepRegs bool, entry Entry2, arg0, arg1 uintptr) {
	assert.NotNil(ctx, "ctx")
	assert.That(sp != 0, "a stack is required")
	assert.NotNil(entry, "entry")
	assert.That(sp&SPAlignMask == 0, "sp must be stack-aligned")

	entryPtr := entryFuncAddr2(entry)
	sp = pushStack(sp, entryPtr)
	sp = pushStack(sp, arg0)
	sp = pushStack(sp, arg1)
	if keepRegs {
		InitBare(ctx, sp, archCall2Target())
		return
	}
	sp = pushStack(sp, archCall2Target())
	InitBare(ctx, sp, archClearregsTarget())
}

// Switch performs the out-of-line context switch: callee-saved registers
// are saved into store and restored from load, then execution resumes at
// load.IP on load.SP. Caller-saved registers are clobbered by definition --
// this is a raw machine-context switch, not a Go function call, so it must
// only be invoked from code that has no live caller-saved state.
func Switch(store, load *Ctx) {
	assert.NotNil(store, "store")
	assert.NotNil(load, "load")
	archSwitch(store, load)
}
