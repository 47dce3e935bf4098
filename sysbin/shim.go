package sysbin

import (
	"unsafe"

	"github.com/gouk/unicore/arch"
	"github.com/gouk/unicore/thread"
	"github.com/gouk/unicore/tls"
)

// Shim implements the seven-step SyscallShim sequence from spec.md §4.7.
type Shim struct {
	table    *Table
	useUKTLS bool
	faultIP  uintptr
}

// Option configures a Shim at construction time.
type Option func(*Shim)

// WithUKTLS enables step 3 of the shim sequence (install the current
// thread's unikernel TLS pointer for the duration of the call), the Go
// stand-in for uk_syscall_binary.c's CONFIG_LIBSYSCALL_SHIM_HANDLER_ULTLS
// build-time conditional.
func WithUKTLS(enabled bool) Option {
	return func(s *Shim) { s.useUKTLS = enabled }
}

// NewShim builds a Shim dispatching through table.
func NewShim(table *Table, opts ...Option) *Shim {
	s := &Shim{table: table}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FaultIP returns the trapping instruction pointer recorded by the
// in-flight call (step 4), or 0 between calls.
func (s *Shim) FaultIP() uintptr { return s.faultIP }

// alignedScratch returns an ECtxAlign()-aligned, ECtxSize()-long slice
// carved out of a larger stack-local allocation -- the closest Go
// equivalent of the original's alloca'd, alignment-annotated local array.
func alignedScratch(size, align uintptr) []byte {
	buf := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := (align - base%align) % align
	return buf[off : off+size]
}

// Handle runs regs through the full shim sequence and returns the value
// written into regs.Ret: a non-negative syscall result, or a negated
// errno on failure.
func (s *Shim) Handle(regs *Regs) uintptr {
	// Steps 1-2: scratch ExtCtx, save current extended CPU state.
	scratch := alignedScratch(arch.ECtxSize(), arch.ECtxAlign())
	ectx := arch.InitExtCtx(scratch)

	// Step 3: optionally install the current thread's unikernel TLS
	// pointer for the duration of the call.
	var origTLS, installedTLS uintptr
	if s.useUKTLS {
		origTLS = tls.ActivePointer()
		if cur := thread.Current(); cur != nil {
			installedTLS = cur.UKTLSPointer()
			tls.SetActivePointer(installedTLS)
		}
	}

	// Step 4: record the trapping IP for introspection.
	s.faultIP = regs.IP

	// Step 5: dispatch and write the result.
	val, err := s.table.Dispatch(regs)
	regs.Ret = Result(val, err)

	// Step 6: clear the fault-IP bookkeeping, then restore the caller's
	// TLS pointer only if the syscall left it unchanged -- a syscall like
	// arch_prctl may legitimately reassign it, and that reassignment must
	// survive the shim.
	s.faultIP = 0
	if s.useUKTLS && tls.ActivePointer() == installedTLS {
		tls.SetActivePointer(origTLS)
	}

	// Step 7: restore extended CPU state.
	ectx.Load()

	return regs.Ret
}
