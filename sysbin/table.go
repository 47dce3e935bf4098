// Package sysbin implements the Linux-ABI binary syscall dispatch shim
// from spec.md §4.7, grounded on
// original_source/lib/syscall_shim/uk_syscall_binary.c.
package sysbin

import (
	"fmt"
	"sync"
)

// Regs is the register-frame view a Handler operates on: the syscall
// number, up to six Linux-ABI arguments, the return slot the dispatch
// table writes into, and the instruction pointer at the point of the
// trap, which step 4 of the shim sequence records for introspection.
type Regs struct {
	Sysno uintptr
	Arg   [6]uintptr
	Ret   uintptr
	IP    uintptr
}

// Func handles one syscall number: it reads Arg[0:N] and returns either a
// non-negative result (written to Regs.Ret) or an error translated to a
// negative errno by errno.go.
type Func func(regs *Regs) (uintptr, error)

// Table is a sysno-indexed dispatch registry, modeled on the teacher
// repository's rpc.Server service registry (see DESIGN.md): a mutex-guarded map plus a
// Register method, with a syscall number standing in for a service/method
// name.
type Table struct {
	mu    sync.RWMutex
	funcs map[uintptr]Func
}

// NewTable returns an empty dispatch table.
func NewTable() *Table {
	return &Table{funcs: make(map[uintptr]Func)}
}

// Register installs fn as the handler for sysno, replacing any existing
// registration -- callers typically do this once, from an init() function,
// the same way rpc.Server.RegisterName is called once per service.
func (t *Table) Register(sysno uintptr, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[sysno] = fn
}

// Lookup returns the handler registered for sysno, or nil.
func (t *Table) Lookup(sysno uintptr) Func {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.funcs[sysno]
}

// ErrNoSys is returned by Dispatch when no handler is registered for a
// syscall number.
type ErrNoSys struct{ Sysno uintptr }

func (e *ErrNoSys) Error() string {
	return fmt.Sprintf("sysbin: no handler registered for syscall %d", e.Sysno)
}

// Dispatch looks up and invokes the handler for regs.Sysno, the table
// lookup at the center of the seven-step sequence in shim.go.
func (t *Table) Dispatch(regs *Regs) (uintptr, error) {
	fn := t.Lookup(regs.Sysno)
	if fn == nil {
		return 0, &ErrNoSys{Sysno: regs.Sysno}
	}
	return fn(regs)
}
