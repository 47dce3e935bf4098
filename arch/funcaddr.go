package arch

import "reflect"

// entryFuncAddrN resolves a Go func value to the code address the
// synthesized stack frame should jump to. This mirrors taking the address
// of a C function pointer -- Go normally hides this, but a cooperative
// thread core needs the raw entry point to build the initial stack image,
// the same way the runtime's own funcPC trick does internally.
func entryFuncAddr0(f Entry0) uintptr { return reflect.ValueOf(f).Pointer() }
func entryFuncAddr1(f Entry1) uintptr { return reflect.ValueOf(f).Pointer() }
func entryFuncAddr2(f Entry2) uintptr { return reflect.ValueOf(f).Pointer() }
