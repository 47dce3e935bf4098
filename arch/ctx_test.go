package arch

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// TestCtxLayout pins the field layout archSwitch's assembly depends on: IP
// at offset 0, SP immediately after it, and no padding between them.
func TestCtxLayout(t *testing.T) {
	var c Ctx
	base := unsafe.Pointer(&c)
	ipOff := uintptr(unsafe.Pointer(&c.IP)) - uintptr(base)
	spOff := uintptr(unsafe.Pointer(&c.SP)) - uintptr(base)

	assert.Equal(t, uintptr(0), ipOff)
	assert.Equal(t, unsafe.Sizeof(c.IP), spOff)
	assert.Equal(t, 2*unsafe.Sizeof(uintptr(0)), unsafe.Sizeof(c))
}

func TestInitBare(t *testing.T) {
	var c Ctx
	InitBare(&c, 0x1000, 0x2000)
	assert.EqualValues(t, 0x1000, c.SP)
	assert.EqualValues(t, 0x2000, c.IP)
}

func TestPushStack(t *testing.T) {
	buf := make([]uintptr, 4)
	top := uintptr(unsafe.Pointer(&buf[len(buf)-1])) + unsafe.Sizeof(buf[0])

	sp := pushStack(top, 0xdeadbeef)
	assert.Equal(t, top-unsafe.Sizeof(uintptr(0)), sp)
	assert.EqualValues(t, 0xdeadbeef, *(*uintptr)(unsafe.Pointer(sp)))

	sp = pushStack(sp, 0xcafef00d)
	assert.EqualValues(t, 0xcafef00d, *(*uintptr)(unsafe.Pointer(sp)))
}

func TestInitEntry0KeepRegs(t *testing.T) {
	var c Ctx
	called := false
	entry := func() { called = true }

	InitEntry0(&c, 0x1000, true, entry)
	assert.EqualValues(t, 0x1000, c.SP)
	assert.Equal(t, entryFuncAddr0(entry), c.IP)
	assert.False(t, called)
}

func TestInitEntry0ClearRegsPushesEntry(t *testing.T) {
	buf := make([]uintptr, 4)
	top := uintptr(unsafe.Pointer(&buf[len(buf)-1])) + unsafe.Sizeof(buf[0])
	var c Ctx
	entry := func() {}

	InitEntry0(&c, top, false, entry)
	assert.Equal(t, archClearregsTarget(), c.IP)
	assert.Equal(t, top-unsafe.Sizeof(uintptr(0)), c.SP)
	assert.Equal(t, entryFuncAddr0(entry), *(*uintptr)(unsafe.Pointer(c.SP)))
}

func TestInitEntry1RejectsMisalignedStack(t *testing.T) {
	var c Ctx
	assert.Panics(t, func() {
		InitEntry1(&c, 0x1001, true, func(uintptr) {}, 1)
	})
}

func TestInitEntry2PushOrder(t *testing.T) {
	buf := make([]uintptr, 8)
	top := uintptr(unsafe.Pointer(&buf[len(buf)-1])) + unsafe.Sizeof(buf[0])
	var c Ctx
	entry := func(a0, a1 uintptr) {}

	InitEntry2(&c, top, true, entry, 0x10, 0x20)
	assert.Equal(t, archCall2Target(), c.IP)

	sp := c.SP
	arg1 := *(*uintptr)(unsafe.Pointer(sp))
	arg0 := *(*uintptr)(unsafe.Pointer(sp + unsafe.Sizeof(uintptr(0))))
	entryAddr := *(*uintptr)(unsafe.Pointer(sp + 2*unsafe.Sizeof(uintptr(0))))

	assert.EqualValues(t, 0x20, arg1)
	assert.EqualValues(t, 0x10, arg0)
	assert.Equal(t, entryFuncAddr2(entry), entryAddr)
}

func TestSwitchRejectsNil(t *testing.T) {
	var c Ctx
	assert.Panics(t, func() { Switch(nil, &c) })
	assert.Panics(t, func() { Switch(&c, nil) })
}
