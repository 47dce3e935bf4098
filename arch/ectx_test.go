package arch

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestECtxSizeAlignRequireDiscovery(t *testing.T) {
	discoverECtx()
	assert.NotZero(t, ECtxSize())
	assert.NotZero(t, ECtxAlign())
}

func TestInitExtCtxRequiresSizedBuffer(t *testing.T) {
	discoverECtx()
	assert.Panics(t, func() {
		InitExtCtx(make([]byte, 1))
	})
}

func TestInitExtCtxStoreLoadRoundTrip(t *testing.T) {
	discoverECtx()
	size := ECtxSize()
	align := ECtxAlign()

	buf := alignedBuffer(size, align)
	e := InitExtCtx(buf)

	// Store/Load must not panic and must be idempotent in sequence.
	e.Store()
	e.Load()
}

// alignedBuffer returns a size-byte slice whose address is a multiple of
// align, carved out of an oversized backing array. Go's allocator gives no
// alignment guarantee above the pointer size, so this is done by hand
// rather than assumed.
func alignedBuffer(size, align uintptr) []byte {
	raw := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	pad := uintptr(0)
	if rem := base % align; rem != 0 {
		pad = align - rem
	}
	return raw[pad : pad+size]
}
