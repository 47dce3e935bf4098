package thread

import (
	"sync"
	"unsafe"

	"modernc.org/memory"
)

// Allocator is the typed allocation handle spec.md §6 requires: alloc,
// alloc_aligned, free. Every allocation the core performs records which
// Allocator produced it (in Thread.mem) so release can free it through the
// same one, mirroring the original's struct uk_alloc handles.
type Allocator interface {
	Malloc(size uintptr) (unsafe.Pointer, error)
	Memalign(align, size uintptr) (unsafe.Pointer, error)
	Free(p unsafe.Pointer)
}

// memoryAllocator adapts modernc.org/memory.Allocator -- the allocator
// modernc.org/libc itself uses underneath syscall-level malloc/free, and
// this module's real-world analogue of uk_alloc -- to the Allocator
// interface above. memory.Allocator only guarantees 16-byte alignment
// directly, so alignments beyond that (TLS areas, XSAVE-aligned ExtCtx
// buffers) are obtained by over-allocating and rounding up, with the
// original oversized block tracked so Free can still hand it back.
type memoryAllocator struct {
	mu   sync.Mutex
	a    memory.Allocator
	subs map[unsafe.Pointer][]byte
}

// NewAllocator returns the default, process-wide real allocator.
func NewAllocator() Allocator {
	return &memoryAllocator{subs: make(map[unsafe.Pointer][]byte)}
}

func (m *memoryAllocator) Malloc(size uintptr) (unsafe.Pointer, error) {
	return m.Memalign(1, size)
}

func (m *memoryAllocator) Memalign(align, size uintptr) (unsafe.Pointer, error) {
	if align == 0 {
		align = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if align <= 16 {
		b, err := m.a.Malloc(int(size))
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, nil
		}
		p := unsafe.Pointer(&b[0])
		m.subs[p] = b
		return p, nil
	}

	b, err := m.a.Malloc(int(size + align))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	aligned := (base + align - 1) &^ (align - 1)
	p := unsafe.Pointer(aligned)
	m.subs[p] = b
	return p, nil
}

func (m *memoryAllocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.subs[p]
	if !ok {
		return
	}
	delete(m.subs, p)
	_ = m.a.Free(b)
}
