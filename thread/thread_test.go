package thread

import (
	"errors"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gouk/unicore/inittab"
	"github.com/gouk/unicore/tls"
)

var assertErr = errors.New("forced init failure")

// testAllocator is a minimal, GC-backed Allocator for tests: it hands out
// normal Go byte slices (over-allocated and rounded up for alignments above
// what make() guarantees) and tracks each returned pointer's original slice
// so Free can be asserted against without leaking.
type testAllocator struct {
	mu   sync.Mutex
	subs map[unsafe.Pointer][]byte
	live int
}

func newTestAllocator() *testAllocator {
	return &testAllocator{subs: make(map[unsafe.Pointer][]byte)}
}

func (a *testAllocator) Malloc(size uintptr) (unsafe.Pointer, error) {
	return a.Memalign(1, size)
}

func (a *testAllocator) Memalign(align, size uintptr) (unsafe.Pointer, error) {
	if align == 0 {
		align = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	b := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&b[0]))
	aligned := (base + align - 1) &^ (align - 1)
	p := unsafe.Pointer(aligned)
	a.subs[p] = b
	a.live++
	return p, nil
}

func (a *testAllocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[p]; !ok {
		return
	}
	delete(a.subs, p)
	a.live--
}

func (a *testAllocator) outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

type fakeScheduler struct {
	blocked, woken []*Thread
}

func (s *fakeScheduler) OnBlocked(t *Thread) { s.blocked = append(s.blocked, t) }
func (s *fakeScheduler) OnWokeup(t *Thread)  { s.woken = append(s.woken, t) }

func resetTestState(t *testing.T) {
	t.Helper()
	inittab.Reset()
	SetCurrent(nil)
	tls.SetTemplate(nil, 8)
	tls.ReserveTCB(8)
}

func TestInitBareSetsRunnableOnlyWhenIPNonZero(t *testing.T) {
	resetTestState(t)

	var bare Thread
	require.NoError(t, InitBare(&bare, 0, 0, 0, false, nil, "bare", nil, nil))
	assert.False(t, bare.Flags().Has(FlagRunnable))

	var withEntry Thread
	require.NoError(t, InitBare(&withEntry, 0x1000, 0x2000, 0, false, nil, "entry", nil, nil))
	assert.True(t, withEntry.Flags().Has(FlagRunnable))
}

func TestInitBareFn0SetsRunnable(t *testing.T) {
	resetTestState(t)

	buf := make([]byte, 4096)
	sp := (uintptr(unsafe.Pointer(&buf[len(buf)-1])) + 1) &^ 0xf

	var th Thread
	fn := func() {}
	require.NoError(t, InitBareFn0(&th, fn, sp, 0, false, nil, "fn0", nil, nil))
	assert.True(t, th.Flags().Has(FlagRunnable))
}

func TestInitFn0AllocatesStackAndTLS(t *testing.T) {
	resetTestState(t)
	tls.SetTemplate([]byte{1, 2, 3, 4}, 8)
	tls.ReserveTCB(8)

	a := newTestAllocator()
	var th Thread
	require.NoError(t, InitFn0(&th, func() {}, a, 64*1024, a, "worker", nil, nil))

	assert.NotZero(t, th.mem.stack)
	assert.NotZero(t, th.mem.uktls)
	assert.True(t, th.Flags().Has(FlagUKTLS))
	assert.True(t, th.Flags().Has(FlagRunnable))
	assert.NotZero(t, th.UKTLSPointer())

	Release(&th)
	assert.Zero(t, a.outstanding())
}

func TestCreateBareAllocatesECtxThroughAllocator(t *testing.T) {
	resetTestState(t)

	a := newTestAllocator()
	th, err := CreateBare(a, 0x1000, 0x2000, 0, false, false, "bare", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, th)
	assert.NotNil(t, th.ExtCtx())
	assert.NotZero(t, th.mem.ectxAddr)

	Release(th)
	assert.Zero(t, a.outstanding())
}

func TestCreateBareSkipsECtxWhenRequested(t *testing.T) {
	resetTestState(t)

	a := newTestAllocator()
	th, err := CreateBare(a, 0x1000, 0x2000, 0, false, true, "bare-noectx", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, th.ExtCtx())
	assert.Zero(t, th.mem.ectxAddr)

	Release(th)
	assert.Zero(t, a.outstanding())
}

func TestCreateContainerThenCreateFn0IsRunnable(t *testing.T) {
	resetTestState(t)
	tls.SetTemplate([]byte{0xaa}, 8)

	a := newTestAllocator()
	th, err := CreateFn0(a, func() {}, a, 64*1024, a, false, "container-fn0", nil, nil)
	require.NoError(t, err)
	assert.True(t, th.Flags().Has(FlagRunnable))
	assert.True(t, th.Flags().Has(FlagUKTLS))

	Release(th)
	assert.Zero(t, a.outstanding())
}

func TestReleaseRunsDtorAfterTermTabBeforeFree(t *testing.T) {
	resetTestState(t)

	var order []string
	inittab.Register(inittab.Entry{
		Term: func(child inittab.Child) { order = append(order, "term") },
	})

	a := newTestAllocator()
	dtor := func(t *Thread) { order = append(order, "dtor") }
	th, err := CreateBare(a, 0x1000, 0x2000, 0, false, false, "dtor-thread", nil, dtor)
	require.NoError(t, err)

	Release(th)
	assert.Equal(t, []string{"term", "dtor"}, order)
	assert.Zero(t, a.outstanding())
}

func TestReleaseRejectsCurrentThread(t *testing.T) {
	resetTestState(t)

	var th Thread
	require.NoError(t, InitBare(&th, 0x1000, 0x2000, 0, false, nil, "self", nil, nil))
	SetCurrent(&th)
	defer SetCurrent(nil)

	assert.Panics(t, func() { Release(&th) })
}

func TestReleaseRejectsAttachedScheduler(t *testing.T) {
	resetTestState(t)

	var th Thread
	require.NoError(t, InitBare(&th, 0x1000, 0x2000, 0, false, nil, "attached", nil, nil))
	th.AttachScheduler(&fakeScheduler{})

	assert.Panics(t, func() { Release(&th) })
}

func TestBlockMarksNotRunnableAndNotifiesScheduler(t *testing.T) {
	resetTestState(t)

	var th Thread
	require.NoError(t, InitBare(&th, 0x1000, 0x2000, 0, false, nil, "blocker", nil, nil))
	sched := &fakeScheduler{}
	th.AttachScheduler(sched)

	Block(&th)
	assert.False(t, th.Flags().Has(FlagRunnable))
	assert.True(t, th.WakeupTime().IsZero())
	require.Len(t, sched.blocked, 1)
	assert.Same(t, &th, sched.blocked[0])
}

func TestBlockTimeoutSetsDeadline(t *testing.T) {
	resetTestState(t)

	var th Thread
	require.NoError(t, InitBare(&th, 0x1000, 0x2000, 0, false, nil, "timeout", nil, nil))

	before := time.Now()
	BlockTimeout(&th, 50*time.Millisecond)
	assert.True(t, th.WakeupTime().After(before))
}

func TestWakeupIsIdempotent(t *testing.T) {
	resetTestState(t)

	var th Thread
	require.NoError(t, InitBare(&th, 0x1000, 0x2000, 0, false, nil, "wakee", nil, nil))
	sched := &fakeScheduler{}
	th.AttachScheduler(sched)

	Block(&th)
	Wakeup(&th)
	Wakeup(&th)

	assert.True(t, th.Flags().Has(FlagRunnable))
	assert.Len(t, sched.woken, 1, "a second Wakeup on an already-runnable thread must not renotify")
	assert.True(t, th.WakeupTime().IsZero())
}

func TestDetachSchedulerClearsBackReference(t *testing.T) {
	resetTestState(t)

	var th Thread
	require.NoError(t, InitBare(&th, 0x1000, 0x2000, 0, false, nil, "detach", nil, nil))
	th.AttachScheduler(&fakeScheduler{})
	th.DetachScheduler()
	assert.Nil(t, th.Scheduler())
}

func TestInitTabFailureFreesCreateBareAllocations(t *testing.T) {
	resetTestState(t)

	inittab.Register(inittab.Entry{
		Init: func(child, parent inittab.Child) error { return assertErr },
	})

	a := newTestAllocator()
	_, err := CreateBare(a, 0x1000, 0x2000, 0, false, false, "will-fail", nil, nil)
	require.Error(t, err)
	assert.Zero(t, a.outstanding(), "a failed CreateBare must free everything it allocated")
}
