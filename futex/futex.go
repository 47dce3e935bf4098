// Package futex implements the WAIT/WAKE/CMP_REQUEUE primitive from
// spec.md §4.6: a single process-wide intrusive waiter list built directly
// on thread.Block/BlockTimeout/Wakeup, grounded on
// original_source/lib/ukatomic/futex.c (via lib/uksched's block/wakeup
// surface it calls into).
package futex

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	mapset "github.com/ucwong/golang-set"

	"github.com/gouk/unicore/internal/assert"
	"github.com/gouk/unicore/thread"
)

// Op mirrors the Linux futex op-code space this module implements or
// explicitly rejects.
type Op int

const (
	OpWait       Op = 0
	OpWake       Op = 1
	OpFD         Op = 2 // ENOSYS
	OpRequeue    Op = 3 // ENOSYS
	OpCmpRequeue Op = 4

	// OpWaitPrivate and OpWakePrivate are synonyms of OpWait/OpWake: this
	// module has no shared-vs-private address-space distinction to make.
	OpWaitPrivate = OpWait
	OpWakePrivate = OpWake
)

// ErrAgain is returned when a compare-load in WAIT or CMP_REQUEUE observes
// a value other than the one the caller expected ("would block").
var ErrAgain = errors.New("futex: value mismatch")

// ErrNoSys is returned for recognized-but-unimplemented op-codes.
var ErrNoSys = errors.New("futex: operation not implemented")

type waiter struct {
	addr uintptr
	t    *thread.Thread
}

var (
	mu         sync.Mutex
	waiters    = list.New()
	addrsInUse = mapset.NewSet()
)

// loadWord performs an acquire-level atomic read of the 32-bit word at
// addr, matching §4.6's ordering guarantee for WAIT's compare-load and
// CMP_REQUEUE's comparison.
func loadWord(addr uintptr) uint32 {
	assert.That(addr != 0, "futex address must not be null")
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(addr))) //nolint:govet
}

// enqueue adds a waiter for addr and returns the list element so Wait can
// remove it unconditionally after waking.
func enqueue(addr uintptr, t *thread.Thread) *list.Element {
	mu.Lock()
	defer mu.Unlock()
	addrsInUse.Add(addr)
	return waiters.PushBack(&waiter{addr: addr, t: t})
}

func dequeue(elem *list.Element) {
	mu.Lock()
	defer mu.Unlock()
	w := elem.Value.(*waiter)
	waiters.Remove(elem)
	for e := waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter).addr == w.addr {
			return
		}
	}
	addrsInUse.Remove(w.addr)
}

// Wait implements the WAIT op-code (spec.md §4.6): compare-load addr
// against val, enqueue and block if they match, dequeue unconditionally
// once the scheduler resumes this thread.
//
// Matching §9's preserved-as-is behavior, Wait returns success (nil)
// whether it was woken by Wake/CmpRequeue or by timeout expiry -- the
// caller cannot distinguish the two at this layer.
func Wait(addr uintptr, val uint32, timeout *time.Duration) error {
	if loadWord(addr) != val {
		return ErrAgain
	}

	self := thread.Current()
	assert.NotNil(self, "futex.Wait requires a current thread")

	elem := enqueue(addr, self)
	if timeout != nil {
		thread.BlockTimeout(self, *timeout)
	} else {
		thread.Block(self)
	}

	// Control returns here only once the scheduler has resumed this
	// thread, i.e. after Wakeup (directly, or via a scheduler-driven
	// timeout wakeup).
	dequeue(elem)
	return nil
}

// Wake implements the WAKE op-code: wake up to val waiters blocked on addr,
// in enqueue order, returning the count actually woken.
func Wake(addr uintptr, val int) int {
	if val == 0 {
		return 0
	}
	if !addrsInUse.Contains(addr) {
		return 0
	}

	mu.Lock()
	var woken []*thread.Thread
	for e := waiters.Front(); e != nil && len(woken) < val; e = e.Next() {
		w := e.Value.(*waiter)
		if w.addr == addr {
			woken = append(woken, w.t)
		}
	}
	mu.Unlock()

	for _, t := range woken {
		thread.Wakeup(t)
	}
	return len(woken)
}

// CmpRequeue implements the CMP_REQUEUE op-code: verify addr still equals
// val3, then wake up to val waiters on addr exactly as Wake does.
//
// The requeue-onto-addr2 half of the real Linux CMP_REQUEUE (moving
// further waiters, up to val2, from addr to addr2 without waking them) is
// deferred (spec.md §9, Open Question 2): addr2 and val2 are accepted for
// ABI compatibility but never consulted.
func CmpRequeue(addr uintptr, val int, val3 uint32, addr2 uintptr, val2 int) (int, error) {
	_ = addr2
	_ = val2
	if loadWord(addr) != val3 {
		return 0, ErrAgain
	}
	return Wake(addr, val), nil
}

// Dispatch routes a raw (op, addr, val, timeout, addr2, val3) tuple to the
// appropriate operation, matching the shape a binary syscall shim hands
// off: it returns a non-negative result on success or an error identifying
// which negative errno the caller should report.
func Dispatch(op Op, addr uintptr, val uint32, timeout *time.Duration, addr2 uintptr, val3 uint32) (int, error) {
	switch op {
	case OpWait, OpWaitPrivate:
		if err := Wait(addr, val, timeout); err != nil {
			return 0, err
		}
		return 0, nil
	case OpWake, OpWakePrivate:
		return Wake(addr, int(val)), nil
	case OpCmpRequeue:
		return CmpRequeue(addr, int(val), val3, addr2, 0)
	default:
		return 0, ErrNoSys
	}
}
