// Package thread implements the Thread object from spec.md §4.5: ownership
// of stack, TLS, extended-context buffer and arch context, the six
// init/create entry points, and block/wakeup/release, grounded on
// lib/uksched/thread.c.
package thread

import (
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fjl/memsize"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gouk/unicore/arch"
	"github.com/gouk/unicore/inittab"
	"github.com/gouk/unicore/internal/assert"
	utls "github.com/gouk/unicore/tls"
)

// Scheduler is the collaborator Thread consumes for blocking/wakeup
// notifications (spec.md §6); the currently running thread is tracked
// separately through Current/SetCurrent. Thread never picks what runs
// next -- it only reports state transitions.
type Scheduler interface {
	OnBlocked(t *Thread)
	OnWokeup(t *Thread)
}

// Dtor is a user-supplied destructor, run during Release after InitTab
// term callbacks but before TLS/stack/struct memory is freed.
type Dtor func(t *Thread)

// mem tracks the allocator handle paired with each pointer Thread owns, so
// Release can free each through the allocator that produced it -- a nil
// handle means the pointer is externally owned and must not be freed.
//
// Unlike the original's struct uk_thread, which is itself malloc'd by the
// same uk_alloc used for stack/TLS, the Go Thread struct is always a normal
// GC-managed allocation: its fields include a mutex, interfaces and func
// values that must stay visible to the Go garbage collector, which a raw
// Allocator-backed byte buffer cannot provide. tA is kept only so
// CreateBare/CreateContainer/CreateFnN can record which Allocator a caller
// associated with the thread (for diagnostics/parity with the construction
// API); Release never frees through it.
type mem struct {
	stack    uintptr
	stackLen uintptr
	stackA   Allocator

	uktls  uintptr
	uktlsA Allocator

	// ectxAddr/ectxA are only set when an ExtCtx buffer was allocated on
	// its own (CreateBare, or CreateContainer without a TLS allocator);
	// when ExtCtx is co-allocated with TLS it is freed as part of uktls.
	ectxAddr uintptr
	ectxA    Allocator

	tA Allocator
}

// Thread is the cooperative-thread-core's schedulable, blockable unit.
type Thread struct {
	mu sync.Mutex

	ctx  arch.Ctx
	ectx *arch.ExtCtx

	tlsp   uintptr
	uktlsp uintptr

	flags Flags

	name string
	priv interface{}
	dtor Dtor

	mem mem

	wakeupTime time.Time

	sched Scheduler
}

var (
	currentMu sync.Mutex
	current   *Thread
)

// Current returns the thread the scheduler currently runs, or nil during
// pre-scheduler bootstrap. This is the Go stand-in for uk_thread_current().
func Current() *Thread {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// SetCurrent is called by a scheduler implementation whenever it switches
// the running thread. Thread itself never calls this.
func SetCurrent(t *Thread) {
	currentMu.Lock()
	current = t
	currentMu.Unlock()
}

var debugLogSometimes = rate.Sometimes{Interval: 100 * time.Millisecond}

// InitFlags, InitName, InitUKTLSPointer implement inittab.Child. Flags and
// inittab.Features are deliberately distinct named types (spec.md Open
// Question on flag/feature overlap) so the bit layouts can diverge; this is
// the one place they are reconciled, explicitly.
func (t *Thread) InitFlags() inittab.Features {
	var f inittab.Features
	if t.flags.Has(FlagECTX) {
		f |= inittab.FeatureECTX
	}
	if t.flags.Has(FlagUKTLS) {
		f |= inittab.FeatureUKTLS
	}
	return f
}

func (t *Thread) InitName() string          { return t.displayName() }
func (t *Thread) InitUKTLSPointer() uintptr { return t.uktlsp }

func (t *Thread) displayName() string {
	if t.name != "" {
		return t.name
	}
	return "<unnamed>"
}

// Flags returns the thread's current flag bitset.
func (t *Thread) Flags() Flags { return t.flags }

// Name returns the thread's debug name.
func (t *Thread) Name() string { return t.name }

// Priv returns the opaque user pointer associated with the thread.
func (t *Thread) Priv() interface{} { return t.priv }

// Ctx returns a pointer to the thread's embedded arch context, for use by a
// scheduler performing the actual Switch.
func (t *Thread) Ctx() *arch.Ctx { return &t.ctx }

// ExtCtx returns the thread's extended-context buffer, or nil.
func (t *Thread) ExtCtx() *arch.ExtCtx { return t.ectx }

// TLSPointer returns the thread's active TLS pointer (may differ from
// UKTLSPointer if a syscall reassigned it, e.g. arch_prctl).
func (t *Thread) TLSPointer() uintptr { return t.tlsp }

// UKTLSPointer returns the canonical unikernel TLS pointer.
func (t *Thread) UKTLSPointer() uintptr { return t.uktlsp }

// SetTLSPointer lets a syscall shim reassign the active TLS pointer.
func (t *Thread) SetTLSPointer(p uintptr) { t.tlsp = p }

// AttachScheduler and DetachScheduler manage the weak sched back-reference
// (invariant 3: a released thread's sched is always nil).
func (t *Thread) AttachScheduler(s Scheduler) {
	t.mu.Lock()
	t.sched = s
	t.mu.Unlock()
}

func (t *Thread) DetachScheduler() {
	t.mu.Lock()
	t.sched = nil
	t.mu.Unlock()
}

func (t *Thread) Scheduler() Scheduler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched
}

// WakeupTime returns the thread's absolute wakeup deadline; the zero Time
// means "no timeout" (spec.md's wakeup_time == 0 sentinel, translated to
// Go's natural zero-value idiom instead of overloading 0 as a nanosecond
// count).
func (t *Thread) WakeupTime() time.Time { return t.wakeupTime }

func structInit(t *Thread, tlsp uintptr, isUKTLS bool, ectx *arch.ExtCtx, name string, priv interface{}, dtor Dtor) {
	assert.That(!isUKTLS || tlsp != 0, "tlsp required when isUKTLS is set")

	*t = Thread{}
	t.ectx = ectx
	t.tlsp = tlsp
	t.name = name
	t.priv = priv
	t.dtor = dtor

	if tlsp != 0 && isUKTLS {
		t.flags |= FlagUKTLS
		t.uktlsp = tlsp
	}
	if ectx != nil {
		ectx.Reset()
		t.flags |= FlagECTX
	}

	debugLogSometimes.Do(func() {
		log.Debug("thread struct initialized", "thread", t.displayName(), "ectx", t.ectx != nil, "tlsp", fmt.Sprintf("%#x", t.tlsp))
	})
}

func runInitTab(t *Thread) error {
	return inittab.RunInit(t, Current())
}

func runTermTab(t *Thread) {
	inittab.RunTerm(t)
}

// InitBare initializes t in caller-owned storage with a raw (ip, sp) pair
// and no entry function. ip == 0 leaves the thread not RUNNABLE (a
// "container" thread, later given an entry via arch.Switch machinery
// elsewhere).
func InitBare(t *Thread, ip, sp uintptr, tlsp uintptr, isUKTLS bool, ectx *arch.ExtCtx, name string, priv interface{}, dtor Dtor) error {
	assert.NotNil(t, "t")
	assert.That(t != Current(), "a thread cannot initialize itself")

	structInit(t, tlsp, isUKTLS, ectx, name, priv, dtor)
	arch.InitBare(&t.ctx, sp, ip)
	if ip != 0 {
		t.flags |= FlagRunnable
	}
	return runInitTab(t)
}

// InitBareFn0 is InitBare specialized to a 0-argument entry function.
func InitBareFn0(t *Thread, fn arch.Entry0, sp uintptr, tlsp uintptr, isUKTLS bool, ectx *arch.ExtCtx, name string, priv interface{}, dtor Dtor) error {
	assert.NotNil(t, "t")
	assert.That(t != Current(), "a thread cannot initialize itself")
	assert.That(sp != 0, "a stack pointer is required")
	assert.NotNil(fn, "fn")

	structInit(t, tlsp, isUKTLS, ectx, name, priv, dtor)
	arch.InitEntry0(&t.ctx, sp, false, fn)
	t.flags |= FlagRunnable
	return runInitTab(t)
}

// InitBareFn1 is InitBare specialized to a 1-argument entry function.
func InitBareFn1(t *Thread, fn arch.Entry1, arg uintptr, sp uintptr, tlsp uintptr, isUKTLS bool, ectx *arch.ExtCtx, name string, priv interface{}, dtor Dtor) error {
	assert.NotNil(t, "t")
	assert.That(t != Current(), "a thread cannot initialize itself")
	assert.That(sp != 0, "a stack pointer is required")
	assert.NotNil(fn, "fn")

	structInit(t, tlsp, isUKTLS, ectx, name, priv, dtor)
	arch.InitEntry1(&t.ctx, sp, false, fn, arg)
	t.flags |= FlagRunnable
	return runInitTab(t)
}

// InitBareFn2 is InitBare specialized to a 2-argument entry function.
func InitBareFn2(t *Thread, fn arch.Entry2, arg0, arg1 uintptr, sp uintptr, tlsp uintptr, isUKTLS bool, ectx *arch.ExtCtx, name string, priv interface{}, dtor Dtor) error {
	assert.NotNil(t, "t")
	assert.That(t != Current(), "a thread cannot initialize itself")
	assert.That(sp != 0, "a stack pointer is required")
	assert.NotNil(fn, "fn")

	structInit(t, tlsp, isUKTLS, ectx, name, priv, dtor)
	arch.InitEntry2(&t.ctx, sp, false, fn, arg0, arg1)
	t.flags |= FlagRunnable
	return runInitTab(t)
}

// allocOpts bundles the allocation parameters shared by the fn{0,1,2} and
// container constructors, mirroring _uk_thread_struct_init_alloc.
type allocOpts struct {
	stackA     Allocator
	stackLen   uintptr
	uktlsA     Allocator // nil => no TLS allocated
	customECtx bool
	ectx       *arch.ExtCtx
}

func structInitAlloc(t *Thread, o allocOpts, name string, priv interface{}, dtor Dtor) error {
	var (
		stack uintptr
		tlsp  uintptr
		ectx  = o.ectx
	)

	if o.stackA != nil && o.stackLen != 0 {
		p, err := o.stackA.Malloc(o.stackLen)
		if err != nil || p == nil {
			return fmt.Errorf("thread: allocate stack: %w", nonNilErr(err))
		}
		stack = uintptrOf(p)
	}

	var tlsBlock uintptr
	if o.uktlsA != nil {
		areaSize := utls.AreaSize()
		areaAlign := utls.AreaAlign()

		if !o.customECtx {
			total := areaSize + arch.ECtxSize() + arch.ECtxAlign()
			p, err := o.uktlsA.Memalign(areaAlign, total)
			if err != nil || p == nil {
				freeStack(o.stackA, stack)
				return fmt.Errorf("thread: allocate tls+ectx: %w", nonNilErr(err))
			}
			tlsBlock = uintptrOf(p)
			ectxAddr := alignUp(tlsBlock+areaSize, arch.ECtxAlign())
			ectx = arch.InitExtCtx(bytesAt(ectxAddr, arch.ECtxSize()))
		} else {
			p, err := o.uktlsA.Memalign(areaAlign, areaSize)
			if err != nil || p == nil {
				freeStack(o.stackA, stack)
				return fmt.Errorf("thread: allocate tls: %w", nonNilErr(err))
			}
			tlsBlock = uintptrOf(p)
		}
		tlsp = utls.Pointer(pointerOf(tlsBlock))
	}

	structInit(t, tlsp, tlsBlock != 0, ectx, name, priv, dtor)

	if stack != 0 {
		t.mem.stack = stack
		t.mem.stackLen = o.stackLen
		t.mem.stackA = o.stackA
	}

	if tlsBlock != 0 {
		utls.Copy(pointerOf(tlsBlock))
		t.mem.uktls = tlsBlock
		t.mem.uktlsA = o.uktlsA
		t.flags |= FlagUKTLS
	}

	return nil
}

func structFreeAlloc(t *Thread) {
	if t.mem.uktlsA != nil && t.mem.uktls != 0 {
		t.mem.uktlsA.Free(pointerOf(t.mem.uktls))
		t.mem.uktls = 0
		t.mem.uktlsA = nil
	}
	if t.mem.stackA != nil && t.mem.stack != 0 {
		t.mem.stackA.Free(pointerOf(t.mem.stack))
		t.mem.stack = 0
		t.mem.stackA = nil
	}
}

// InitFn0 initializes t in caller-owned storage, allocating a stack (and
// optionally TLS) for a 0-argument entry function.
func InitFn0(t *Thread, fn arch.Entry0, stackA Allocator, stackLen uintptr, uktlsA Allocator, name string, priv interface{}, dtor Dtor) error {
	assert.NotNil(t, "t")
	assert.That(t != Current(), "a thread cannot initialize itself")
	assert.NotNil(fn, "fn")

	if err := structInitAlloc(t, allocOpts{stackA: stackA, stackLen: stackLen, uktlsA: uktlsA}, name, priv, dtor); err != nil {
		return err
	}
	sp := genSP(t.mem.stack, t.mem.stackLen)
	arch.InitEntry0(&t.ctx, sp, false, fn)
	t.flags |= FlagRunnable

	if err := runInitTab(t); err != nil {
		structFreeAlloc(t)
		return err
	}
	return nil
}

// InitFn1 is InitFn0 specialized to a 1-argument entry function.
func InitFn1(t *Thread, fn arch.Entry1, arg uintptr, stackA Allocator, stackLen uintptr, uktlsA Allocator, name string, priv interface{}, dtor Dtor) error {
	assert.NotNil(t, "t")
	assert.That(t != Current(), "a thread cannot initialize itself")
	assert.NotNil(fn, "fn")

	if err := structInitAlloc(t, allocOpts{stackA: stackA, stackLen: stackLen, uktlsA: uktlsA}, name, priv, dtor); err != nil {
		return err
	}
	sp := genSP(t.mem.stack, t.mem.stackLen)
	arch.InitEntry1(&t.ctx, sp, false, fn, arg)
	t.flags |= FlagRunnable

	if err := runInitTab(t); err != nil {
		structFreeAlloc(t)
		return err
	}
	return nil
}

// InitFn2 is InitFn0 specialized to a 2-argument entry function.
func InitFn2(t *Thread, fn arch.Entry2, arg0, arg1 uintptr, stackA Allocator, stackLen uintptr, uktlsA Allocator, name string, priv interface{}, dtor Dtor) error {
	assert.NotNil(t, "t")
	assert.That(t != Current(), "a thread cannot initialize itself")
	assert.NotNil(fn, "fn")

	if err := structInitAlloc(t, allocOpts{stackA: stackA, stackLen: stackLen, uktlsA: uktlsA}, name, priv, dtor); err != nil {
		return err
	}
	sp := genSP(t.mem.stack, t.mem.stackLen)
	arch.InitEntry2(&t.ctx, sp, false, fn, arg0, arg1)
	t.flags |= FlagRunnable

	if err := runInitTab(t); err != nil {
		structFreeAlloc(t)
		return err
	}
	return nil
}

const defaultStackSize = 256 * 1024

// CreateBare allocates a Thread struct and, unless noECtx, an ExtCtx buffer
// (via a), then behaves like InitBare.
func CreateBare(a Allocator, ip, sp uintptr, tlsp uintptr, isUKTLS bool, noECtx bool, name string, priv interface{}, dtor Dtor) (*Thread, error) {
	assert.NotNil(a, "a")

	ectx, ectxAddr, err := allocECtx(a, noECtx)
	if err != nil {
		return nil, err
	}

	t := new(Thread)
	if err := InitBare(t, ip, sp, tlsp, isUKTLS, ectx, name, priv, dtor); err != nil {
		freeECtx(a, ectxAddr)
		return nil, err
	}
	t.mem.tA = a
	if ectxAddr != 0 {
		t.mem.ectxAddr, t.mem.ectxA = ectxAddr, a
	}
	return t, nil
}

// CreateContainer allocates a Thread struct, a stack and (optionally) TLS,
// but leaves the arch context without an entry function -- t.ctx.sp is set
// if a stack was allocated, t.ctx.ip stays 0, so the thread is not yet
// RUNNABLE until a later InitEntryN-style call gives it one.
func CreateContainer(a Allocator, stackA Allocator, stackLen uintptr, uktlsA Allocator, noECtx bool, name string, priv interface{}, dtor Dtor) (*Thread, error) {
	assert.NotNil(a, "a")

	if stackLen == 0 {
		stackLen = defaultStackSize
	}

	// An inline ExtCtx (allocated by us, not trailing a raw struct
	// allocation as in the original -- see allocECtx) is only needed when
	// ectx was requested but no TLS allocator will co-allocate one.
	needInlineECtx := !noECtx && uktlsA == nil
	ectx, ectxAddr, err := allocECtx(a, !needInlineECtx)
	if err != nil {
		return nil, err
	}

	t := new(Thread)
	if err := structInitAlloc(t, allocOpts{
		stackA: stackA, stackLen: stackLen, uktlsA: uktlsA,
		customECtx: ectx != nil, ectx: ectx,
	}, name, priv, dtor); err != nil {
		freeECtx(a, ectxAddr)
		return nil, err
	}
	t.mem.tA = a
	if ectxAddr != 0 {
		t.mem.ectxAddr, t.mem.ectxA = ectxAddr, a
	}

	var sp uintptr
	if t.mem.stack != 0 {
		sp = genSP(t.mem.stack, t.mem.stackLen)
	}
	arch.InitBare(&t.ctx, sp, 0)

	if err := runInitTab(t); err != nil {
		structFreeAlloc(t)
		freeECtx(a, ectxAddr)
		return nil, err
	}
	return t, nil
}

// CreateFn0 is CreateContainer followed by an entry-function init, exactly
// as uk_thread_create_fn0 layers atop uk_thread_create_container.
func CreateFn0(a Allocator, fn arch.Entry0, stackA Allocator, stackLen uintptr, uktlsA Allocator, noECtx bool, name string, priv interface{}, dtor Dtor) (*Thread, error) {
	assert.NotNil(fn, "fn")
	assert.NotNil(stackA, "stackA")

	t, err := CreateContainer(a, stackA, stackLen, uktlsA, noECtx, name, priv, dtor)
	if err != nil {
		return nil, err
	}
	arch.InitEntry0(&t.ctx, t.ctx.SP, false, fn)
	t.flags |= FlagRunnable
	return t, nil
}

// CreateFn1 is the 1-argument counterpart of CreateFn0.
func CreateFn1(a Allocator, fn arch.Entry1, arg uintptr, stackA Allocator, stackLen uintptr, uktlsA Allocator, noECtx bool, name string, priv interface{}, dtor Dtor) (*Thread, error) {
	assert.NotNil(fn, "fn")
	assert.NotNil(stackA, "stackA")

	t, err := CreateContainer(a, stackA, stackLen, uktlsA, noECtx, name, priv, dtor)
	if err != nil {
		return nil, err
	}
	arch.InitEntry1(&t.ctx, t.ctx.SP, false, fn, arg)
	t.flags |= FlagRunnable
	return t, nil
}

// CreateFn2 is the 2-argument counterpart of CreateFn0.
func CreateFn2(a Allocator, fn arch.Entry2, arg0, arg1 uintptr, stackA Allocator, stackLen uintptr, uktlsA Allocator, noECtx bool, name string, priv interface{}, dtor Dtor) (*Thread, error) {
	assert.NotNil(fn, "fn")
	assert.NotNil(stackA, "stackA")

	t, err := CreateContainer(a, stackA, stackLen, uktlsA, noECtx, name, priv, dtor)
	if err != nil {
		return nil, err
	}
	arch.InitEntry2(&t.ctx, t.ctx.SP, false, fn, arg0, arg1)
	t.flags |= FlagRunnable
	return t, nil
}

// Release frees t's resources. Must never be called on the current thread
// or on a thread still attached to a scheduler.
func Release(t *Thread) {
	assert.NotNil(t, "t")
	assert.That(t != Current(), "a thread cannot release itself")
	assert.That(t.sched == nil, "thread must be disconnected from its scheduler before release")

	runTermTab(t)

	stackA, stack := t.mem.stackA, t.mem.stack
	uktlsA, uktls := t.mem.uktlsA, t.mem.uktls
	ectxA, ectxAddr := t.mem.ectxA, t.mem.ectxAddr

	if t.dtor != nil {
		t.dtor(t)
	}

	if uktlsA != nil && uktls != 0 {
		uktlsA.Free(pointerOf(uktls))
	}
	if stackA != nil && stack != 0 {
		stackA.Free(pointerOf(stack))
	}
	if ectxA != nil && ectxAddr != 0 {
		ectxA.Free(pointerOf(ectxAddr))
	}
	// The Thread struct itself is GC-managed (see the mem doc comment)
	// and is not explicitly freed.
}

// YieldHook, when non-nil, is called by blockUntil after a thread's state
// has been marked blocked and its scheduler notified. Thread itself has no
// notion of suspending a goroutine -- block/block_timeout/wakeup only
// guarantee atomic state transitions (spec.md §5) -- so the actual parking
// of the calling goroutine until it is rescheduled is delegated to
// whichever scheduler package is wired in (sched.Scheduler.Install sets
// this to the scheduler's Yield). Left nil, Block/BlockTimeout return immediately
// once state is updated, which is exactly what unit tests in this package
// want: no scheduler, no parking.
var YieldHook func()

func blockUntil(t *Thread, until time.Time) {
	assert.NotNil(t, "t")
	t.mu.Lock()
	t.wakeupTime = until
	blocked := false
	if t.flags.Has(FlagRunnable) {
		t.flags &^= FlagRunnable
		blocked = true
		if t.sched != nil {
			t.sched.OnBlocked(t)
		}
	}
	t.mu.Unlock()

	if blocked && YieldHook != nil {
		YieldHook()
	}
}

// BlockTimeout blocks t until nsec has elapsed from now.
func BlockTimeout(t *Thread, nsec time.Duration) {
	blockUntil(t, time.Now().Add(nsec))
}

// Block blocks t with no timeout.
func Block(t *Thread) {
	blockUntil(t, time.Time{})
}

// Wakeup marks t runnable and notifies its scheduler, clearing any pending
// wakeup deadline.
func Wakeup(t *Thread) {
	assert.NotNil(t, "t")
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.flags.Has(FlagRunnable) {
		t.flags |= FlagRunnable
		if t.sched != nil {
			t.sched.OnWokeup(t)
		}
	}
	t.wakeupTime = time.Time{}
}

// DebugDump returns a human-readable dump of t's fields, using
// davecgh/go-spew the same way this module's teacher reaches for it in
// debug tooling.
func DebugDump(t *Thread) string {
	return spew.Sdump(t)
}

// FootprintReport measures t's deep in-memory size via fjl/memsize, for
// diagnostics (e.g. a "how big is a thread really" CLI command).
func FootprintReport(t *Thread) memsize.Sizes {
	return memsize.Scan(t)
}

// NewName returns a default, unique thread name using google/uuid, for
// callers that don't care to name their threads.
func NewName() string {
	return "thread-" + uuid.New().String()
}
