// Package core wires together the components spec.md describes as
// consumed collaborators (an Allocator, a Scheduler, a monotonic clock)
// into a runnable process, adapted from the teacher's
// torrentfs.TorrentFS lifecycle (New/Start/Stop, quit-channel shutdown,
// RWMutex-guarded internals).
package core

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"

	"github.com/gouk/unicore/arch"
	"github.com/gouk/unicore/inittab"
	"github.com/gouk/unicore/sched"
	"github.com/gouk/unicore/sysbin"
	"github.com/gouk/unicore/thread"
	"github.com/gouk/unicore/tls"
)

// Core owns the process-wide singletons the rest of this module's
// packages are built to consume: the default Allocator, the reference
// Scheduler, and the syscall dispatch Table/Shim.
type Core struct {
	lock sync.RWMutex

	cfg   Config
	alloc thread.Allocator
	sched *sched.Scheduler
	table *sysbin.Table
	shim  *sysbin.Shim

	quit chan chan error
}

// New constructs a Core from cfg without starting it. TLS template
// registration is left to the caller (SetTLSTemplate) since the template
// image is link-time/platform data this package has no way to discover on
// its own.
func New(cfg Config) *Core {
	return &Core{
		cfg:   cfg,
		table: sysbin.NewTable(),
		quit:  make(chan chan error),
	}
}

// SetTLSTemplate registers the TLS template image and reserves the TCB
// size from cfg. Must be called before Start.
func (c *Core) SetTLSTemplate(image []byte) {
	tls.SetTemplate(image, uintptr(c.cfg.TLSTemplateAlign))
	tls.ReserveTCB(uintptr(c.cfg.TCBReserved))
}

// Register installs fn as the handler for a syscall number, forwarding to
// the Core's Table. Must be called before Start if callers want their
// handlers visible to the first dispatched call, but is safe at any time
// since Table.Register is itself safe for concurrent use.
func (c *Core) Register(sysno uintptr, fn sysbin.Func) {
	c.table.Register(sysno, fn)
}

// Start boots ExtCtx discovery exactly once for the process, constructs
// the default allocator and scheduler, and installs the scheduler as the
// thread package's yield mechanism. Mirrors torrentfs.TorrentFS.Start's
// role as the point where background machinery actually spins up.
func (c *Core) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	arch.ECtxSize() // the first accessor call runs ExtCtx discovery
	_ = arch.ECtxAlign()

	c.alloc = thread.NewAllocator()
	c.sched = sched.New()
	c.sched.Install()
	c.shim = sysbin.NewShim(c.table, sysbin.WithUKTLS(c.cfg.EnableUKTLS))

	log.Info("unicore started", "stack_size", c.cfg.DefaultStackSize, "tcb_reserved", c.cfg.TCBReserved)
	return nil
}

// Stop tears down the Core. Matches torrentfs.TorrentFS.Stop's shape: log
// and return, since there is no background goroutine of this package's
// own to join (the scheduler's run loop, if any, is owned and stopped by
// its caller via context cancellation).
func (c *Core) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	thread.YieldHook = nil
	log.Info("unicore stopped")
	return nil
}

// Allocator returns the process-wide default Allocator. Start must have
// run first.
func (c *Core) Allocator() thread.Allocator {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.alloc
}

// Scheduler returns the process-wide reference Scheduler. Start must have
// run first.
func (c *Core) Scheduler() *sched.Scheduler {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.sched
}

// Shim returns the process-wide SyscallShim. Start must have run first.
func (c *Core) Shim() *sysbin.Shim {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.shim
}

// Inspect renders the registered InitTab entry count and a one-line
// summary as an ASCII table, a debugging aid with no equivalent in the
// original beyond ad hoc kernel log lines.
func (c *Core) Inspect() string {
	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"component", "detail"})
	table.Append([]string{"inittab entries", fmt.Sprintf("%d", inittab.Len())})
	table.Append([]string{"default stack size", fmt.Sprintf("%d", c.cfg.DefaultStackSize)})
	table.Append([]string{"tcb reserved", fmt.Sprintf("%d", c.cfg.TCBReserved)})
	table.Append([]string{"uktls shim enabled", fmt.Sprintf("%v", c.cfg.EnableUKTLS)})
	table.Render()
	return b.String()
}
