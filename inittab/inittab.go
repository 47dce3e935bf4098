// Package inittab implements the link-time-ordered table of per-thread
// init/term hooks described in spec.md §4.4, grounded on
// lib/uksched/thread.c's _uk_thread_call_inittab/_uk_thread_call_termtab
// and the uk_thread_inittab_foreach family of iterators.
//
// The original builds this table at link time from a dedicated object
// section, bracketed by the linker symbols _uk_thread_inittab_start/_end.
// Go has no equivalent section-based registry, so entries are instead
// appended, in import order, to a package-level slice -- the same registry
// shape the rest of this module's teacher uses for its RPC service table
// (rpc.Server.RegisterName appending into serviceRegistry). The slice is
// not guarded by a lock: Register and Reset are not safe to call
// concurrently with each other or with RunInit/RunTerm.
package inittab

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/ethereum/go-ethereum/log"

	"github.com/gouk/unicore/internal/assert"
	"github.com/gouk/unicore/tls"
)

// Features is a bitset of feature requirements an Entry may be gated on,
// and that a thread's constructed flags are matched against.
type Features uint32

const (
	FeatureECTX  Features = 1 << iota // UK_THREAD_INITF_ECTX
	FeatureUKTLS                      // UK_THREAD_INITF_UKTLS
)

// Child is the minimal view of a thread an Entry's callbacks need: its
// flags (for feature matching), its name (for log context), and the
// unikernel TLS pointer InitTab temporarily activates around the callback
// sequence.
type Child interface {
	InitFlags() Features
	InitName() string
	InitUKTLSPointer() uintptr
}

// Init is called once per applicable entry, in table order, when a thread
// is constructed. parent is nil during pre-scheduler bootstrap.
type Init func(child, parent Child) error

// Term is called once per applicable entry, in reverse table order, when a
// thread is released (or to unwind a partially-succeeded Init pass).
type Term func(child Child)

// Entry is one (init, term, required-features) triple.
type Entry struct {
	Init  Init
	Term  Term
	Flags Features
}

var table []Entry

// Register appends entry to the table. Entries run in the order they are
// registered, and terminate in the reverse of that order -- callers must
// Register during package init (or equivalent early setup) for the
// ordering to be meaningful, exactly as the original relies on link order.
func Register(e Entry) {
	table = append(table, e)
}

// applicable reports whether e's feature requirements are satisfied by a
// thread's flags: (e.Flags & flags) == e.Flags.
func applicable(e Entry, flags Features) bool {
	return e.Flags&flags == e.Flags
}

var matchCache, _ = lru.New(256)

type cacheKey struct {
	entryIdx int
	flags    Features
}

func applicableCached(idx int, e Entry, flags Features) bool {
	key := cacheKey{idx, flags}
	if v, ok := matchCache.Get(key); ok {
		return v.(bool)
	}
	ok2 := applicable(e, flags)
	matchCache.Add(key, ok2)
	return ok2
}

// RunInit runs every applicable, non-nil Init in table order against
// child, with child's TLS temporarily active, matching
// _uk_thread_call_inittab. If any Init returns an error, Term is run in
// reverse starting from the entry immediately before the failed one (only
// previously-succeeded entries are unwound), the parent's TLS pointer is
// restored, and the error is returned.
func RunInit(child, parent Child) error {
	origTLSP := tls.ActivePointer()
	tls.SetActivePointer(child.InitUKTLSPointer())

	flags := child.InitFlags()
	for i, e := range table {
		if e.Init == nil {
			continue
		}
		if !applicableCached(i, e, flags) {
			log.Debug("inittab: skip init due to feature mismatch", "thread", child.InitName(), "idx", i)
			continue
		}

		log.Debug("inittab: calling init", "thread", child.InitName(), "idx", i)
		if err := e.Init(child, parent); err != nil {
			assert.That(tls.ActivePointer() == child.InitUKTLSPointer(),
				"init callback must not leave the active TLS pointer changed")
			runTermFrom(i-1, child, flags)
			tls.SetActivePointer(origTLSP)
			return err
		}
		assert.That(tls.ActivePointer() == child.InitUKTLSPointer(),
			"init callback must not leave the active TLS pointer changed")
	}

	tls.SetActivePointer(origTLSP)
	return nil
}

// RunTerm runs every applicable, non-nil Term in reverse table order,
// matching _uk_thread_call_termtab. Unlike RunInit, all applicable terms
// run regardless of any individual failure -- Term has no error return.
func RunTerm(child Child) {
	origTLSP := tls.ActivePointer()
	tls.SetActivePointer(child.InitUKTLSPointer())

	runTermFrom(len(table)-1, child, child.InitFlags())

	tls.SetActivePointer(origTLSP)
}

// runTermFrom calls Term on every applicable entry at index <= from, in
// descending order.
func runTermFrom(from int, child Child, flags Features) {
	for i := from; i >= 0; i-- {
		e := table[i]
		if e.Term == nil {
			continue
		}
		if !applicable(e, flags) {
			continue
		}
		log.Debug("inittab: calling term", "thread", child.InitName(), "idx", i)
		e.Term(child)
	}
}

// Reset clears the table. Exported only for tests that need a clean
// registry between cases; production code never calls this.
func Reset() {
	table = nil
	matchCache.Purge()
}

// Len reports the number of registered entries.
func Len() int {
	return len(table)
}
