package thread

// Flags is the Thread flag bitset from spec.md §3 (RUNNABLE, HAS_UKTLS,
// HAS_ECTX), kept as its own named type -- rather than a bare uint32 -- so
// it can never be compared against inittab.Features without an explicit
// conversion at the one call site that needs it (Thread.InitFlags).
type Flags uint32

const (
	// FlagRunnable mirrors UK_THREADF_RUNNABLE: the thread is eligible to
	// run the next time the scheduler picks a thread.
	FlagRunnable Flags = 1 << iota
	// FlagUKTLS mirrors UK_THREADF_UKTLS: tlsp/uktlsp are valid.
	FlagUKTLS
	// FlagECTX mirrors UK_THREADF_ECTX: ectx is valid and was initialized.
	FlagECTX
)

// Has reports whether all bits of want are set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }
