// Package stack drives the per-thread stack walk and renders the result.
// It owns the walk/report loop, address adjustment, inline expansion and
// the severity bookkeeping; unwinding and debug-info access happen behind
// the [Session] and [debuginfo.Module] interfaces.
package stack

import (
	"github.com/debugkit/pstack/pkg/debuginfo"
	"github.com/debugkit/pstack/pkg/frame"
)

// Kind tells whether a session observes a live process or a core file.
type Kind int

const (
	KindProcess Kind = iota
	KindCore
)

func (k Kind) String() string {
	if k == KindCore {
		return "core"
	}
	return "process"
}

// FrameSource is a lazy sequence of frames for one thread. Next returns
// ok=false on normal completion and a non-nil error when the unwinder
// fails mid-walk. The caller may simply stop calling Next to terminate
// the walk early.
type FrameSource interface {
	Next() (frame.Frame, bool, error)
}

// Thread is one thread of the target.
type Thread interface {
	TID() int
	Frames() (FrameSource, error)
}

// Session is the attached target: its threads and its module map.
type Session interface {
	PID() int
	Kind() Kind
	// Threads enumerates all threads. A partial list together with a
	// non-nil error is allowed; already-enumerated threads are still
	// walked.
	Threads() ([]Thread, error)
	// Thread selects a single thread by id.
	Thread(tid int) (Thread, error)
	// ModuleAt returns the module owning addr, or nil.
	ModuleAt(addr uint64) debuginfo.Module
	Modules() []debuginfo.Module
}
