//go:build !linux

package target

import (
	"errors"

	"github.com/debugkit/pstack/pkg/debuginfo"
	"github.com/debugkit/pstack/pkg/stack"
)

var errUnsupportedOS = errors.New("attaching to a live process requires ptrace and is only supported on Linux")

// Process only exists on non-Linux platforms so that callers link; core
// files can still be inspected anywhere.
type Process struct{}

func AttachProcess(pid int, debugDir string) (*Process, error) {
	return nil, errUnsupportedOS
}

func (p *Process) Close() error                          { return nil }
func (p *Process) PID() int                              { return 0 }
func (p *Process) Kind() stack.Kind                      { return stack.KindProcess }
func (p *Process) Threads() ([]stack.Thread, error)      { return nil, errUnsupportedOS }
func (p *Process) Thread(tid int) (stack.Thread, error)  { return nil, errUnsupportedOS }
func (p *Process) ModuleAt(addr uint64) debuginfo.Module { return nil }
func (p *Process) Modules() []debuginfo.Module           { return nil }

var _ stack.Session = (*Process)(nil)
