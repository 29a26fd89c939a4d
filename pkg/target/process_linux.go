package target

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/debugkit/pstack/pkg/debuginfo"
	"github.com/debugkit/pstack/pkg/procutil"
	"github.com/debugkit/pstack/pkg/stack"
	"github.com/debugkit/pstack/pkg/unwinder"
)

// Process is a live target. Every thread is ptrace-attached and stopped
// for the lifetime of the session so register and memory snapshots stay
// consistent; Close detaches and lets the process resume.
type Process struct {
	pid  int
	tids []int
	mods *debuginfo.Set
}

// AttachProcess attaches to all threads of pid and loads its module map.
func AttachProcess(pid int, debugDir string) (*Process, error) {
	tids, err := procutil.Tasks(pid)
	if err != nil {
		return nil, err
	}
	p := &Process{pid: pid, mods: debuginfo.NewSet()}
	for _, tid := range tids {
		if err := unix.PtraceAttach(tid); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to attach to TID %d: %w", tid, err)
		}
		if _, _, err := procutil.WaitForStopSignal(tid); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to stop TID %d: %w", tid, err)
		}
		p.tids = append(p.tids, tid)
	}

	maps, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to read module map of PID %d: %w", pid, err)
	}
	defer maps.Close()
	for _, r := range mergeRegions(parseMaps(maps)) {
		p.mods.Add(debuginfo.Open(r.path, r.path, r.start, r.end, debugDir))
	}
	return p, nil
}

// Close detaches from every attached thread.
func (p *Process) Close() error {
	for _, tid := range p.tids {
		if err := unix.PtraceDetach(tid); err != nil {
			slog.Debug("failed to detach", "tid", tid, "error", err)
		}
	}
	p.tids = nil
	return nil
}

func (p *Process) PID() int         { return p.pid }
func (p *Process) Kind() stack.Kind { return stack.KindProcess }

func (p *Process) Threads() ([]stack.Thread, error) {
	threads := make([]stack.Thread, len(p.tids))
	for i, tid := range p.tids {
		threads[i] = &procThread{tid: tid}
	}
	return threads, nil
}

func (p *Process) Thread(tid int) (stack.Thread, error) {
	for _, t := range p.tids {
		if t == tid {
			return &procThread{tid: tid}, nil
		}
	}
	return nil, fmt.Errorf("no such thread: TID %d", tid)
}

func (p *Process) ModuleAt(addr uint64) debuginfo.Module { return p.mods.ModuleAt(addr) }
func (p *Process) Modules() []debuginfo.Module           { return p.mods.Modules() }

type procThread struct {
	tid int
}

func (t *procThread) TID() int { return t.tid }

func (t *procThread) Frames() (stack.FrameSource, error) {
	regs, err := threadRegs(t.tid)
	if err != nil {
		return nil, err
	}
	return unwinder.New(procMemory{tid: t.tid}, regs), nil
}

// procMemory reads the target's memory through the ptrace attachment of
// one of its threads.
type procMemory struct {
	tid int
}

func (m procMemory) ReadUint64(addr uint64) (uint64, error) {
	return procutil.ReadUint64(m.tid, uintptr(addr))
}

var _ stack.Session = (*Process)(nil)
