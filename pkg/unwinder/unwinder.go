// Package unwinder walks a thread's stack by following the frame pointer
// chain through the target's memory.
//
// https://www.grant.pizza/blog/go-stack-traces-bpf/
package unwinder

import (
	"fmt"

	"github.com/debugkit/pstack/pkg/frame"
)

const wordSize = 8

// Memory reads one machine word from the target's address space.
type Memory interface {
	ReadUint64(addr uint64) (uint64, error)
}

// Regs is the register snapshot a walk starts from.
type Regs struct {
	PC uint64
	SP uint64
	FP uint64
}

// Iter lazily produces the frames of one thread, innermost first. The
// first frame is the interrupted activation itself; every following one
// is a return address recovered from a saved frame record.
type Iter struct {
	mem     Memory
	pc      uint64
	fp      uint64
	started bool
	done    bool
}

func New(mem Memory, regs Regs) *Iter {
	return &Iter{mem: mem, pc: regs.PC, fp: regs.FP}
}

// Next returns the next frame. ok is false once the chain is exhausted.
// A memory read failure ends the walk with an error; the frames produced
// so far remain valid.
func (it *Iter) Next() (frame.Frame, bool, error) {
	if it.done {
		return frame.Frame{}, false, nil
	}
	if !it.started {
		it.started = true
		return frame.Frame{PC: it.pc, Activation: true}, true, nil
	}
	if it.fp == 0 {
		it.done = true
		return frame.Frame{}, false, nil
	}
	savedFP, err := it.mem.ReadUint64(it.fp)
	if err != nil {
		it.done = true
		return frame.Frame{}, false, fmt.Errorf("read saved frame pointer at 0x%x: %w", it.fp, err)
	}
	retAddr, err := it.mem.ReadUint64(it.fp + wordSize)
	if err != nil {
		it.done = true
		return frame.Frame{}, false, fmt.Errorf("read return address at 0x%x: %w", it.fp+wordSize, err)
	}
	if retAddr == 0 {
		it.done = true
		return frame.Frame{}, false, nil
	}
	// The stack grows down, so saved frame pointers must strictly
	// increase; anything else means the chain ended or is corrupt.
	if savedFP <= it.fp {
		savedFP = 0
	}
	it.fp = savedFP
	return frame.Frame{PC: retAddr, Activation: false}, true, nil
}
