package target

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/debugkit/pstack/pkg/unwinder"
)

func threadRegs(tid int) (unwinder.Regs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return unwinder.Regs{}, fmt.Errorf("failed to read registers of TID %d: %w", tid, err)
	}
	return unwinder.Regs{PC: regs.Pc, SP: regs.Sp, FP: regs.Regs[29]}, nil
}
