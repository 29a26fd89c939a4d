// Package target attaches to the thing being inspected: a live process
// via ptrace or a post-mortem core file. Both present the same session
// shape to the stack walker: threads with register snapshots, readable
// memory, and a module map.
package target

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/debugkit/pstack/pkg/debuginfo"
	"github.com/debugkit/pstack/pkg/stack"
	"github.com/debugkit/pstack/pkg/unwinder"
)

// ELF note types found in core files.
const (
	ntPrstatus = 1
	ntFile     = 0x46494c45 // "FILE"
)

// Core is a post-mortem target read from an ELF core file.
type Core struct {
	pid     int
	ef      *elf.File
	threads []*coreThread
	mods    *debuginfo.Set
}

// OpenCore loads a core file. execPath, when non-empty, overrides the
// path recorded for the main executable, for cores whose original binary
// has moved. The first NT_PRSTATUS note belongs to the thread that
// caused the dump; its id doubles as the process id of the session.
func OpenCore(path, execPath, debugDir string) (*Core, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open core file %q: %w", path, err)
	}
	if ef.Type != elf.ET_CORE {
		ef.Close()
		return nil, fmt.Errorf("%q is not a core file", path)
	}
	c := &Core{ef: ef, mods: debuginfo.NewSet()}

	var fileRegions []region
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			ef.Close()
			return nil, fmt.Errorf("cannot read notes of %q: %w", path, err)
		}
		for _, n := range parseNotes(data) {
			switch n.typ {
			case ntPrstatus:
				tid, regs, err := parsePrstatus(ef.Machine, n.desc)
				if err != nil {
					ef.Close()
					return nil, fmt.Errorf("bad NT_PRSTATUS note in %q: %w", path, err)
				}
				c.threads = append(c.threads, &coreThread{core: c, tid: tid, regs: regs})
			case ntFile:
				fileRegions = append(fileRegions, parseFileNote(n.desc)...)
			}
		}
	}
	if len(c.threads) > 0 {
		c.pid = c.threads[0].tid
	}

	for i, r := range mergeRegions(fileRegions) {
		backing := r.path
		if execPath != "" && i == 0 {
			// The main executable maps lowest.
			backing = execPath
		}
		c.mods.Add(debuginfo.Open(r.path, backing, r.start, r.end, debugDir))
	}
	return c, nil
}

func (c *Core) Close() error {
	return c.ef.Close()
}

func (c *Core) PID() int         { return c.pid }
func (c *Core) Kind() stack.Kind { return stack.KindCore }

func (c *Core) Threads() ([]stack.Thread, error) {
	threads := make([]stack.Thread, len(c.threads))
	for i, t := range c.threads {
		threads[i] = t
	}
	return threads, nil
}

func (c *Core) Thread(tid int) (stack.Thread, error) {
	for _, t := range c.threads {
		if t.tid == tid {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no such thread in core: TID %d", tid)
}

func (c *Core) ModuleAt(addr uint64) debuginfo.Module { return c.mods.ModuleAt(addr) }
func (c *Core) Modules() []debuginfo.Module           { return c.mods.Modules() }

type coreThread struct {
	core *Core
	tid  int
	regs unwinder.Regs
}

func (t *coreThread) TID() int { return t.tid }

func (t *coreThread) Frames() (stack.FrameSource, error) {
	return unwinder.New(coreMemory{ef: t.core.ef}, t.regs), nil
}

// coreMemory reads words out of the core's PT_LOAD segments.
type coreMemory struct {
	ef *elf.File
}

func (m coreMemory) ReadUint64(addr uint64) (uint64, error) {
	for _, p := range m.ef.Progs {
		if p.Type != elf.PT_LOAD || addr < p.Vaddr || addr+8 > p.Vaddr+p.Memsz {
			continue
		}
		off := addr - p.Vaddr
		if off+8 > p.Filesz {
			return 0, fmt.Errorf("address 0x%x was not saved in the core", addr)
		}
		var buf [8]byte
		if _, err := p.ReadAt(buf[:], int64(off)); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
	return 0, fmt.Errorf("address 0x%x is not mapped in the core", addr)
}

type note struct {
	name string
	typ  uint32
	desc []byte
}

// parseNotes splits the raw contents of a PT_NOTE segment into records.
// Core file notes use 4-byte alignment regardless of the ELF class.
func parseNotes(data []byte) []note {
	var notes []note
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:4])
		descsz := binary.LittleEndian.Uint32(data[4:8])
		typ := binary.LittleEndian.Uint32(data[8:12])
		nameEnd := 12 + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(descEnd) > uint64(len(data)) {
			break
		}
		name := string(data[12 : 12+namesz])
		if n := len(name); n > 0 && name[n-1] == 0 {
			name = name[:n-1]
		}
		notes = append(notes, note{
			name: name,
			typ:  typ,
			desc: data[nameEnd : nameEnd+int(descsz)],
		})
		data = data[descEnd:]
	}
	return notes
}

func align4(n uint32) int {
	return int((n + 3) &^ 3)
}

// prstatus layout: elf_siginfo (12) + pr_cursig (2, padded to 4) +
// pr_sigpend (8) + pr_sighold (8) puts pr_pid at offset 32; four pids and
// four timevals later the general registers start at offset 112 on both
// supported architectures.
const (
	prstatusPidOff  = 32
	prstatusRegsOff = 112
)

func parsePrstatus(machine elf.Machine, desc []byte) (int, unwinder.Regs, error) {
	if len(desc) < prstatusRegsOff {
		return 0, unwinder.Regs{}, fmt.Errorf("note too short: %d bytes", len(desc))
	}
	tid := int(binary.LittleEndian.Uint32(desc[prstatusPidOff:]))
	reg := func(i int) uint64 {
		return binary.LittleEndian.Uint64(desc[prstatusRegsOff+8*i:])
	}
	switch machine {
	case elf.EM_X86_64:
		// user_regs_struct: rbp is the 5th entry, rip the 17th, rsp the 20th.
		if len(desc) < prstatusRegsOff+27*8 {
			return 0, unwinder.Regs{}, fmt.Errorf("truncated x86_64 register set")
		}
		return tid, unwinder.Regs{FP: reg(4), PC: reg(16), SP: reg(19)}, nil
	case elf.EM_AARCH64:
		// user_pt_regs: x0..x30, sp, pc, pstate.
		if len(desc) < prstatusRegsOff+34*8 {
			return 0, unwinder.Regs{}, fmt.Errorf("truncated aarch64 register set")
		}
		return tid, unwinder.Regs{FP: reg(29), SP: reg(31), PC: reg(32)}, nil
	default:
		return 0, unwinder.Regs{}, fmt.Errorf("unsupported core architecture %v", machine)
	}
}

// parseFileNote decodes an NT_FILE note: a count, the page size, count
// (start, end, file offset) triples, then the NUL-separated file names.
func parseFileNote(desc []byte) []region {
	if len(desc) < 16 {
		return nil
	}
	count := binary.LittleEndian.Uint64(desc[0:8])
	entriesEnd := 16 + 24*count
	if entriesEnd > uint64(len(desc)) {
		return nil
	}
	names := desc[entriesEnd:]
	var regions []region
	for i := uint64(0); i < count; i++ {
		off := 16 + 24*i
		r := region{
			start: binary.LittleEndian.Uint64(desc[off:]),
			end:   binary.LittleEndian.Uint64(desc[off+8:]),
		}
		idx := 0
		for idx < len(names) && names[idx] != 0 {
			idx++
		}
		r.path = string(names[:idx])
		if idx < len(names) {
			names = names[idx+1:]
		} else {
			names = nil
		}
		if r.path != "" {
			regions = append(regions, r)
		}
	}
	return regions
}

var _ stack.Session = (*Core)(nil)
