package debuginfo

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
)

// Object implements [Module] for one ELF object mapped into the target.
// Everything is loaded eagerly at open time so no file descriptors stay
// around afterwards.
type Object struct {
	name      string
	start     uint64
	end       uint64
	bias      uint64
	mainFile  string
	debugFile string
	buildID   []byte
	addrWidth int
	syms      []elf.Symbol

	dw        *dwarf.Data
	cuRanges  []cuRange
	lineCache map[dwarf.Offset]*lineTable
}

// Open loads the ELF object at path for the module named name, mapped at
// [start, end) in the target. A module whose backing file cannot be read
// still yields a usable Object; it just resolves nothing.
func Open(name, path string, start, end uint64, debugDir string) *Object {
	o := &Object{
		name:      name,
		start:     start,
		end:       end,
		lineCache: make(map[dwarf.Offset]*lineTable),
	}
	ef, err := elf.Open(path)
	if err != nil {
		slog.Debug("cannot open module file", "module", name, "path", path, "error", err)
		return o
	}
	defer ef.Close()
	o.mainFile = path
	o.loadELF(ef)
	if o.dw == nil {
		o.findDebugFile(debugDir)
	}
	return o
}

func (o *Object) loadELF(ef *elf.File) {
	if ef.Class == elf.ELFCLASS32 {
		o.addrWidth = 8
	} else {
		o.addrWidth = 16
	}
	if ef.Type != elf.ET_EXEC {
		// Position-independent object: the load bias is the distance
		// between the mapping base and the first loadable segment.
		if lo, ok := minLoadVaddr(ef); ok {
			o.bias = o.start - lo
		}
	}
	o.buildID = readBuildID(ef)
	o.syms = readSymbols(ef)
	if dw, err := ef.DWARF(); err == nil {
		o.dw = dw
		o.debugFile = o.mainFile
		o.indexCompileUnits()
	}
}

// findDebugFile looks for a separate debug file by build-id, in the
// debugDir/.build-id/xx/yyyy....debug layout used by distributions.
func (o *Object) findDebugFile(debugDir string) {
	if debugDir == "" || len(o.buildID) < 2 {
		return
	}
	path := filepath.Join(debugDir, ".build-id",
		fmt.Sprintf("%02x", o.buildID[0]),
		fmt.Sprintf("%x.debug", o.buildID[1:]))
	ef, err := elf.Open(path)
	if err != nil {
		return
	}
	defer ef.Close()
	dw, err := ef.DWARF()
	if err != nil {
		slog.Debug("debug file has no usable DWARF", "path", path, "error", err)
		return
	}
	o.debugFile = path
	o.dw = dw
	o.indexCompileUnits()
	if len(o.syms) == 0 {
		o.syms = readSymbols(ef)
	}
}

func minLoadVaddr(ef *elf.File) (uint64, bool) {
	lo, found := uint64(0), false
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < lo {
			lo, found = p.Vaddr, true
		}
	}
	return lo, found
}

func readSymbols(ef *elf.File) []elf.Symbol {
	var syms []elf.Symbol
	if s, err := ef.Symbols(); err == nil {
		syms = append(syms, s...)
	}
	if s, err := ef.DynamicSymbols(); err == nil {
		syms = append(syms, s...)
	}
	n := 0
	for _, s := range syms {
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_NOTYPE:
			if s.Value != 0 && s.Name != "" {
				syms[n] = s
				n++
			}
		}
	}
	syms = syms[:n]
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].Value != syms[j].Value {
			return syms[i].Value < syms[j].Value
		}
		ti := elf.ST_TYPE(syms[i].Info)
		tj := elf.ST_TYPE(syms[j].Info)
		if ti != tj {
			return ti != elf.STT_FUNC && tj == elf.STT_FUNC
		}
		return syms[i].Size < syms[j].Size
	})
	return syms
}

func readBuildID(ef *elf.File) []byte {
	sec := ef.Section(".note.gnu.build-id")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return ParseBuildIDNote(data)
}

// ParseBuildIDNote extracts the GNU build-id from the raw contents of a
// SHT_NOTE section or PT_NOTE segment. Nil if there is none.
func ParseBuildIDNote(data []byte) []byte {
	const ntGNUBuildID = 3
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:4])
		descsz := binary.LittleEndian.Uint32(data[4:8])
		typ := binary.LittleEndian.Uint32(data[8:12])
		nameEnd := 12 + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(descEnd) > uint64(len(data)) {
			return nil
		}
		name := data[12 : 12+namesz]
		if typ == ntGNUBuildID && string(name) == "GNU\x00" {
			return data[nameEnd : nameEnd+int(descsz)]
		}
		data = data[descEnd:]
	}
	return nil
}

func align4(n uint32) int {
	return int((n + 3) &^ 3)
}

func (o *Object) Name() string      { return o.name }
func (o *Object) Start() uint64     { return o.start }
func (o *Object) End() uint64       { return o.end }
func (o *Object) BuildID() []byte   { return o.buildID }
func (o *Object) MainFile() string  { return o.mainFile }
func (o *Object) DebugFile() string { return o.debugFile }
func (o *Object) AddrWidth() int    { return o.addrWidth }

// fileAddr translates a target address into the module's link-time
// address space.
func (o *Object) fileAddr(addr uint64) uint64 {
	return addr - o.bias
}

// SymbolAt finds the symbol covering addr. Symbols with size zero, often
// hand-written assembly entries, extend to the next symbol, capped at one
// page.
func (o *Object) SymbolAt(addr uint64) string {
	pc := o.fileAddr(addr)
	idx := sort.Search(len(o.syms), func(i int) bool {
		return o.syms[i].Value > pc
	})
	if idx == 0 {
		return ""
	}
	s := o.syms[idx-1]
	if s.Size > 0 {
		if pc < s.Value+s.Size {
			return s.Name
		}
		return ""
	}
	limit := s.Value + 4096
	if idx < len(o.syms) && o.syms[idx].Value < limit {
		limit = o.syms[idx].Value
	}
	if pc < limit {
		return s.Name
	}
	return ""
}

// Set is an ordered collection of modules, searchable by address.
type Set struct {
	objects []*Object
}

func NewSet() *Set {
	return &Set{}
}

func (s *Set) Add(o *Object) {
	s.objects = append(s.objects, o)
	sort.Slice(s.objects, func(i, j int) bool {
		return s.objects[i].start < s.objects[j].start
	})
}

// ModuleAt returns the module owning addr, or nil. A miss is not an
// error; callers fall back to addresses-only output.
func (s *Set) ModuleAt(addr uint64) Module {
	idx := sort.Search(len(s.objects), func(i int) bool {
		return s.objects[i].end > addr
	})
	if idx < len(s.objects) && s.objects[idx].start <= addr {
		return s.objects[idx]
	}
	return nil
}

func (s *Set) Modules() []Module {
	mods := make([]Module, len(s.objects))
	for i, o := range s.objects {
		mods[i] = o
	}
	return mods
}

var _ Module = (*Object)(nil)
