package debuginfo

import (
	"debug/dwarf"
	"io"
	"sort"
)

type cuRange struct {
	low   uint64
	high  uint64
	entry *dwarf.Entry
}

type lineTable struct {
	entries []dwarf.LineEntry
	files   []*dwarf.LineFile
}

// indexCompileUnits records the address ranges of every compile unit so
// that per-address lookups can binary search instead of rescanning the
// whole DWARF tree.
func (o *Object) indexCompileUnits() {
	o.cuRanges = nil
	r := o.dw.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := o.dw.Ranges(entry)
		if err != nil {
			continue
		}
		for _, rng := range ranges {
			o.cuRanges = append(o.cuRanges, cuRange{
				low:   rng[0],
				high:  rng[1],
				entry: entry,
			})
		}
	}
	sort.Slice(o.cuRanges, func(i, j int) bool {
		return o.cuRanges[i].low < o.cuRanges[j].low
	})
}

func (o *Object) findCU(pc uint64) *dwarf.Entry {
	idx := sort.Search(len(o.cuRanges), func(i int) bool {
		return o.cuRanges[i].high > pc
	})
	if idx < len(o.cuRanges) && o.cuRanges[idx].low <= pc {
		return o.cuRanges[idx].entry
	}
	return nil
}

func (o *Object) cuLines(cu *dwarf.Entry) *lineTable {
	if t, ok := o.lineCache[cu.Offset]; ok {
		return t
	}
	t := &lineTable{}
	o.lineCache[cu.Offset] = t
	lr, err := o.dw.LineReader(cu)
	if err != nil || lr == nil {
		return t
	}
	var entry dwarf.LineEntry
	for {
		if err := lr.Next(&entry); err != nil {
			if err != io.EOF {
				return t
			}
			break
		}
		t.entries = append(t.entries, entry)
	}
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].Address < t.entries[j].Address
	})
	t.files = lr.Files()
	return t
}

// LineAt maps a target address to a source position using the owning
// compile unit's line table.
func (o *Object) LineAt(addr uint64) (Line, bool) {
	if o.dw == nil {
		return Line{}, false
	}
	pc := o.fileAddr(addr)
	cu := o.findCU(pc)
	if cu == nil {
		return Line{}, false
	}
	t := o.cuLines(cu)
	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Address > pc
	})
	if idx == 0 {
		return Line{}, false
	}
	e := t.entries[idx-1]
	// An end-of-sequence row marks a gap, not code.
	if e.EndSequence || e.File == nil || e.Line == 0 {
		return Line{}, false
	}
	return Line{File: e.File.Name, Line: e.Line, Column: e.Column}, true
}

// scopeNode implements Scope. Every node keeps the full chain it was
// found in, so ScopeChain is a slice, not another tree walk.
type scopeNode struct {
	obj   *Object
	cu    *dwarf.Entry
	chain []*dwarf.Entry // innermost first
	idx   int
}

// ScopesAt returns the scope chain covering addr, innermost first.
func (o *Object) ScopesAt(addr uint64) []Scope {
	if o.dw == nil {
		return nil
	}
	pc := o.fileAddr(addr)
	cu := o.findCU(pc)
	if cu == nil {
		return nil
	}
	r := o.dw.Reader()
	r.Seek(cu.Offset)
	if _, err := r.Next(); err != nil {
		return nil
	}
	var chain []*dwarf.Entry
	o.collectScopes(r, pc, &chain)
	if len(chain) == 0 {
		return nil
	}
	return o.wrapChain(cu, chain)
}

// ScopeChain returns the chain from s outward; s itself is index 0.
func (o *Object) ScopeChain(s Scope) []Scope {
	node, ok := s.(*scopeNode)
	if !ok || node.obj != o {
		return nil
	}
	return o.wrapChain(node.cu, node.chain[node.idx:])
}

func (o *Object) wrapChain(cu *dwarf.Entry, chain []*dwarf.Entry) []Scope {
	scopes := make([]Scope, len(chain))
	for i := range chain {
		scopes[i] = &scopeNode{obj: o, cu: cu, chain: chain, idx: i}
	}
	return scopes
}

// collectScopes walks one sibling level of the DIE tree, descending into
// the entry that covers pc. Entries are appended after their children, so
// the resulting chain is ordered innermost first.
func (o *Object) collectScopes(r *dwarf.Reader, pc uint64, chain *[]*dwarf.Entry) {
	for {
		e, err := r.Next()
		if err != nil || e == nil || e.Tag == 0 {
			return
		}
		if !o.covers(e, pc) {
			if e.Children {
				r.SkipChildren()
			}
			continue
		}
		if e.Children {
			o.collectScopes(r, pc, chain)
		}
		switch e.Tag {
		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine,
			dwarf.TagEntryPoint, dwarf.TagLexDwarfBlock:
			*chain = append(*chain, e)
		}
		return
	}
}

func (o *Object) covers(e *dwarf.Entry, pc uint64) bool {
	ranges, err := o.dw.Ranges(e)
	if err != nil {
		return false
	}
	for _, rng := range ranges {
		if pc >= rng[0] && pc < rng[1] {
			return true
		}
	}
	return false
}

func (s *scopeNode) Kind() ScopeKind {
	switch s.chain[s.idx].Tag {
	case dwarf.TagSubprogram:
		return KindSubprogram
	case dwarf.TagInlinedSubroutine:
		return KindInlinedSubroutine
	case dwarf.TagEntryPoint:
		return KindEntryPoint
	default:
		return KindOther
	}
}

// Name prefers the linkage name so demangling can kick in, falling back
// to the declaration name, following abstract origins and specifications
// the way dwarf_attr_integrate does.
func (s *scopeNode) Name() string {
	return s.obj.entryName(s.chain[s.idx], 0)
}

func (o *Object) entryName(e *dwarf.Entry, depth int) string {
	if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok {
		return name
	}
	if name, ok := e.Val(dwarf.AttrName).(string); ok {
		return name
	}
	if depth >= 2 {
		return ""
	}
	for _, attr := range []dwarf.Attr{dwarf.AttrAbstractOrigin, dwarf.AttrSpecification} {
		off, ok := e.Val(attr).(dwarf.Offset)
		if !ok {
			continue
		}
		if ref := o.entryAt(off); ref != nil {
			if name := o.entryName(ref, depth+1); name != "" {
				return name
			}
		}
	}
	return ""
}

func (o *Object) entryAt(off dwarf.Offset) *dwarf.Entry {
	r := o.dw.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil
	}
	return e
}

// CallSite reports where this inlined scope was called from, decoding the
// DW_AT_call_file index through the compile unit's file table.
func (s *scopeNode) CallSite() (Line, bool) {
	e := s.chain[s.idx]
	fileIdx, ok := e.Val(dwarf.AttrCallFile).(int64)
	if !ok {
		return Line{}, false
	}
	files := s.obj.cuLines(s.cu).files
	if fileIdx < 0 || int(fileIdx) >= len(files) || files[fileIdx] == nil {
		return Line{}, false
	}
	l := Line{File: files[fileIdx].Name}
	if line, ok := e.Val(dwarf.AttrCallLine).(int64); ok {
		l.Line = int(line)
	}
	if col, ok := e.Val(dwarf.AttrCallColumn).(int64); ok {
		l.Column = int(col)
	}
	return l, true
}
