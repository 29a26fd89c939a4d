// Package debuginfo resolves addresses to symbols, source lines and
// DWARF scope chains. The rest of the program only sees the [Module] and
// [Scope] interfaces; the ELF/DWARF plumbing stays in here.
package debuginfo

// Line is a source position.
type Line struct {
	File   string
	Line   int
	Column int
}

// ScopeKind classifies a debug-info scope node.
type ScopeKind int

const (
	KindOther ScopeKind = iota
	KindSubprogram
	KindInlinedSubroutine
	KindEntryPoint
)

// Scope is one node of a scope chain. Chains are ordered innermost first:
// index 0 is the exact leaf matching the lookup address, each following
// entry is the next enclosing scope.
type Scope interface {
	Kind() ScopeKind
	// Name returns the linkage name if present, otherwise the plain
	// declaration name. Empty if the scope has neither.
	Name() string
	// CallSite returns the source position at which an inlined scope was
	// called (DW_AT_call_file/line/column).
	CallSite() (Line, bool)
}

// Module is a loaded object (executable or shared library) of the target.
// Implementations own all file access; callers never free anything.
type Module interface {
	// Name is the path or soname the module was mapped under.
	Name() string
	// Start and End bound the module in the target's address space.
	Start() uint64
	End() uint64
	// BuildID returns the GNU build-id, or nil if the module has none.
	BuildID() []byte
	// MainFile is the path of the ELF file backing the module, if known.
	MainFile() string
	// DebugFile is the path of the file the debug info came from, which
	// may be the main file itself or a separate debug file.
	DebugFile() string
	// AddrWidth returns the number of hex digits needed for addresses of
	// this module (8 for 32-bit ELF, 16 for 64-bit), or 0 if unknown.
	AddrWidth() int

	// SymbolAt looks addr up in the module's symbol table.
	// Empty string if no symbol covers addr.
	SymbolAt(addr uint64) string
	// LineAt maps addr to a source position via the line table.
	LineAt(addr uint64) (Line, bool)
	// ScopesAt returns the scope chain covering addr, innermost first.
	// Nil if the module has no debug info or no scope covers addr.
	ScopesAt(addr uint64) []Scope
	// ScopeChain returns the chain from the given scope node outward to
	// the enclosing compile unit. The node itself is index 0.
	ScopeChain(s Scope) []Scope
}
