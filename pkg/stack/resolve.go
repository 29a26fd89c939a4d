package stack

import (
	"github.com/debugkit/pstack/pkg/debuginfo"
	"github.com/debugkit/pstack/pkg/frame"
)

// resolvedFrame is the transient result of symbolizing one captured
// frame. It is handed straight to the printer and dropped.
type resolvedFrame struct {
	frame   frame.Frame
	mod     debuginfo.Module
	symname string
	die     debuginfo.Scope // set only when the name came from a scope
}

// resolve maps a frame's adjusted address to a module and, unless quiet,
// to a symbol name. With ShowDebugName the DWARF scope chain is consulted
// first: the innermost function-like scope with a name wins and its node
// is kept for inline expansion. The plain symbol table is the fallback.
func (d *Driver) resolve(f frame.Frame) resolvedFrame {
	r := resolvedFrame{frame: f}
	adj := f.Adjusted()
	r.mod = d.sess.ModuleAt(adj)
	if r.mod == nil || d.opts.Quiet {
		return r
	}
	if d.opts.ShowDebugName {
		for _, sc := range r.mod.ScopesAt(adj) {
			switch sc.Kind() {
			case debuginfo.KindSubprogram, debuginfo.KindInlinedSubroutine,
				debuginfo.KindEntryPoint:
				if name := sc.Name(); name != "" {
					r.symname, r.die = name, sc
				}
			}
			if r.die != nil {
				break
			}
		}
	}
	if r.symname == "" {
		r.symname, r.die = r.mod.SymbolAt(adj), nil
	}
	return r
}

// expandInlines prints the logical frames that inlining folded into one
// physical frame. The innermost position comes first with the name the
// resolver already found; each outer inlined scope is printed with the
// call-site location of the scope below it, because an inlined frame is
// "at" the place its caller invoked it. The enclosing ordinary subprogram
// terminates the chain and is not itself emitted. Returns false when
// there is nothing to expand and the caller should print a single
// ordinary frame.
func (d *Driver) expandInlines(printed *int, r resolvedFrame) bool {
	scopes := r.mod.ScopeChain(r.die)
	if len(scopes) < 2 {
		return false
	}
	d.printer.Frame(*printed, r.frame, r.mod, r.symname, nil)
	(*printed)++

	callSite := scopes[0]
	max := d.opts.MaxFrames
	for i := 1; i < len(scopes) && (max == 0 || *printed < max); i++ {
		sc := scopes[i]
		switch sc.Kind() {
		case debuginfo.KindSubprogram:
			// The top-level function everything was inlined into.
			return true
		case debuginfo.KindInlinedSubroutine, debuginfo.KindEntryPoint:
		default:
			continue
		}
		d.printer.Frame(*printed, r.frame, r.mod, sc.Name(), callSite)
		(*printed)++
		callSite = sc
	}
	return true
}
