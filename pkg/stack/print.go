package stack

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/debugkit/pstack/pkg/debuginfo"
	"github.com/debugkit/pstack/pkg/frame"
)

// Printer renders resolved frames as text. It carries the per-run address
// width cache; create one per run.
type Printer struct {
	w     io.Writer
	opts  Options
	width int // hex digits per address, resolved once per run
}

func NewPrinter(w io.Writer, opts Options) *Printer {
	return &Printer{w: w, opts: opts}
}

// addrWidth determines the address width from the first module that knows
// its ELF class and keeps using it for the rest of the run.
func (p *Printer) addrWidth(mod debuginfo.Module) int {
	if p.width == 0 {
		if mod != nil && mod.AddrWidth() > 0 {
			p.width = mod.AddrWidth()
		} else {
			p.width = 16
		}
	}
	return p.width
}

// Frame prints one logical frame: the header line and, depending on the
// options, build-id and source continuation lines. For inline-expanded
// frames callSite carries the scope whose call-site attributes supply the
// source position; leaf frames pass nil and use the line table instead.
func (p *Printer) Frame(nr int, f frame.Frame, mod debuginfo.Module, symname string, callSite debuginfo.Scope) {
	width := p.addrWidth(mod)
	fmt.Fprintf(p.w, "#%-2d 0x%0*x", nr, width, f.PC)

	if p.opts.ShowActivation {
		marker := ""
		if !f.Activation {
			marker = "- 1"
		}
		fmt.Fprintf(p.w, "%4s", marker)
	}

	if symname != "" {
		fmt.Fprintf(p.w, " %s", p.symbol(symname))
	}

	if p.opts.ShowModule && mod != nil && mod.Name() != "" {
		fmt.Fprintf(p.w, " - %s", filepath.Base(mod.Name()))
	}

	if p.opts.ShowBuildID && mod != nil {
		if id := mod.BuildID(); len(id) > 0 {
			fmt.Fprintf(p.w, "\n    [%x]@0x%x+0x%x",
				id, mod.Start(), f.Adjusted()-mod.Start())
		}
	}

	if p.opts.ShowSource {
		if line, ok := sourceLine(f, mod, callSite); ok {
			fmt.Fprintf(p.w, "\n    %s", line.File)
			if line.Line > 0 {
				fmt.Fprintf(p.w, ":%d", line.Line)
				if line.Column > 0 {
					fmt.Fprintf(p.w, ":%d", line.Column)
				}
			}
		}
	}
	fmt.Fprintln(p.w)
}

// sourceLine picks the source position for a frame: the call site for
// inline-expanded frames, the line table for everything else.
func sourceLine(f frame.Frame, mod debuginfo.Module, callSite debuginfo.Scope) (debuginfo.Line, bool) {
	if callSite != nil {
		return callSite.CallSite()
	}
	if mod == nil {
		return debuginfo.Line{}, false
	}
	return mod.LineAt(f.Adjusted())
}

// symbol demangles Itanium C++ ABI names, recognized by their _Z prefix.
// Demangling is best effort: on failure the mangled name is shown as-is.
func (p *Printer) symbol(name string) string {
	if p.opts.ShowRaw || !strings.HasPrefix(name, "_Z") {
		return name
	}
	if pretty, err := demangle.ToString(name); err == nil {
		return pretty
	}
	return name
}
