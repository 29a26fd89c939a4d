package stack

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/debugkit/pstack/pkg/frame"
)

// unknownModule is printed in diagnostics when no module owns an address.
const unknownModule = "<unknown>"

// Driver walks every requested thread of a session and writes the
// backtraces to w. Diagnostics go to the default slog logger and are
// counted in the run state, which decides the exit status afterwards.
type Driver struct {
	w       io.Writer
	sess    Session
	opts    Options
	buf     *frame.Buffer
	printer *Printer
	state   RunState
}

func NewDriver(w io.Writer, sess Session, opts Options) *Driver {
	opts.Normalize()
	return &Driver{
		w:       w,
		sess:    sess,
		opts:    opts,
		buf:     frame.NewBuffer(opts.MaxFrames),
		printer: NewPrinter(w, opts),
	}
}

// State exposes the accumulated run outcome.
func (d *Driver) State() *RunState {
	return &d.state
}

// Run walks one thread or all of them. Per-thread unwind failures and
// enumeration failures are recorded, not fatal; output produced so far
// stays valid.
func (d *Driver) Run() {
	if d.opts.OneThread {
		tid := d.sess.PID()
		t, err := d.sess.Thread(tid)
		if err != nil {
			// The thread header frames every per-thread outcome, even
			// an empty one.
			fmt.Fprintf(d.w, "TID %d:\n", tid)
			d.diag("cannot select thread", "tid", tid, "error", err)
			return
		}
		d.walk(t)
		return
	}
	fmt.Fprintf(d.w, "PID %d - %s\n", d.sess.PID(), d.sess.Kind())
	threads, err := d.sess.Threads()
	if err != nil {
		d.diag("thread enumeration failed", "error", err)
	}
	for _, t := range threads {
		d.walk(t)
	}
}

// walk is the per-thread state machine: reset the buffer, pull frames
// until the unwinder is exhausted, errors out, or the limit is reached,
// then report whatever was captured.
func (d *Driver) walk(t Thread) {
	d.buf.Reset()
	var walkErr error
	src, err := t.Frames()
	if err != nil {
		walkErr = err
	} else {
	collect:
		for {
			f, ok, err := src.Next()
			switch {
			case err != nil:
				walkErr = err
				break collect
			case !ok:
				break collect
			}
			if cerr := d.buf.Capture(f.PC, f.Activation); cerr != nil {
				// Limit reached; keep what we have and stop pulling.
				break collect
			}
		}
	}
	d.report(t.TID(), walkErr)
}

// report renders the captured frames and emits at most one diagnostic:
// the frame limit notice, or the unwind error with the last successfully
// resolved position for context.
func (d *Driver) report(tid int, walkErr error) {
	if d.buf.Len() > 0 {
		d.state.FramesShown = true
	}
	fmt.Fprintf(d.w, "TID %d:\n", tid)

	printed := 0
	max := d.opts.MaxFrames
	for i := 0; i < d.buf.Len() && (max == 0 || printed < max); i++ {
		r := d.resolve(d.buf.At(i))
		if d.opts.ShowInlines && r.die != nil && d.expandInlines(&printed, r) {
			continue
		}
		d.printer.Frame(printed, r.frame, r.mod, r.symname, nil)
		printed++
	}

	switch {
	case d.buf.Len() > 0 && max > 0 && printed == max:
		d.diag("shown max number of frames, use -n 0 for unlimited",
			"tid", tid, "frames", max)
	case walkErr != nil:
		if d.buf.Len() > 0 {
			last := d.buf.At(d.buf.Len() - 1)
			adj := last.Adjusted()
			d.diag("unwind failed", "tid", tid,
				"pc", fmt.Sprintf("%#x", adj),
				"module", d.moduleName(adj),
				"error", walkErr)
		} else {
			d.diag("unwind failed", "tid", tid, "error", walkErr)
		}
	}
}

// ListModules prints the module memory map: one line per module with its
// address range, then indented build-id and file lines when known.
func (d *Driver) ListModules() {
	fmt.Fprintf(d.w, "PID %d - %s module memory map\n", d.sess.PID(), d.sess.Kind())
	for _, mod := range d.sess.Modules() {
		width := d.printer.addrWidth(mod)
		fmt.Fprintf(d.w, "0x%0*x-0x%0*x %s\n",
			width, mod.Start(), width, mod.End(), filepath.Base(mod.Name()))
		if id := mod.BuildID(); len(id) > 0 {
			fmt.Fprintf(d.w, "  [%x]\n", id)
		}
		if main := mod.MainFile(); main != "" {
			fmt.Fprintf(d.w, "  %s\n", main)
		}
		if dbg := mod.DebugFile(); dbg != "" {
			fmt.Fprintf(d.w, "  %s\n", dbg)
		}
	}
}

func (d *Driver) moduleName(addr uint64) string {
	if mod := d.sess.ModuleAt(addr); mod != nil {
		if name := mod.Name(); name != "" {
			return name
		}
		if main := mod.MainFile(); main != "" {
			return main
		}
	}
	return unknownModule
}

func (d *Driver) diag(msg string, args ...any) {
	slog.Error(msg, args...)
	d.state.ErrorCount++
}
