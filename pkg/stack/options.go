package stack

import "fmt"

// DefaultMaxFrames is the per-thread frame limit applied when the user
// does not choose one. Zero disables the limit.
const DefaultMaxFrames = 256

// Process exit codes. All frames shown without any errors is OK. Some
// frames shown with some non-fatal errors is ERROR. A fatal error or no
// frames shown at all is BAD. USAGE is produced by the CLI layer for
// invalid invocations.
const (
	ExitOK    = 0
	ExitError = 1
	ExitBad   = 2
	ExitUsage = 64
)

// Options are the display and walk settings for one run. They are passed
// explicitly; there is no global mode state.
type Options struct {
	ShowActivation bool // mark frames whose lookup address was adjusted
	ShowDebugName  bool // resolve names via DWARF scopes before the symtab
	ShowInlines    bool // expand inlined call chains (implies ShowDebugName)
	ShowModule     bool // append the owning module's basename
	ShowBuildID    bool // append build-id, load address and pc offset
	ShowSource     bool // append source file, line and column
	ShowRaw        bool // do not demangle symbol names
	Quiet          bool // skip all symbol resolution
	OneThread      bool // walk only the thread whose id equals the pid
	ListModules    bool // print the module memory map before the stacks
	MaxFrames      int  // per-thread frame limit, 0 means unlimited
}

// Normalize applies implied settings.
func (o *Options) Normalize() {
	if o.ShowInlines {
		o.ShowDebugName = true
	}
}

// Validate rejects settings that have no meaning.
func (o *Options) Validate() error {
	if o.MaxFrames < 0 {
		return fmt.Errorf("max frames should be 0 or higher, got %d", o.MaxFrames)
	}
	return nil
}

// RunState accumulates what happened across all threads and decides the
// final exit status.
type RunState struct {
	FramesShown bool
	ErrorCount  int
}

// ExitCode maps the run outcome onto the process exit status: BAD when
// nothing was ever shown, ERROR when frames were shown but diagnostics
// were recorded, OK otherwise.
func (s *RunState) ExitCode() int {
	switch {
	case !s.FramesShown:
		return ExitBad
	case s.ErrorCount > 0:
		return ExitError
	default:
		return ExitOK
	}
}
