package stack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/debugkit/pstack/pkg/debuginfo"
	"github.com/debugkit/pstack/pkg/frame"
)

type fakeSource struct {
	frames []frame.Frame
	err    error
}

func (s *fakeSource) Next() (frame.Frame, bool, error) {
	if len(s.frames) == 0 {
		if err := s.err; err != nil {
			s.err = nil
			return frame.Frame{}, false, err
		}
		return frame.Frame{}, false, nil
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, true, nil
}

type fakeThread struct {
	tid       int
	frames    []frame.Frame
	walkErr   error // returned by the source after the last frame
	framesErr error // returned by Frames itself
}

func (t *fakeThread) TID() int { return t.tid }

func (t *fakeThread) Frames() (FrameSource, error) {
	if t.framesErr != nil {
		return nil, t.framesErr
	}
	return &fakeSource{frames: append([]frame.Frame(nil), t.frames...), err: t.walkErr}, nil
}

type fakeScope struct {
	kind    debuginfo.ScopeKind
	name    string
	call    debuginfo.Line
	hasCall bool
}

func (s *fakeScope) Kind() debuginfo.ScopeKind        { return s.kind }
func (s *fakeScope) Name() string                     { return s.name }
func (s *fakeScope) CallSite() (debuginfo.Line, bool) { return s.call, s.hasCall }

type fakeModule struct {
	name       string
	start, end uint64
	buildID    []byte
	mainFile   string
	debugFile  string
	width      int
	symbols    map[uint64]string
	lines      map[uint64]debuginfo.Line
	scopes     map[uint64][]debuginfo.Scope

	symQueries []uint64
}

func (m *fakeModule) Name() string      { return m.name }
func (m *fakeModule) Start() uint64     { return m.start }
func (m *fakeModule) End() uint64       { return m.end }
func (m *fakeModule) BuildID() []byte   { return m.buildID }
func (m *fakeModule) MainFile() string  { return m.mainFile }
func (m *fakeModule) DebugFile() string { return m.debugFile }
func (m *fakeModule) AddrWidth() int    { return m.width }

func (m *fakeModule) SymbolAt(addr uint64) string {
	m.symQueries = append(m.symQueries, addr)
	return m.symbols[addr]
}

func (m *fakeModule) LineAt(addr uint64) (debuginfo.Line, bool) {
	line, ok := m.lines[addr]
	return line, ok
}

func (m *fakeModule) ScopesAt(addr uint64) []debuginfo.Scope {
	return m.scopes[addr]
}

func (m *fakeModule) ScopeChain(s debuginfo.Scope) []debuginfo.Scope {
	for _, chain := range m.scopes {
		for i, sc := range chain {
			if sc == s {
				return chain[i:]
			}
		}
	}
	return []debuginfo.Scope{s}
}

type fakeSession struct {
	pid     int
	kind    Kind
	threads []Thread
	thErr   error
	mods    []debuginfo.Module
}

func (s *fakeSession) PID() int                   { return s.pid }
func (s *fakeSession) Kind() Kind                 { return s.kind }
func (s *fakeSession) Threads() ([]Thread, error) { return s.threads, s.thErr }

func (s *fakeSession) Thread(tid int) (Thread, error) {
	for _, t := range s.threads {
		if t.TID() == tid {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no such thread: TID %d", tid)
}

func (s *fakeSession) ModuleAt(addr uint64) debuginfo.Module {
	for _, m := range s.mods {
		if addr >= m.Start() && addr < m.End() {
			return m
		}
	}
	return nil
}

func (s *fakeSession) Modules() []debuginfo.Module { return s.mods }

func demoModule() *fakeModule {
	return &fakeModule{
		name:  "/usr/bin/demo",
		start: 0x400000,
		end:   0x500000,
		width: 16,
		symbols: map[uint64]string{
			0x400010: "main",
			0x400102: "caller1",
			0x400206: "caller2",
		},
	}
}

func run(sess Session, opts Options) (string, *RunState) {
	var out bytes.Buffer
	d := NewDriver(&out, sess, opts)
	d.Run()
	return out.String(), d.State()
}

// recordingHandler keeps every log record so tests can inspect the
// diagnostics a run emitted.
type recordingHandler struct {
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler            { return h }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}

func runLogged(t *testing.T, sess Session, opts Options) (string, *RunState, []slog.Record) {
	t.Helper()
	h := &recordingHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	defer slog.SetDefault(prev)
	out, state := run(sess, opts)
	return out, state, h.records
}

func recordAttrs(r slog.Record) map[string]any {
	attrs := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	return attrs
}

func TestRunBasic(t *testing.T) {
	sess := &fakeSession{
		pid: 7,
		threads: []Thread{&fakeThread{tid: 7, frames: []frame.Frame{
			{PC: 0x400010, Activation: true},
			{PC: 0x400103},
			{PC: 0x400207},
		}}},
		mods: []debuginfo.Module{demoModule()},
	}
	out, state := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, `PID 7 - process
TID 7:
#0  0x0000000000400010 main
#1  0x0000000000400103 caller1
#2  0x0000000000400207 caller2
`)
	assert.Equal(t, state.ExitCode(), ExitOK)
	assert.Equal(t, state.ErrorCount, 0)
}

func TestRunCoreKind(t *testing.T) {
	sess := &fakeSession{pid: 9, kind: KindCore, threads: []Thread{
		&fakeThread{tid: 9, frames: []frame.Frame{{PC: 0x400010, Activation: true}}},
	}, mods: []debuginfo.Module{demoModule()}}
	out, _ := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, `PID 9 - core
TID 9:
#0  0x0000000000400010 main
`)
}

// Symbol lookups must use the return address minus one for every frame
// except the activation, so a return address pointing just past its call
// still resolves inside the calling function.
func TestRunAddressAdjustment(t *testing.T) {
	mod := demoModule()
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{
			{PC: 0x400010, Activation: true},
			{PC: 0x400200},
		}},
	}, mods: []debuginfo.Module{mod}}
	_, _ = run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.DeepEqual(t, mod.symQueries, []uint64{0x400010, 0x4001ff})
}

func TestRunMaxFrames(t *testing.T) {
	var frames []frame.Frame
	for i := 0; i < 5; i++ {
		frames = append(frames, frame.Frame{PC: uint64(0x400010 + i*0x10), Activation: i == 0})
	}
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: frames},
	}, mods: []debuginfo.Module{demoModule()}}
	out, state := run(sess, Options{MaxFrames: 2})
	assert.Equal(t, out, `PID 1 - process
TID 1:
#0  0x0000000000400010 main
#1  0x0000000000400020
`)
	assert.Equal(t, state.ErrorCount, 1)
	assert.Equal(t, state.ExitCode(), ExitError)
}

func TestRunUnwindError(t *testing.T) {
	sess := &fakeSession{pid: 42, threads: []Thread{
		&fakeThread{
			tid:     42,
			frames:  []frame.Frame{{PC: 0x400010, Activation: true}},
			walkErr: errors.New("read saved frame pointer at 0x7000: unmapped"),
		},
	}, mods: []debuginfo.Module{demoModule()}}
	out, state := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, `PID 42 - process
TID 42:
#0  0x0000000000400010 main
`)
	assert.Assert(t, state.FramesShown)
	assert.Equal(t, state.ErrorCount, 1)
	assert.Equal(t, state.ExitCode(), ExitError)
}

// The unwind-error diagnostic must name the thread and the adjusted
// lookup address of the last captured frame, not its raw pc, plus the
// owning module.
func TestRunUnwindErrorDiagnostic(t *testing.T) {
	sess := &fakeSession{pid: 42, threads: []Thread{
		&fakeThread{
			tid: 42,
			frames: []frame.Frame{
				{PC: 0x400010, Activation: true},
				{PC: 0x400103},
			},
			walkErr: errors.New("read saved frame pointer at 0x7000: unmapped"),
		},
	}, mods: []debuginfo.Module{demoModule()}}
	_, state, records := runLogged(t, sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, state.ErrorCount, 1)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Message, "unwind failed")
	attrs := recordAttrs(records[0])
	assert.Equal(t, attrs["tid"], int64(42))
	assert.Equal(t, attrs["pc"], "0x400102")
	assert.Equal(t, attrs["module"], "/usr/bin/demo")
}

// With no module owning the failing address the diagnostic falls back to
// the <unknown> placeholder.
func TestRunUnwindErrorDiagnosticUnknownModule(t *testing.T) {
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{
			tid:     1,
			frames:  []frame.Frame{{PC: 0xdead0010, Activation: true}},
			walkErr: errors.New("read return address at 0x8: unmapped"),
		},
	}}
	_, _, records := runLogged(t, sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, len(records), 1)
	attrs := recordAttrs(records[0])
	assert.Equal(t, attrs["pc"], "0xdead0010")
	assert.Equal(t, attrs["module"], "<unknown>")
}

func TestRunMaxFramesDiagnostic(t *testing.T) {
	var frames []frame.Frame
	for i := 0; i < 5; i++ {
		frames = append(frames, frame.Frame{PC: uint64(0x400010 + i*0x10), Activation: i == 0})
	}
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: frames},
	}, mods: []debuginfo.Module{demoModule()}}
	_, _, records := runLogged(t, sess, Options{MaxFrames: 2})
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Message, "shown max number of frames, use -n 0 for unlimited")
	attrs := recordAttrs(records[0])
	assert.Equal(t, attrs["tid"], int64(1))
	assert.Equal(t, attrs["frames"], int64(2))
}

func TestRunFramesError(t *testing.T) {
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, framesErr: errors.New("failed to read registers")},
	}}
	out, state := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, "PID 1 - process\nTID 1:\n")
	assert.Equal(t, state.ExitCode(), ExitBad)
}

func TestRunNoThreads(t *testing.T) {
	sess := &fakeSession{pid: 1}
	out, state := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, "PID 1 - process\n")
	assert.Assert(t, !state.FramesShown)
	assert.Equal(t, state.ExitCode(), ExitBad)
}

// A partial thread list plus an error still walks the listed threads.
func TestRunThreadEnumerationError(t *testing.T) {
	sess := &fakeSession{
		pid: 1,
		threads: []Thread{&fakeThread{tid: 1, frames: []frame.Frame{
			{PC: 0x400010, Activation: true},
		}}},
		thErr: errors.New("task list changed"),
		mods:  []debuginfo.Module{demoModule()},
	}
	out, state := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, "PID 1 - process\nTID 1:\n#0  0x0000000000400010 main\n")
	assert.Equal(t, state.ErrorCount, 1)
	assert.Equal(t, state.ExitCode(), ExitError)
}

func TestRunOneThread(t *testing.T) {
	sess := &fakeSession{
		pid: 7,
		threads: []Thread{
			&fakeThread{tid: 7, frames: []frame.Frame{{PC: 0x400010, Activation: true}}},
			&fakeThread{tid: 8, frames: []frame.Frame{{PC: 0x400103}}},
		},
		mods: []debuginfo.Module{demoModule()},
	}
	out, state := run(sess, Options{MaxFrames: DefaultMaxFrames, OneThread: true})
	assert.Equal(t, out, "TID 7:\n#0  0x0000000000400010 main\n")
	assert.Equal(t, state.ExitCode(), ExitOK)
}

// The thread header is printed even when the requested thread cannot be
// selected, framing the empty result like any other thread section.
func TestRunOneThreadMissing(t *testing.T) {
	sess := &fakeSession{
		pid:     7,
		threads: []Thread{&fakeThread{tid: 8}},
	}
	out, state, records := runLogged(t, sess, Options{MaxFrames: DefaultMaxFrames, OneThread: true})
	assert.Equal(t, out, "TID 7:\n")
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Message, "cannot select thread")
	assert.Equal(t, recordAttrs(records[0])["tid"], int64(7))
	assert.Equal(t, state.ExitCode(), ExitBad)
}

func TestRunActivationMarker(t *testing.T) {
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{
			{PC: 0x400010, Activation: true},
			{PC: 0x400103},
		}},
	}, mods: []debuginfo.Module{demoModule()}}
	out, _ := run(sess, Options{MaxFrames: DefaultMaxFrames, ShowActivation: true})
	assert.Equal(t, out, `PID 1 - process
TID 1:
#0  0x0000000000400010     main
#1  0x0000000000400103 - 1 caller1
`)
}

func TestRunQuiet(t *testing.T) {
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{{PC: 0x400010, Activation: true}}},
	}, mods: []debuginfo.Module{demoModule()}}
	out, _ := run(sess, Options{MaxFrames: DefaultMaxFrames, Quiet: true})
	assert.Equal(t, out, "PID 1 - process\nTID 1:\n#0  0x0000000000400010\n")
}

func TestRunDemangle(t *testing.T) {
	mod := demoModule()
	mod.symbols[0x400010] = "_Z3foov"
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{{PC: 0x400010, Activation: true}}},
	}, mods: []debuginfo.Module{mod}}

	out, _ := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, "PID 1 - process\nTID 1:\n#0  0x0000000000400010 foo()\n")

	out, _ = run(sess, Options{MaxFrames: DefaultMaxFrames, ShowRaw: true})
	assert.Equal(t, out, "PID 1 - process\nTID 1:\n#0  0x0000000000400010 _Z3foov\n")
}

func TestRunModuleBuildIDSource(t *testing.T) {
	mod := &fakeModule{
		name:    "/lib/libdemo.so",
		start:   0x400000,
		end:     0x500000,
		width:   16,
		buildID: []byte{0xab, 0xcd},
		symbols: map[uint64]string{0x400010: "main"},
		lines: map[uint64]debuginfo.Line{
			0x400010: {File: "main.c", Line: 100, Column: 5},
		},
	}
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{{PC: 0x400010, Activation: true}}},
	}, mods: []debuginfo.Module{mod}}
	out, _ := run(sess, Options{
		MaxFrames:   DefaultMaxFrames,
		ShowModule:  true,
		ShowBuildID: true,
		ShowSource:  true,
	})
	assert.Equal(t, out, `PID 1 - process
TID 1:
#0  0x0000000000400010 main - libdemo.so
    [abcd]@0x400000+0x10
    main.c:100:5
`)
}

// A three-deep scope chain over one physical frame renders two lines: the
// innermost position and one inlined caller. The enclosing ordinary
// function only terminates the chain.
func TestRunInlines(t *testing.T) {
	inner := &fakeScope{kind: debuginfo.KindInlinedSubroutine, name: "inner",
		call: debuginfo.Line{File: "f.c", Line: 5, Column: 3}, hasCall: true}
	mid := &fakeScope{kind: debuginfo.KindInlinedSubroutine, name: "mid",
		call: debuginfo.Line{File: "g.c", Line: 20}, hasCall: true}
	outer := &fakeScope{kind: debuginfo.KindSubprogram, name: "outer"}
	mod := &fakeModule{
		name:  "/usr/bin/demo",
		start: 0x400000,
		end:   0x500000,
		width: 16,
		scopes: map[uint64][]debuginfo.Scope{
			0x400010: {inner, mid, outer},
		},
		lines: map[uint64]debuginfo.Line{
			0x400010: {File: "main.c", Line: 100},
		},
	}
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{{PC: 0x400010, Activation: true}}},
	}, mods: []debuginfo.Module{mod}}
	out, state := run(sess, Options{
		MaxFrames:   DefaultMaxFrames,
		ShowInlines: true,
		ShowSource:  true,
	})
	assert.Equal(t, out, `PID 1 - process
TID 1:
#0  0x0000000000400010 inner
    main.c:100
#1  0x0000000000400010 mid
    f.c:5:3
`)
	assert.Equal(t, state.ExitCode(), ExitOK)
}

// Expanded inline frames count toward the frame limit like physical ones.
func TestRunInlinesHitCap(t *testing.T) {
	inner := &fakeScope{kind: debuginfo.KindInlinedSubroutine, name: "inner",
		call: debuginfo.Line{File: "f.c", Line: 5}, hasCall: true}
	mid := &fakeScope{kind: debuginfo.KindInlinedSubroutine, name: "mid",
		call: debuginfo.Line{File: "g.c", Line: 9}, hasCall: true}
	mid2 := &fakeScope{kind: debuginfo.KindInlinedSubroutine, name: "mid2",
		call: debuginfo.Line{File: "h.c", Line: 13}, hasCall: true}
	outer := &fakeScope{kind: debuginfo.KindSubprogram, name: "outer"}
	mod := &fakeModule{
		name:   "/usr/bin/demo",
		start:  0x400000,
		end:    0x500000,
		width:  16,
		scopes: map[uint64][]debuginfo.Scope{0x400010: {inner, mid, mid2, outer}},
	}
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{{PC: 0x400010, Activation: true}}},
	}, mods: []debuginfo.Module{mod}}
	out, state := run(sess, Options{MaxFrames: 2, ShowInlines: true})
	assert.Equal(t, out, `PID 1 - process
TID 1:
#0  0x0000000000400010 inner
#1  0x0000000000400010 mid
`)
	assert.Equal(t, state.ErrorCount, 1)
	assert.Equal(t, state.ExitCode(), ExitError)
}

// A chain of one scope has nothing to expand; the frame is printed the
// ordinary way with the scope's name.
func TestRunInlinesSingleScope(t *testing.T) {
	only := &fakeScope{kind: debuginfo.KindSubprogram, name: "main"}
	mod := &fakeModule{
		name:   "/usr/bin/demo",
		start:  0x400000,
		end:    0x500000,
		width:  16,
		scopes: map[uint64][]debuginfo.Scope{0x400010: {only}},
	}
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{{PC: 0x400010, Activation: true}}},
	}, mods: []debuginfo.Module{mod}}
	out, _ := run(sess, Options{MaxFrames: DefaultMaxFrames, ShowInlines: true})
	assert.Equal(t, out, "PID 1 - process\nTID 1:\n#0  0x0000000000400010 main\n")
}

// The address width of the first resolved module is used for the whole
// run, even when later frames land in a module of the other ELF class.
func TestRunAddrWidthSticks(t *testing.T) {
	mod32 := &fakeModule{name: "/usr/bin/demo32", start: 0x8000000, end: 0x8100000,
		width: 8, symbols: map[uint64]string{0x8000010: "main"}}
	mod64 := &fakeModule{name: "/lib/lib64.so", start: 0x400000, end: 0x500000,
		width: 16, symbols: map[uint64]string{0x4000ff: "helper"}}
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{
			{PC: 0x8000010, Activation: true},
			{PC: 0x400100},
		}},
	}, mods: []debuginfo.Module{mod64, mod32}}
	out, _ := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, `PID 1 - process
TID 1:
#0  0x08000010 main
#1  0x00400100 helper
`)
}

func TestRunUnknownModule(t *testing.T) {
	sess := &fakeSession{pid: 1, threads: []Thread{
		&fakeThread{tid: 1, frames: []frame.Frame{{PC: 0xdead0010, Activation: true}}},
	}}
	out, state := run(sess, Options{MaxFrames: DefaultMaxFrames})
	assert.Equal(t, out, "PID 1 - process\nTID 1:\n#0  0x00000000dead0010\n")
	assert.Equal(t, state.ExitCode(), ExitOK)
}

func TestListModules(t *testing.T) {
	mods := []debuginfo.Module{
		&fakeModule{name: "/usr/bin/demo", start: 0x400000, end: 0x500000, width: 16,
			buildID: []byte{0x12, 0x34}, mainFile: "/usr/bin/demo",
			debugFile: "/usr/lib/debug/.build-id/12/34.debug"},
		&fakeModule{name: "/lib/libdemo.so", start: 0x7f0000000000, end: 0x7f0000100000, width: 16},
	}
	sess := &fakeSession{pid: 7, mods: mods}
	var out bytes.Buffer
	d := NewDriver(&out, sess, Options{MaxFrames: DefaultMaxFrames, ListModules: true})
	d.ListModules()
	assert.Equal(t, out.String(), `PID 7 - process module memory map
0x0000000000400000-0x0000000000500000 demo
  [1234]
  /usr/bin/demo
  /usr/lib/debug/.build-id/12/34.debug
0x00007f0000000000-0x00007f0000100000 libdemo.so
`)
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{ShowInlines: true}
	o.Normalize()
	assert.Assert(t, o.ShowDebugName)
}

func TestOptionsValidate(t *testing.T) {
	assert.NilError(t, (&Options{MaxFrames: 0}).Validate())
	assert.NilError(t, (&Options{MaxFrames: 256}).Validate())
	assert.ErrorContains(t, (&Options{MaxFrames: -1}).Validate(), "0 or higher")
}

func TestExitCode(t *testing.T) {
	for _, tc := range []struct {
		state RunState
		want  int
	}{
		{RunState{FramesShown: true}, ExitOK},
		{RunState{FramesShown: true, ErrorCount: 3}, ExitError},
		{RunState{}, ExitBad},
		{RunState{ErrorCount: 1}, ExitBad},
	} {
		assert.Equal(t, tc.state.ExitCode(), tc.want)
	}
}
