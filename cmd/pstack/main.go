package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/debugkit/pstack/pkg/stack"
	"github.com/debugkit/pstack/pkg/target"
)

var logLevel = new(slog.LevelVar)

func main() {
	logHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(logHandler))
	if err := newRootCommand().Execute(); err != nil {
		exitCode := stack.ExitBad
		var uerr *usageError
		if errors.As(err, &uerr) {
			exitCode = stack.ExitUsage
		}
		slog.Error("exiting with an error", "error", err)
		os.Exit(exitCode)
	}
}

// usageError marks invalid invocations, which exit with their own code.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pstack",
		Short: "Print a stack for each thread in a process or core file",
		Long: `Print a stack for each thread in a process or core file.

The program exits with return code 0 if all frames were shown without
any errors. If some frames were shown, but there were some non-fatal
errors, possibly causing an incomplete backtrace, the program exits
with return code 1. If no frames could be shown, or a fatal error
occurred, the program exits with return code 2. If the program was
invoked with bad or missing arguments it will exit with return code 64.`,
		Args:          cobra.NoArgs,
		RunE:          action,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	flags := cmd.Flags()
	flags.IntP("pid", "p", 0, "show stack of process PID")
	flags.String("core", "", "show stack found in COREFILE")
	flags.StringP("executable", "e", "", "(optional) EXECUTABLE that produced COREFILE")
	flags.String("debuginfo-path", "", "search path for separate debuginfo files")
	flags.BoolP("activation", "a", false, "additionally show frame activation")
	flags.BoolP("debugname", "d", false, "additionally try to lookup DWARF debuginfo name for frame address")
	flags.BoolP("inlines", "i", false, "additionally show inlined function frames using DWARF debuginfo if available (implies -d)")
	flags.BoolP("module", "m", false, "additionally show module file information")
	flags.BoolP("source", "s", false, "additionally show source file information")
	flags.BoolP("verbose", "v", false, "show all additional information (activation, debugname, inlines, module and source)")
	flags.BoolP("quiet", "q", false, "do not resolve address to function symbol name")
	flags.BoolP("raw", "r", false, "show raw function symbol names, do not try to demangle names")
	flags.BoolP("build-id", "b", false, "show module build-id, load address and pc offset")
	flags.BoolP("one-thread", "1", false, "show the backtrace of only one thread")
	flags.IntP("max-frames", "n", stack.DefaultMaxFrames, "show at most MAXFRAMES per thread (use 0 for unlimited)")
	flags.BoolP("list-modules", "l", false, "show module memory map with build-id, elf and debug files detected")
	flags.Bool("debug", false, "debug mode")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			logLevel.Set(slog.LevelDebug)
		}
		return nil
	}
	return cmd
}

// session is what both target kinds provide.
type session interface {
	stack.Session
	Close() error
}

func action(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	pid, err := flags.GetInt("pid")
	if err != nil {
		return err
	}
	corePath, err := flags.GetString("core")
	if err != nil {
		return err
	}
	execPath, err := flags.GetString("executable")
	if err != nil {
		return err
	}
	debugDir, err := flags.GetString("debuginfo-path")
	if err != nil {
		return err
	}

	opts := stack.Options{}
	for flag, dst := range map[string]*bool{
		"activation":   &opts.ShowActivation,
		"debugname":    &opts.ShowDebugName,
		"inlines":      &opts.ShowInlines,
		"module":       &opts.ShowModule,
		"source":       &opts.ShowSource,
		"build-id":     &opts.ShowBuildID,
		"quiet":        &opts.Quiet,
		"raw":          &opts.ShowRaw,
		"one-thread":   &opts.OneThread,
		"list-modules": &opts.ListModules,
	} {
		if *dst, err = flags.GetBool(flag); err != nil {
			return err
		}
	}
	if opts.MaxFrames, err = flags.GetInt("max-frames"); err != nil {
		return err
	}
	if verbose, err := flags.GetBool("verbose"); err != nil {
		return err
	} else if verbose {
		opts.ShowActivation = true
		opts.ShowDebugName = true
		opts.ShowInlines = true
		opts.ShowModule = true
		opts.ShowSource = true
	}
	opts.Normalize()

	if err := opts.Validate(); err != nil {
		return &usageError{err: err}
	}
	if pid < 0 {
		return usagef("-p PID should be a positive process id")
	}
	if corePath == "" && execPath != "" {
		return usagef("-e EXEC needs a core given by --core")
	}
	if pid == 0 && opts.OneThread {
		return usagef("-1 needs a thread id given by -p")
	}
	if (pid == 0) == (corePath == "") {
		return usagef("one of -p PID or --core COREFILE should be given")
	}

	var sess session
	if pid != 0 {
		sess, err = target.AttachProcess(pid, debugDir)
	} else {
		sess, err = target.OpenCore(corePath, execPath, debugDir)
	}
	if err != nil {
		return err
	}
	defer sess.Close()

	driver := stack.NewDriver(os.Stdout, sess, opts)
	if opts.ListModules {
		driver.ListModules()
	}
	driver.Run()

	state := driver.State()
	if !state.FramesShown {
		slog.Error("couldn't show any frames")
	}
	if code := state.ExitCode(); code != stack.ExitOK {
		sess.Close()
		os.Exit(code)
	}
	return nil
}
