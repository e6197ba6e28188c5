package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// main is the entry point for the guestroot CLI.
func main() {
	os.Exit(runCLI(context.Background(), os.Args[1:]))
}

// cliOptions holds the flags shared by every subcommand that opens a scope.
type cliOptions struct {
	rootfs       string
	arch         string
	helper       string
	helperMode   string
	userspec     string
	profile      string
	mounts       []string
	env          []string
	workDir      string
	timeout      time.Duration
	noResolvConf bool
	dryRun       bool
	tty          bool
	verbose      bool
}

type subcommand struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, opts *cliOptions, args []string) (int, error)
}

var subcommands = []subcommand{
	{"run", "run [flags] -- COMMAND [ARG...]", "run a command inside the guest root", cmdRun},
	{"script", "script [flags] SCRIPT [ARG...]", "copy a host script into the guest and run it", cmdScript},
	{"enter", "enter [flags]", "start an interactive shell inside the guest root", cmdEnter},
	{"dpkg", "dpkg [flags] PACKAGE.deb...", "install local .deb files into the guest", cmdDpkg},
	{"probe", "probe [flags]", "report what this host supports", cmdProbe},
}

func runCLI(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	var sub *subcommand
	for i := range subcommands {
		if subcommands[i].name == args[0] {
			sub = &subcommands[i]
		}
	}
	if sub == nil {
		fmt.Fprintf(os.Stderr, "guestroot: unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}

	opts := &cliOptions{}
	flagSet := newFlagSet(sub, opts)
	if err := flagSet.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "guestroot %s: %v\n", sub.name, err)
		return 2
	}

	logger := initLogger(opts.verbose)
	ctx = WithLogger(ctx, logger)
	stop := InitGracefulShutdown(ctx)
	defer stop()

	if opts.dryRun {
		logger.Info("DRY RUN MODE: No changes will be made to the system.")
	}

	code, err := sub.run(ctx, opts, flagSet.Args())
	if err != nil {
		logger.Error("Command failed", "command", sub.name, "error", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func newFlagSet(sub *subcommand, opts *cliOptions) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("guestroot "+sub.name, pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: guestroot %s\n\n%s.\n\nFlags:\n", sub.usage, sub.summary)
		flagSet.PrintDefaults()
	}

	flagSet.StringVar(&opts.arch, "arch", DefaultArch, "guest architecture, used to find qemu-<arch>-static")
	flagSet.StringVar(&opts.helper, "qemu", "", "path to the translation helper (default: found on PATH from --arch)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output")
	if sub.name == "probe" {
		return flagSet
	}

	flagSet.StringVarP(&opts.rootfs, "rootfs", "r", "", "path to the guest root filesystem (required)")
	flagSet.StringVar(&opts.helperMode, "helper-mode", string(HelperModeAuto), "how to install the helper: auto, bind, copy or none")
	flagSet.StringVarP(&opts.userspec, "userspec", "u", "", "USER:GROUP (names or ids) to run as inside the guest")
	flagSet.StringVar(&opts.profile, "profile", "", "YAML profile with mounts and defaults")
	flagSet.StringArrayVarP(&opts.mounts, "mount", "m", nil, "extra bind mount SRC:DST[:OPTIONS], repeatable")
	flagSet.StringArrayVarP(&opts.env, "env", "e", nil, "KEY=VALUE added to the guest environment, repeatable")
	flagSet.StringVarP(&opts.workDir, "workdir", "w", "", "working directory inside the guest")
	flagSet.DurationVar(&opts.timeout, "timeout", 0, "kill the guest command after this long (e.g. 30s, 5m)")
	flagSet.BoolVar(&opts.noResolvConf, "no-resolv-conf", false, "do not bind the host resolv.conf into the guest")
	flagSet.BoolVar(&opts.dryRun, "dry-run", false, "log mounts and commands without performing them")
	flagSet.BoolVarP(&opts.tty, "tty", "t", false, "run the command on a pseudo-terminal")
	return flagSet
}

func printUsage() {
	var b strings.Builder
	b.WriteString("guestroot prepares a foreign-architecture root filesystem and runs commands in it.\n\nUsage:\n")
	for _, sub := range subcommands {
		fmt.Fprintf(&b, "  guestroot %-36s %s\n", sub.usage, sub.summary)
	}
	b.WriteString("\nRun 'guestroot COMMAND --help' for the flags of a command.\n")
	fmt.Fprint(os.Stderr, b.String())
}

// scopeConfig turns the flags into a ScopeConfig, applying the profile.
func (o *cliOptions) scopeConfig() (ScopeConfig, error) {
	cfg := ScopeConfig{
		Arch:           o.arch,
		HelperPath:     o.helper,
		HelperMode:     HelperMode(o.helperMode),
		Userspec:       o.userspec,
		SkipResolvConf: o.noResolvConf,
		DryRun:         o.dryRun,
	}
	for _, m := range o.mounts {
		entry, err := ParseMountSpec(m)
		if err != nil {
			return ScopeConfig{}, err
		}
		cfg.ExtraMounts = append(cfg.ExtraMounts, entry)
	}
	if o.profile != "" {
		p, err := LoadProfile(o.profile)
		if err != nil {
			return ScopeConfig{}, err
		}
		if err := p.Apply(&cfg); err != nil {
			return ScopeConfig{}, err
		}
	}
	return cfg, nil
}

func (o *cliOptions) runOptions() RunOptions {
	return RunOptions{
		Timeout: o.timeout,
		Env:     o.env,
		Dir:     o.workDir,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		TTY:     o.tty,
	}
}

// withCLIScope opens a scope from the flags and runs fn in it. The exit code
// is fn's unless closing failed.
func withCLIScope(ctx context.Context, o *cliOptions, fn func(*Scope) (int, error)) (int, error) {
	if o.rootfs == "" {
		return 2, validationError("rootfs", "--rootfs is required")
	}
	cfg, err := o.scopeConfig()
	if err != nil {
		return 2, err
	}

	code := 0
	err = WithScope(ctx, o.rootfs, cfg, func(s *Scope) error {
		var ferr error
		code, ferr = fn(s)
		return ferr
	})
	if err != nil && code == 0 {
		code = 1
	}
	return code, err
}

func cmdRun(ctx context.Context, o *cliOptions, args []string) (int, error) {
	if len(args) == 0 {
		return 2, validationError("argv", "a command to run is required")
	}
	return withCLIScope(ctx, o, func(s *Scope) (int, error) {
		res, err := s.RunCommand(ctx, args, o.runOptions())
		return exitCode(res), err
	})
}

func cmdScript(ctx context.Context, o *cliOptions, args []string) (int, error) {
	if len(args) == 0 {
		return 2, validationError("script", "a script to run is required")
	}
	return withCLIScope(ctx, o, func(s *Scope) (int, error) {
		res, err := s.RunScript(ctx, args[0], args[1:], o.runOptions())
		return exitCode(res), err
	})
}

func cmdEnter(ctx context.Context, o *cliOptions, args []string) (int, error) {
	if len(args) != 0 {
		return 2, validationError("argv", "enter takes no arguments")
	}
	return withCLIScope(ctx, o, func(s *Scope) (int, error) {
		res, err := s.Enter(ctx, o.runOptions())
		return exitCode(res), err
	})
}

func cmdDpkg(ctx context.Context, o *cliOptions, args []string) (int, error) {
	return withCLIScope(ctx, o, func(s *Scope) (int, error) {
		res, err := InstallDebs(ctx, s, args, o.runOptions())
		return exitCode(res), err
	})
}

func cmdProbe(ctx context.Context, o *cliOptions, args []string) (int, error) {
	arch, err := ParseArch(o.arch)
	if err != nil {
		return 2, err
	}
	caps := DetectCapabilities(ctx, nil, arch)
	if o.helper != "" {
		caps.HelperPath = o.helper
	}

	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	fmt.Printf("host architecture:  %s\n", caps.HostArch)
	fmt.Printf("running as root:    %s\n", yesNo(caps.Root))
	fmt.Printf("bind mounts:        %s\n", yesNo(caps.BindMounts))
	if caps.BindError != "" {
		fmt.Printf("  reason:           %s\n", caps.BindError)
	}
	fmt.Printf("default route:      %s\n", yesNo(caps.DefaultRoute))
	if caps.HelperPath != "" {
		fmt.Printf("helper for %-8s %s\n", string(arch)+":", caps.HelperPath)
	} else {
		fmt.Printf("helper for %-8s not found\n", string(arch)+":")
	}

	if caps.HelperPath == "" || !caps.Root {
		return 1, nil
	}
	return 0, nil
}

// exitCode maps a result to the CLI exit status, the way chroot(1) passes
// the command's status through.
func exitCode(res *ExecResult) int {
	switch {
	case res == nil:
		return 0
	case res.TimedOut:
		return 124
	default:
		return res.ExitCode
	}
}

func initLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose || os.Getenv("DEBUG") != "" {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
