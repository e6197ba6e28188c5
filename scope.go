package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// ScopeState is the lifecycle state of a Scope.
type ScopeState int

const (
	StateUnopened ScopeState = iota
	StatePreparing
	StateReady
	StateRunning
	StateClosing
	StateClosed
	StateFailed
)

func (s ScopeState) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StatePreparing:
		return "preparing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ScopeState(%d)", int(s))
	}
}

// Scope is a prepared guest root. Commands run in it one at a time; Close
// releases everything Open acquired, in reverse order.
type Scope struct {
	root       string
	arch       specs.Arch
	helperPath string
	helperMode HelperMode
	cfg        ScopeConfig
	identity   Identity

	mounts    *MountStack
	installer *HelperInstaller
	helper    *InstalledHelper
	launcher  Launcher
	teardown  teardownStack
	metrics   *ScopeMetrics

	mu        sync.Mutex
	state     ScopeState
	runCancel context.CancelFunc
	runDone   chan struct{}
	openDone  chan struct{}
	closeDone chan struct{}
}

// Open prepares root for guest execution: mandatory mounts, extra mounts,
// then the translation helper. If any step fails or panics everything
// acquired so far is released and the root is free again.
func Open(ctx context.Context, root string, cfg ScopeConfig) (*Scope, error) {
	start := time.Now()
	logger := Logger(ctx).With("component", "scope")

	s, err := newScope(ctx, root, cfg)
	if err != nil {
		return nil, err
	}
	s.setState(StatePreparing)
	if err := scopes.acquire(s); err != nil {
		return nil, err
	}

	logger.Info("Opening guest scope", "root", s.root, "arch", s.arch, "identity", s.identity.String())

	if err := s.prepareOrRollback(ctx); err != nil {
		return nil, err
	}

	s.metrics.RecordOpenLatency(time.Since(start))
	s.setState(StateReady)
	close(s.openDone)
	logger.Info("Guest scope ready", "root", s.root, "mounts", s.mounts.Len())
	return s, nil
}

// newScope validates the configuration and resolves everything that needs
// no side effects: root, architecture, helper, identity, mount targets.
func newScope(ctx context.Context, root string, cfg ScopeConfig) (*Scope, error) {
	if err := validateScopeConfig(&cfg); err != nil {
		return nil, err
	}
	canon, err := canonicalRoot(root)
	if err != nil {
		return nil, err
	}
	arch, err := ParseArch(cfg.Arch)
	if err != nil {
		return nil, err
	}
	mode, err := ParseHelperMode(string(cfg.HelperMode))
	if err != nil {
		return nil, err
	}

	helperPath := cfg.HelperPath
	if mode != HelperModeNone {
		if helperPath == "" {
			if helperPath, err = findHelper(arch); err != nil {
				return nil, err
			}
		}
		if err := validateHelperBinary(helperPath); err != nil {
			return nil, err
		}
	}

	for i, m := range cfg.ExtraMounts {
		if _, err := resolveGuestPath(canon, m.Target); err != nil {
			if guestErr, ok := err.(*GuestError); ok {
				return nil, guestErr.WithContext("field", fmt.Sprintf("mounts[%d].target", i))
			}
			return nil, err
		}
	}

	identity := RootIdentity()
	switch {
	case cfg.Identity != nil:
		identity = *cfg.Identity
	case cfg.Userspec != "":
		spec, err := ParseUserspec(cfg.Userspec)
		if err != nil {
			return nil, err
		}
		if identity, err = ResolveIdentity(canon, spec); err != nil {
			return nil, err
		}
	}

	mounter, launcher := cfg.Mounter, cfg.Launcher
	if cfg.DryRun {
		mounter, launcher = dryRunMounter{ctx: ctx}, dryRunLauncher{}
		if mode == HelperModeCopy {
			mode = HelperModeBind
		}
	}
	if mounter == nil {
		mounter = unixMounter{}
	}
	if launcher == nil {
		launcher = &processLauncher{}
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}

	metrics := &ScopeMetrics{}
	return &Scope{
		root:       canon,
		arch:       arch,
		helperPath: helperPath,
		helperMode: mode,
		cfg:        cfg,
		identity:   identity,
		mounts:     NewMountStack(canon, mounter, metrics),
		installer:  NewHelperInstaller(mounter, metrics),
		launcher:   launcher,
		metrics:    metrics,
		state:      StateUnopened,
		openDone:   make(chan struct{}),
		closeDone:  make(chan struct{}),
	}, nil
}

// prepareOrRollback runs prepare and, when it fails or panics, unwinds what
// it acquired and releases the root. A panic is re-raised afterwards.
func (s *Scope) prepareOrRollback(ctx context.Context) (err error) {
	logger := Logger(ctx).With("component", "scope")
	defer func() {
		r := recover()
		if r == nil && err == nil {
			return
		}
		if r != nil {
			logger.Error("Guest scope preparation panicked, rolling back", "root", s.root, "panic", r)
		} else {
			logger.Error("Guest scope preparation failed, rolling back", "root", s.root, "error", err)
		}
		s.setState(StateClosing)
		rollback := s.teardown.Drain(context.WithoutCancel(ctx))
		s.setState(StateFailed)
		close(s.openDone)
		scopes.release(s)
		if r != nil {
			if rollback.HasErrors() {
				logger.Error("Rollback after panic left residue", "root", s.root, "error", rollback)
			}
			panic(r)
		}
		if rollback.HasErrors() {
			err = errors.Join(err, rollback)
		}
	}()
	return s.prepare(ctx)
}

func (s *Scope) prepare(ctx context.Context) error {
	s.teardown.Push("mounts", s.mounts.Unwind)

	entries := mandatoryMounts()
	if !s.cfg.SkipResolvConf {
		if m, ok := resolvConfMount(ctx, s.root); ok {
			entries = append(entries, m)
		}
	}
	entries = append(entries, s.cfg.ExtraMounts...)

	for _, m := range entries {
		if err := s.mounts.Push(ctx, m); err != nil {
			return err
		}
	}

	if s.helperMode == HelperModeNone {
		return nil
	}
	marker, err := s.installer.Install(ctx, s.root, s.helperPath, s.helperMode)
	if err != nil {
		return err
	}
	s.helper = marker
	s.teardown.Push("helper", func(ctx context.Context) error {
		return s.installer.Remove(ctx, marker)
	})
	return nil
}

// Close releases the helper and then every mount. It waits for a running
// command until ctx is done or the configured close timeout passes, then
// kills it. Failures are returned as an *ErrorChain; the scope ends Closed
// either way. Closing a closed scope returns nil. A scope still being
// opened is closed once Open finishes.
func (s *Scope) Close(ctx context.Context) error {
	logger := Logger(ctx).With("component", "scope")

	s.mu.Lock()
	switch s.state {
	case StateClosing:
		done := s.closeDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return NewGuestErrorWithCause(ErrInvalidState, "scope close still in progress", ctx.Err()).
				WithContext("root", s.root).
				WithComponent("scope")
		}
	case StateClosed, StateFailed:
		s.mu.Unlock()
		return nil
	case StateUnopened:
		s.state = StateClosed
		if s.closeDone != nil {
			close(s.closeDone)
		}
		s.mu.Unlock()
		return nil
	case StatePreparing:
		opened := s.openDone
		s.mu.Unlock()
		select {
		case <-opened:
			return s.Close(ctx)
		case <-ctx.Done():
			return NewGuestErrorWithCause(ErrInvalidState, "scope still being opened", ctx.Err()).
				WithContext("root", s.root).
				WithComponent("scope")
		}
	}
	running, cancel := s.runDone, s.runCancel
	s.state = StateClosing
	s.mu.Unlock()

	start := time.Now()
	if running != nil {
		logger.Info("Waiting for running command before closing", "timeout", s.cfg.CloseTimeout)
		timer := time.NewTimer(s.cfg.CloseTimeout)
		select {
		case <-running:
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
		select {
		case <-running:
		default:
			logger.Warn("Killing command still running at close")
			cancel()
			<-running
		}
	}

	chain := s.teardown.Drain(context.WithoutCancel(ctx))
	s.metrics.RecordCloseLatency(time.Since(start))

	s.mu.Lock()
	s.state = StateClosed
	close(s.closeDone)
	s.mu.Unlock()
	scopes.release(s)

	logger.Info("Guest scope closed", "root", s.root, "metrics", s.metrics.Snapshot(), "failures", len(chain.Errors))
	if chain.HasErrors() {
		chain.Operation = "close scope " + s.root
		return chain
	}
	return nil
}

// Interrupt kills the running command, if any. The scope stays open.
func (s *Scope) Interrupt() {
	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WithScope opens a scope over root, calls fn, and closes the scope on
// every exit path. A panic in fn is re-raised after the close.
func WithScope(ctx context.Context, root string, cfg ScopeConfig, fn func(*Scope) error) (err error) {
	s, err := Open(ctx, root, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if cerr := s.Close(ctx); cerr != nil {
				Logger(ctx).Error("Close after panic failed", "root", s.root, "error", cerr)
			}
			panic(r)
		}
	}()

	fnErr := fn(s)
	return errors.Join(fnErr, s.Close(ctx))
}

// RunCommand runs argv inside the guest and waits for it. A non-zero exit
// status is reported in the result; errors are reserved for runs that could
// not start, were cancelled, or timed out.
func (s *Scope) RunCommand(ctx context.Context, argv []string, opts RunOptions) (*ExecResult, error) {
	if err := ValidateArgv(argv); err != nil {
		return nil, err
	}
	if err := validateRunOptions(opts); err != nil {
		return nil, err
	}
	runCtx, end, err := s.beginRun(ctx)
	if err != nil {
		return nil, err
	}
	defer end()
	return s.execute(runCtx, argv, opts, false)
}

// RunScript copies a host script into the guest temp area, runs it with
// args, and removes the copy whatever the outcome.
func (s *Scope) RunScript(ctx context.Context, scriptPath string, args []string, opts RunOptions) (*ExecResult, error) {
	logger := Logger(ctx).With("component", "scope")

	if err := validateRunOptions(opts); err != nil {
		return nil, err
	}
	info, err := os.Stat(scriptPath)
	if err != nil {
		return nil, NewGuestErrorWithCause(ErrValidation, "script not accessible", err).
			WithContext("script", scriptPath).
			WithComponent("scope")
	}
	if !info.Mode().IsRegular() {
		return nil, validationError("script", "script is not a regular file").
			WithContext("script", scriptPath)
	}

	runCtx, end, err := s.beginRun(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	guestPath, hostPath, err := s.stageScript(scriptPath)
	// Attempted even when staging failed part way.
	defer func() {
		if hostPath == "" {
			return
		}
		if rerr := removePathIfExists(hostPath); rerr != nil {
			logger.Warn("Failed to remove staged script", "path", hostPath, "error", rerr)
		}
	}()
	if err != nil {
		s.metrics.IncrementFailedCommands()
		return nil, NewGuestErrorWithCause(ErrExecution, "failed to stage script in guest", err).
			WithContext("script", scriptPath).
			WithComponent("scope")
	}

	s.metrics.IncrementScripts()
	argv := append([]string{guestPath}, args...)
	if err := ValidateArgv(argv); err != nil {
		return nil, err
	}
	return s.execute(runCtx, argv, opts, false)
}

// stageScript copies the script into the guest temp area. The host path is
// returned as soon as a file exists there, even if the copy then fails.
func (s *Scope) stageScript(scriptPath string) (string, string, error) {
	tmpDir, err := resolveGuestPath(s.root, GuestTmpDir)
	if err != nil {
		return "", "", err
	}
	f, err := os.CreateTemp(tmpDir, "guestroot-*-"+filepath.Base(scriptPath))
	if err != nil {
		return "", "", err
	}
	hostPath := f.Name()
	guestPath := path.Join(GuestTmpDir, filepath.Base(hostPath))

	src, err := os.Open(scriptPath)
	if err != nil {
		f.Close()
		return guestPath, hostPath, err
	}
	defer src.Close()
	if _, err := pooledCopy(f, src); err != nil {
		f.Close()
		return guestPath, hostPath, err
	}
	if err := f.Close(); err != nil {
		return guestPath, hostPath, err
	}
	return guestPath, hostPath, os.Chmod(hostPath, 0755)
}

// Enter runs an interactive login shell in the guest on the caller's
// terminal and returns when it exits.
func (s *Scope) Enter(ctx context.Context, opts RunOptions) (*ExecResult, error) {
	if err := validateRunOptions(opts); err != nil {
		return nil, err
	}
	runCtx, end, err := s.beginRun(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	shell := "/bin/sh"
	if host, err := resolveGuestPath(s.root, "/bin/bash"); err == nil && checkExecutable(host) == nil {
		shell = "/bin/bash"
	}
	return s.execute(runCtx, []string{shell, "-l"}, opts, true)
}

// beginRun moves the scope from Ready to Running. The returned function
// moves it back unless a close started meanwhile.
func (s *Scope) beginRun(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, nil, NewGuestError(ErrInvalidState, "scope is not ready to run commands").
			WithContext("state", s.state.String()).
			WithComponent("scope")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateRunning
	s.runCancel = cancel
	s.runDone = done

	return runCtx, func() {
		cancel()
		s.mu.Lock()
		if s.state == StateRunning {
			s.state = StateReady
		}
		s.runCancel = nil
		s.runDone = nil
		close(done)
		s.mu.Unlock()
	}, nil
}

func (s *Scope) execute(ctx context.Context, argv []string, opts RunOptions, interactive bool) (*ExecResult, error) {
	logger := Logger(ctx).With("component", "exec")

	identity, err := s.identityFor(opts)
	if err != nil {
		return nil, err
	}
	dir := opts.Dir
	if dir == "" {
		dir = "/"
	}
	hostDir, err := resolveGuestDir(s.root, dir)
	if err != nil {
		return nil, err
	}

	env := guestEnv(identity, s.cfg.Env, opts.Env)
	guestPath, hostPath, err := resolveGuestCommand(s.root, argv[0], dir, envValue(env, "PATH"))
	if err != nil && !s.cfg.DryRun {
		s.metrics.IncrementFailedCommands()
		return nil, NewGuestErrorWithCause(ErrExecution, "command not found in guest", err).
			WithContext("command", argv[0]).
			WithComponent("exec")
	}
	if guestPath == "" {
		guestPath = argv[0]
	}

	proc := &GuestProcess{
		Root:        s.root,
		Path:        guestPath,
		HostPath:    hostPath,
		Args:        argv,
		Env:         env,
		Dir:         dir,
		HostDir:     hostDir,
		Identity:    identity,
		Stdin:       opts.Stdin,
		Stdout:      opts.Stdout,
		Stderr:      opts.Stderr,
		TTY:         opts.TTY,
		Interactive: interactive,
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	logger.Debug("Running guest command", "argv", argv, "identity", identity.String(), "dir", dir)
	res, err := s.launcher.Launch(runCtx, proc)
	switch {
	case err == nil:
		s.metrics.IncrementCommands()
		logger.Debug("Guest command finished", "argv", argv, "exit_code", res.ExitCode, "duration", res.Duration)
		return res, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.metrics.IncrementCommands()
		s.metrics.IncrementTimeouts()
		if res == nil {
			res = &ExecResult{Argv: argv}
		}
		res.TimedOut = true
		logger.Warn("Guest command timed out and was killed", "argv", argv, "timeout", opts.Timeout)
		return res, NewGuestErrorWithCause(ErrTimeout, "command timed out", err).
			WithContext("timeout", opts.Timeout.String()).
			WithComponent("exec")
	default:
		s.metrics.IncrementFailedCommands()
		return res, NewGuestErrorWithCause(ErrExecution, "failed to run guest command", err).
			WithContext("command", argv[0]).
			WithComponent("exec")
	}
}

func (s *Scope) identityFor(opts RunOptions) (Identity, error) {
	switch {
	case opts.Identity != nil:
		return *opts.Identity, nil
	case opts.Userspec != "":
		spec, err := ParseUserspec(opts.Userspec)
		if err != nil {
			return Identity{}, err
		}
		return ResolveIdentity(s.root, spec)
	default:
		return s.identity, nil
	}
}

func resolveGuestDir(root, dir string) (string, error) {
	if dir == "/" {
		return root, nil
	}
	return resolveGuestPath(root, dir)
}

// Root returns the canonical guest root path.
func (s *Scope) Root() string { return s.root }

// Arch returns the guest architecture.
func (s *Scope) Arch() specs.Arch { return s.arch }

// Identity returns the default identity commands run as.
func (s *Scope) Identity() Identity { return s.identity }

// Helper returns the installed helper marker, nil when none was installed.
func (s *Scope) Helper() *InstalledHelper { return s.helper }

// Metrics returns the scope's counters.
func (s *Scope) Metrics() MetricsSnapshot { return s.metrics.Snapshot() }

// State returns the current lifecycle state.
func (s *Scope) State() ScopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scope) setState(state ScopeState) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()
	Logger(context.Background()).Debug("Scope state changed", "root", s.root, "from", old, "to", state)
}
