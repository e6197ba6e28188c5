package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ExecResult is the outcome of one guest process. A non-zero ExitCode is a
// result, not an error.
type ExecResult struct {
	Argv     []string
	ExitCode int // 128+N when the process was killed by signal N
	Stdout   []byte
	Stderr   []byte // empty for TTY runs, where both streams go to Stdout
	Duration time.Duration
	TimedOut bool
}

// Success reports whether the process exited with status 0.
func (r *ExecResult) Success() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// GuestProcess describes one process to start inside a guest root.
type GuestProcess struct {
	Root     string
	Path     string // executable as seen in the guest
	HostPath string // the same executable as seen from the host
	Args     []string
	Env      []string
	Dir      string // guest working directory
	HostDir  string
	Identity Identity

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	TTY    bool

	// Interactive attaches the process to the caller's terminal and does
	// not capture output.
	Interactive bool
}

// Launcher starts guest processes and waits for them. A non-nil error means
// the process could not be run to completion; ctx errors are returned as is.
type Launcher interface {
	Launch(ctx context.Context, p *GuestProcess) (*ExecResult, error)
}

// processLauncher runs guest processes as children of this process, chrooted
// into the guest root and switched to the requested identity.
type processLauncher struct {
	// noChroot runs HostPath directly on the host. Only tests use it.
	noChroot bool
}

func (l *processLauncher) command(ctx context.Context, p *GuestProcess) *exec.Cmd {
	name, dir := p.Path, p.Dir
	if l.noChroot {
		name, dir = p.HostPath, p.HostDir
	}
	// name always contains a slash, so no host PATH lookup happens here.
	cmd := exec.CommandContext(ctx, name, p.Args[1:]...)
	cmd.Args = p.Args
	cmd.Env = p.Env
	cmd.Dir = dir
	cmd.WaitDelay = ProcessWaitDelay

	attrs := &syscall.SysProcAttr{}
	if !l.noChroot {
		attrs.Chroot = p.Root
		if uint32(os.Geteuid()) != p.Identity.UID || uint32(os.Getegid()) != p.Identity.GID ||
			len(p.Identity.AdditionalGids) > 0 {
			attrs.Credential = &syscall.Credential{
				Uid:    p.Identity.UID,
				Gid:    p.Identity.GID,
				Groups: p.Identity.AdditionalGids,
			}
		}
	}
	if p.TTY || p.Interactive {
		// pty.StartWithAttrs needs a new session; setpgid would fail after setsid.
		attrs.Setsid = true
		attrs.Setctty = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs

	// Kill the whole process group, not only the direct child.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return cmd.Process.Kill()
		}
		return nil
	}
	return cmd
}

func (l *processLauncher) Launch(ctx context.Context, p *GuestProcess) (*ExecResult, error) {
	if len(p.Args) == 0 {
		return nil, errors.New("empty argument vector")
	}
	cmd := l.command(ctx, p)
	if p.TTY || p.Interactive {
		return runWithPTY(ctx, cmd, p)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = p.Stdin
	cmd.Stdout = teeWriter(&stdout, p.Stdout)
	cmd.Stderr = teeWriter(&stderr, p.Stderr)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	waitErr := cmd.Wait()

	res := &ExecResult{
		Argv:     p.Args,
		Duration: time.Since(start),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}
	return res, finishWait(ctx, cmd, res, waitErr)
}

// finishWait turns the Wait result into an exit status. Exit statuses are
// data; only context expiry and wait failures become errors.
func finishWait(ctx context.Context, cmd *exec.Cmd, res *ExecResult, waitErr error) error {
	if cmd.ProcessState != nil {
		res.ExitCode = exitStatus(cmd.ProcessState)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return nil
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The process exited but something it spawned kept the pipes open.
		Logger(ctx).Warn("Guest process left output pipes open", "argv", res.Argv)
		return nil
	}
	return waitErr
}

func exitStatus(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

func teeWriter(capture *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return capture
	}
	return io.MultiWriter(capture, w)
}

// runWithPTY runs cmd on a new pseudo-terminal. Interactive runs connect it
// to the caller's terminal in raw mode; others capture what it prints.
func runWithPTY(ctx context.Context, cmd *exec.Cmd, p *GuestProcess) (*ExecResult, error) {
	logger := Logger(ctx).With("component", "exec")

	var size *pty.Winsize
	stdinFd := int(os.Stdin.Fd())
	interactiveTerm := p.Interactive && term.IsTerminal(stdinFd)
	if !interactiveTerm {
		size = &pty.Winsize{Rows: 24, Cols: 80}
	}

	start := time.Now()
	ptmx, err := pty.StartWithAttrs(cmd, size, cmd.SysProcAttr)
	if err != nil {
		return nil, fmt.Errorf("failed to start command with PTY: %w", err)
	}
	defer ptmx.Close()

	var output bytes.Buffer
	stdin, stdout := p.Stdin, p.Stdout
	if p.Interactive {
		stdin, stdout = os.Stdin, os.Stdout
	} else {
		stdout = teeWriter(&output, p.Stdout)
	}

	if interactiveTerm {
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer func() {
			signal.Stop(winch)
			close(winch)
		}()
		go func() {
			for range winch {
				if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
					logger.Debug("PTY resize failed", "error", err)
				}
			}
		}()
		winch <- syscall.SIGWINCH

		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			logger.Warn("Failed to set raw mode", "error", err)
		} else {
			defer term.Restore(stdinFd, oldState)
		}
	}

	if stdin != nil {
		// Blocked in Read until the next input; it ends with the process.
		go func() {
			_, _ = io.Copy(ptmx, stdin)
		}()
	}

	var copyDone sync.WaitGroup
	copyDone.Add(1)
	go func() {
		defer copyDone.Done()
		// Reading the master fails with EIO once the last slave fd is closed.
		_, _ = io.Copy(stdout, ptmx)
	}()

	waitErr := cmd.Wait()
	drained := make(chan struct{})
	go func() {
		copyDone.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(ProcessWaitDelay):
		logger.Warn("PTY output still open after process exit")
	}

	res := &ExecResult{
		Argv:     p.Args,
		Duration: time.Since(start),
		Stdout:   output.Bytes(),
	}
	return res, finishWait(ctx, cmd, res, waitErr)
}

// resolveGuestCommand finds the executable for name the way a shell in the
// guest would, using the guest PATH under root. It returns the guest path
// and the host path of the executable.
func resolveGuestCommand(root, name, dir, pathEnv string) (string, string, error) {
	if strings.Contains(name, "/") {
		guest := name
		if !path.IsAbs(guest) {
			guest = path.Join(dir, guest)
		}
		host, err := resolveGuestPath(root, guest)
		if err != nil {
			return "", "", err
		}
		if err := checkExecutable(host); err != nil {
			return "", "", err
		}
		return guest, host, nil
	}

	if pathEnv == "" {
		pathEnv = DefaultGuestPath
	}
	for _, d := range strings.Split(pathEnv, ":") {
		if d == "" || !path.IsAbs(d) {
			continue
		}
		guest := path.Join(d, name)
		host, err := resolveGuestPath(root, guest)
		if err != nil {
			continue
		}
		if checkExecutable(host) == nil {
			return guest, host, nil
		}
	}
	return "", "", fmt.Errorf("%s: %w in guest PATH", name, exec.ErrNotFound)
}

func checkExecutable(host string) error {
	info, err := os.Stat(host)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", host)
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%s: %w", host, os.ErrPermission)
	}
	return nil
}

// dryRunLauncher logs the process it would start and reports success.
type dryRunLauncher struct{}

func (dryRunLauncher) Launch(ctx context.Context, p *GuestProcess) (*ExecResult, error) {
	Logger(ctx).Info("[dry-run] exec", "root", p.Root, "argv", p.Args,
		"identity", p.Identity.String(), "dir", p.Dir, "tty", p.TTY)
	return &ExecResult{Argv: p.Args}, nil
}

// guestEnv builds a guest process environment. Later entries override
// earlier ones with the same key.
func guestEnv(id Identity, layers ...[]string) []string {
	base := []string{"PATH=" + DefaultGuestPath, "TERM=" + termOrDefault()}
	base = append(base, id.environment()...)
	for _, l := range layers {
		base = append(base, l...)
	}

	seen := make(map[string]int, len(base))
	env := make([]string, 0, len(base))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := seen[key]; ok {
			env[i] = kv
			continue
		}
		seen[key] = len(env)
		env = append(env, kv)
	}
	return env
}

func termOrDefault() string {
	if t := os.Getenv("TERM"); t != "" {
		return t
	}
	return "xterm-256color"
}

// envValue returns the value of key in env, or "".
func envValue(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}
