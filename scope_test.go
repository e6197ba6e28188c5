package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func mandatoryTargets(g *testGuest) []string {
	return []string{
		g.hostPath("/dev"),
		g.hostPath("/dev/pts"),
		g.hostPath("/proc"),
		g.hostPath("/sys"),
		g.hostPath("/tmp"),
	}
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

func waitForState(t *testing.T, s *Scope, want ScopeState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected state %s, still %s", want, s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScopeOpenAndClose(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()
	extraSrc := t.TempDir()
	cfg := g.config()
	cfg.ExtraMounts = []MountEntry{{Source: extraSrc, Target: "/work", Type: "bind"}}

	s, err := Open(ctx, g.root, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("Expected state ready, got %s", s.State())
	}

	wantMounts := append(mandatoryTargets(g), g.hostPath("/work"))
	if got := g.mounter.Calls("mount "); !reflect.DeepEqual(got, wantMounts) {
		t.Errorf("Expected mounts %v, got %v", wantMounts, got)
	}
	helper := s.Helper()
	if helper == nil || helper.Method != InstallCopied {
		t.Fatalf("Expected a copied helper, got %+v", helper)
	}
	if _, err := os.Stat(g.hostPath(helper.GuestPath)); err != nil {
		t.Errorf("Expected helper in guest: %v", err)
	}

	helperGoneFirst := true
	first := true
	g.mounter.onUnmount = func(target string) {
		if first {
			first = false
			if _, err := os.Stat(g.hostPath(helper.GuestPath)); err == nil {
				helperGoneFirst = false
			}
		}
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", s.State())
	}
	if !helperGoneFirst {
		t.Errorf("Expected the helper to be removed before any unmount")
	}
	if got := g.mounter.Calls("unmount "); !reflect.DeepEqual(got, reversed(wantMounts)) {
		t.Errorf("Expected unmounts %v, got %v", reversed(wantMounts), got)
	}
	if names := listDir(t, g.root); len(names) != 0 {
		t.Errorf("Expected guest root back to its original contents, found %v", names)
	}

	snap := s.Metrics()
	if snap.MountsApplied != int64(len(wantMounts)) {
		t.Errorf("Expected %d mounts counted, got %d", len(wantMounts), snap.MountsApplied)
	}
}

func TestScopeOpenRollsBackMountFailure(t *testing.T) {
	for k, failing := range []string{"/dev", "/dev/pts", "/proc", "/sys", "/tmp"} {
		t.Run(failing, func(t *testing.T) {
			g := newTestGuest(t)
			target := g.hostPath(failing)
			g.mounter.failMount = func(source, tgt, fstype string, flags uintptr) error {
				if tgt == target {
					return errors.New("mount refused")
				}
				return nil
			}

			s, err := Open(context.Background(), g.root, g.config())
			if s != nil {
				t.Errorf("Expected no scope from a failed open")
			}
			if !IsErrorCode(err, ErrAcquisition) {
				t.Fatalf("Expected acquisition error, got %v", err)
			}
			if g.mounter.activeAtFailure != k {
				t.Errorf("Expected %d mounts in place at the failure, got %d", k, g.mounter.activeAtFailure)
			}
			if active := g.mounter.Active(); len(active) != 0 {
				t.Errorf("Expected rollback to leave no mounts, got %v", active)
			}
			if names := listDir(t, g.root); len(names) != 0 {
				t.Errorf("Expected rollback to remove created mountpoints, found %v", names)
			}

			// The root is free again.
			g.mounter.failMount = nil
			s, err = Open(context.Background(), g.root, g.config())
			if err != nil {
				t.Fatalf("Reopen after failed open: %v", err)
			}
			if err := s.Close(context.Background()); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		})
	}
}

func TestScopeOpenRollsBackHelperFailure(t *testing.T) {
	g := newTestGuest(t)
	// A directory where the helper should go makes the copy fail.
	if err := os.MkdirAll(g.hostPath("/usr/bin/qemu-aarch64-static"), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	_, err := Open(context.Background(), g.root, g.config())
	if !IsErrorCode(err, ErrAcquisition) {
		t.Fatalf("Expected acquisition error, got %v", err)
	}
	if got := len(g.mounter.Calls("mount ")); got != 5 {
		t.Errorf("Expected the mandatory mounts before the helper failed, got %d", got)
	}
	if active := g.mounter.Active(); len(active) != 0 {
		t.Errorf("Expected rollback to unmount everything, got %v", active)
	}
	if names := listDir(t, g.root); !reflect.DeepEqual(names, []string{"usr"}) {
		t.Errorf("Expected only the pre-existing usr in the root, found %v", names)
	}
}

func TestScopeOpenRollsBackPanic(t *testing.T) {
	g := newTestGuest(t)
	proc := g.hostPath("/proc")
	g.mounter.beforeMount = func(target string) {
		if target == proc {
			panic("mounter exploded")
		}
	}

	func() {
		defer func() {
			if r := recover(); r != "mounter exploded" {
				t.Errorf("Expected the panic to reach the caller, got %v", r)
			}
		}()
		Open(context.Background(), g.root, g.config())
		t.Errorf("Expected Open to panic")
	}()

	if active := g.mounter.Active(); len(active) != 0 {
		t.Errorf("Expected rollback to unmount everything, got %v", active)
	}
	if names := listDir(t, g.root); len(names) != 0 {
		t.Errorf("Expected rollback to remove created mountpoints, found %v", names)
	}

	g.mounter.beforeMount = nil
	s, err := Open(context.Background(), g.root, g.config())
	if err != nil {
		t.Fatalf("Reopen after panicking open: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestScopeOpenValidationHasNoSideEffects(t *testing.T) {
	g := newTestGuest(t)
	tests := []struct {
		name   string
		root   string
		modify func(*ScopeConfig)
	}{
		{"missing root", filepath.Join(g.root, "missing"), func(*ScopeConfig) {}},
		{"bad arch", g.root, func(c *ScopeConfig) { c.Arch = "vax" }},
		{"relative helper", g.root, func(c *ScopeConfig) { c.HelperPath = "qemu-aarch64-static" }},
		{"escaping mount", g.root, func(c *ScopeConfig) {
			c.ExtraMounts = []MountEntry{{Source: "/srv", Target: "../outside", Type: "bind"}}
		}},
		{"root as mount target", g.root, func(c *ScopeConfig) {
			c.ExtraMounts = []MountEntry{{Source: "/srv", Target: "/", Type: "bind"}}
		}},
		{"bad userspec", g.root, func(c *ScopeConfig) { c.Userspec = "root" }},
		{"unknown guest user", g.root, func(c *ScopeConfig) { c.Userspec = "nobody-here:nobody-here" }},
		{"bad env", g.root, func(c *ScopeConfig) { c.Env = []string{"1BAD=x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := g.config()
			tt.modify(&cfg)
			_, err := Open(context.Background(), tt.root, cfg)
			if !IsErrorCode(err, ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
	if n := g.mounter.CallCount(); n != 0 {
		t.Errorf("Expected no mount calls, got %d", n)
	}
	if names := listDir(t, g.root); len(names) != 0 {
		t.Errorf("Expected guest root untouched, found %v", names)
	}
}

func TestScopeRootConflict(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()

	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(ctx)

	second := newFakeMounter()
	cfg := g.config()
	cfg.Mounter = second
	before := listDir(t, g.root)

	// The same root through a symlink is still the same root.
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(g.root, link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}
	for _, root := range []string{g.root, link} {
		if _, err := Open(ctx, root, cfg); !IsErrorCode(err, ErrConflict) {
			t.Errorf("Expected conflict opening %s, got %v", root, err)
		}
	}
	if n := second.CallCount(); n != 0 {
		t.Errorf("Expected the conflicting open to make no mount calls, got %d", n)
	}
	if after := listDir(t, g.root); !reflect.DeepEqual(before, after) {
		t.Errorf("Expected the conflicting open to touch no files, before %v after %v", before, after)
	}
	if s.State() != StateReady {
		t.Errorf("Expected the owner to stay ready, got %s", s.State())
	}
}

func TestScopeDoubleClose(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()

	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	calls := g.mounter.CallCount()
	if err := s.Close(ctx); err != nil {
		t.Errorf("Expected second close to return nil, got %v", err)
	}
	if n := g.mounter.CallCount(); n != calls {
		t.Errorf("Expected second close to do nothing, got %d new calls", n-calls)
	}
}

func TestScopeConcurrentCloseReportsUnfinished(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()

	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	g.mounter.onUnmount = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	first := make(chan error, 1)
	go func() { first <- s.Close(ctx) }()
	<-entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = s.Close(short)
	if !IsErrorCode(err, ErrInvalidState) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected an unfinished close to be reported, got %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Expected close of a closed scope to return nil, got %v", err)
	}
	if active := g.mounter.Active(); len(active) != 0 {
		t.Errorf("Expected no mounts after close, got %v", active)
	}
}

func TestScopeCloseWhilePreparing(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()

	proc := g.hostPath("/proc")
	reached := make(chan struct{})
	release := make(chan struct{})
	g.mounter.beforeMount = func(target string) {
		if target == proc {
			close(reached)
			<-release
		}
	}

	opened := make(chan error, 1)
	go func() {
		_, err := Open(ctx, g.root, g.config())
		opened <- err
	}()
	<-reached

	var s *Scope
	for _, live := range scopes.live() {
		if live.Root() == g.root {
			s = live
		}
	}
	if s == nil {
		t.Fatalf("Expected the opening scope to be registered")
	}
	if s.State() != StatePreparing {
		t.Fatalf("Expected state preparing, got %s", s.State())
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.Close(short); !IsErrorCode(err, ErrInvalidState) {
		t.Errorf("Expected close to give up at its deadline while opening, got %v", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close(ctx) }()
	select {
	case err := <-closed:
		t.Fatalf("Expected close to wait for the open, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-opened; err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := <-closed; err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", s.State())
	}
	if active := g.mounter.Active(); len(active) != 0 {
		t.Errorf("Expected no mounts after close, got %v", active)
	}
}

func TestScopeCloseReportsUnmountFailures(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()

	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	stuck := g.hostPath("/proc")
	g.mounter.failUnmount = func(target string, attempt int) error {
		if target == stuck {
			return errors.New("device or resource busy forever")
		}
		return nil
	}

	err = s.Close(ctx)
	var chain *ErrorChain
	if !errors.As(err, &chain) {
		t.Fatalf("Expected *ErrorChain, got %T: %v", err, err)
	}
	if len(chain.Errors) != 1 || !strings.Contains(chain.Error(), stuck) {
		t.Errorf("Expected one failure naming %s, got %v", stuck, chain)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state closed after a dirty close, got %s", s.State())
	}
	if active := g.mounter.Active(); len(active) != 1 || active[0] != stuck {
		t.Errorf("Expected only %s left mounted, got %v", stuck, active)
	}
	if s.Metrics().UnmountFailures != 1 {
		t.Errorf("Expected 1 unmount failure counted, got %d", s.Metrics().UnmountFailures)
	}
}

func TestScopeStateErrors(t *testing.T) {
	ctx := context.Background()

	unopened := &Scope{}
	if err := unopened.Close(ctx); err != nil {
		t.Errorf("Expected closing an unopened scope to succeed, got %v", err)
	}
	if unopened.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", unopened.State())
	}

	g := newTestGuest(t)
	g.installShell(t)
	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.RunCommand(ctx, []string{"sh", "-c", "true"}, RunOptions{}); !IsErrorCode(err, ErrInvalidState) {
		t.Errorf("Expected invalid state running in a closed scope, got %v", err)
	}
	script := filepath.Join(t.TempDir(), "x.sh")
	os.WriteFile(script, []byte("#!/bin/sh\n"), 0755)
	if _, err := s.RunScript(ctx, script, nil, RunOptions{}); !IsErrorCode(err, ErrInvalidState) {
		t.Errorf("Expected invalid state running a script in a closed scope, got %v", err)
	}
}

func TestScopeRunCommand(t *testing.T) {
	g := newTestGuest(t)
	g.installShell(t)
	ctx := context.Background()
	cfg := g.config()
	cfg.Env = []string{"A=scope", "ONLY=scope"}

	s, err := Open(ctx, g.root, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(ctx)

	t.Run("exit status is data", func(t *testing.T) {
		res, err := s.RunCommand(ctx, []string{"sh", "-c", "exit 7"}, RunOptions{})
		if err != nil {
			t.Fatalf("Expected no error for a non-zero exit, got %v", err)
		}
		if res.ExitCode != 7 || res.Success() {
			t.Errorf("Expected exit code 7, got %d", res.ExitCode)
		}
	})

	t.Run("output is captured and streamed", func(t *testing.T) {
		var live bytes.Buffer
		res, err := s.RunCommand(ctx, []string{"sh", "-c", "echo out; echo err >&2"}, RunOptions{Stdout: &live})
		if err != nil {
			t.Fatalf("RunCommand failed: %v", err)
		}
		if string(res.Stdout) != "out\n" || string(res.Stderr) != "err\n" {
			t.Errorf("Expected out/err, got %q/%q", res.Stdout, res.Stderr)
		}
		if live.String() != "out\n" {
			t.Errorf("Expected stdout streamed to the writer, got %q", live.String())
		}
	})

	t.Run("environment layers", func(t *testing.T) {
		res, err := s.RunCommand(ctx, []string{"sh", "-c", `echo "$A $ONLY $B $HOME"`},
			RunOptions{Env: []string{"A=run", "B=run"}})
		if err != nil {
			t.Fatalf("RunCommand failed: %v", err)
		}
		if got := strings.TrimSpace(string(res.Stdout)); got != "run scope run /root" {
			t.Errorf("Expected %q, got %q", "run scope run /root", got)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		res, err := s.RunCommand(ctx, []string{"sh", "-c", "read line; echo got:$line"},
			RunOptions{Stdin: strings.NewReader("hello\n")})
		if err != nil {
			t.Fatalf("RunCommand failed: %v", err)
		}
		if string(res.Stdout) != "got:hello\n" {
			t.Errorf("Expected got:hello, got %q", res.Stdout)
		}
	})

	t.Run("working directory", func(t *testing.T) {
		if err := os.MkdirAll(g.hostPath("/work/dir"), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		defer os.RemoveAll(g.hostPath("/work"))
		res, err := s.RunCommand(ctx, []string{"sh", "-c", "pwd"}, RunOptions{Dir: "/work/dir"})
		if err != nil {
			t.Fatalf("RunCommand failed: %v", err)
		}
		if got := strings.TrimSpace(string(res.Stdout)); !strings.HasSuffix(got, "/work/dir") {
			t.Errorf("Expected to run in /work/dir, got %q", got)
		}
	})

	t.Run("command not found", func(t *testing.T) {
		_, err := s.RunCommand(ctx, []string{"no-such-command"}, RunOptions{})
		if !IsErrorCode(err, ErrExecution) {
			t.Errorf("Expected execution error, got %v", err)
		}
		if s.State() != StateReady {
			t.Errorf("Expected scope to stay ready, got %s", s.State())
		}
	})

	t.Run("invalid argv", func(t *testing.T) {
		for _, argv := range [][]string{nil, {""}, {"sh", "a\x00b"}} {
			if _, err := s.RunCommand(ctx, argv, RunOptions{}); !IsErrorCode(err, ErrValidation) {
				t.Errorf("Expected validation error for %q, got %v", argv, err)
			}
		}
	})

	snap := s.Metrics()
	if snap.CommandsRun < 5 {
		t.Errorf("Expected at least 5 commands counted, got %d", snap.CommandsRun)
	}
	if snap.CommandsFailed != 1 {
		t.Errorf("Expected 1 failed command, got %d", snap.CommandsFailed)
	}
}

func TestScopeTimeoutThenReopen(t *testing.T) {
	g := newTestGuest(t)
	g.installShell(t)
	ctx := context.Background()

	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	start := time.Now()
	res, err := s.RunCommand(ctx, []string{"sh", "-c", "while :; do :; done"}, RunOptions{Timeout: 200 * time.Millisecond})
	if !IsErrorCode(err, ErrTimeout) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if res == nil || !res.TimedOut {
		t.Errorf("Expected a timed out result, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > ProcessWaitDelay {
		t.Errorf("Expected the command to be killed promptly, took %v", elapsed)
	}
	if s.State() != StateReady {
		t.Errorf("Expected scope to stay ready after a timeout, got %s", s.State())
	}
	if s.Metrics().CommandsTimedOut != 1 {
		t.Errorf("Expected 1 timeout counted, got %d", s.Metrics().CommandsTimedOut)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if active := g.mounter.Active(); len(active) != 0 {
		t.Fatalf("Expected no mounts after close, got %v", active)
	}

	s, err = Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if got := len(g.mounter.Active()); got != 5 {
		t.Errorf("Expected exactly the mandatory mounts after reopen, got %d", got)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestScopeCloseWhileRunning(t *testing.T) {
	g := newTestGuest(t)
	g.installShell(t)
	ctx := context.Background()
	cfg := g.config()
	cfg.CloseTimeout = 100 * time.Millisecond

	s, err := Open(ctx, g.root, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() {
		_, err := s.RunCommand(ctx, []string{"sh", "-c", "while :; do :; done"}, RunOptions{})
		runErr <- err
	}()
	waitForState(t, s, StateRunning)

	if _, err := s.RunCommand(ctx, []string{"sh", "-c", "true"}, RunOptions{}); !IsErrorCode(err, ErrInvalidState) {
		t.Errorf("Expected a second concurrent run to be refused, got %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-runErr:
		if !IsErrorCode(err, ErrExecution) {
			t.Errorf("Expected the killed run to report an execution error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after close")
	}
	if s.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", s.State())
	}
	if active := g.mounter.Active(); len(active) != 0 {
		t.Errorf("Expected no mounts after close, got %v", active)
	}
}

func TestScopeInterrupt(t *testing.T) {
	g := newTestGuest(t)
	g.installShell(t)
	ctx := context.Background()

	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(ctx)

	runErr := make(chan error, 1)
	go func() {
		_, err := s.RunCommand(ctx, []string{"sh", "-c", "while :; do :; done"}, RunOptions{})
		runErr <- err
	}()
	waitForState(t, s, StateRunning)
	s.Interrupt()

	select {
	case err := <-runErr:
		if !IsErrorCode(err, ErrExecution) {
			t.Errorf("Expected execution error from interrupted run, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after interrupt")
	}
	waitForState(t, s, StateReady)
}

func TestScopeRunScript(t *testing.T) {
	g := newTestGuest(t)
	g.installShell(t)
	ctx := context.Background()

	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(ctx)

	dir := t.TempDir()
	tests := []struct {
		name     string
		body     string
		args     []string
		exitCode int
		stdout   string
	}{
		{"success", "#!/bin/sh\necho \"args:$1,$2\"\n", []string{"a", "b c"}, 0, "args:a,b c\n"},
		{"failure", "#!/bin/sh\necho before\nexit 3\n", nil, 3, "before\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := filepath.Join(dir, tt.name+".sh")
			if err := os.WriteFile(script, []byte(tt.body), 0644); err != nil {
				t.Fatalf("Failed to write script: %v", err)
			}
			before := listDir(t, g.hostPath(GuestTmpDir))

			res, err := s.RunScript(ctx, script, tt.args, RunOptions{})
			if err != nil {
				t.Fatalf("RunScript failed: %v", err)
			}
			if res.ExitCode != tt.exitCode {
				t.Errorf("Expected exit code %d, got %d", tt.exitCode, res.ExitCode)
			}
			if string(res.Stdout) != tt.stdout {
				t.Errorf("Expected stdout %q, got %q", tt.stdout, res.Stdout)
			}
			if !strings.HasPrefix(res.Argv[0], GuestTmpDir+"/") {
				t.Errorf("Expected script to run from the guest temp area, got %s", res.Argv[0])
			}
			if after := listDir(t, g.hostPath(GuestTmpDir)); !reflect.DeepEqual(before, after) {
				t.Errorf("Expected staged script removed, before %v after %v", before, after)
			}
		})
	}

	if _, err := s.RunScript(ctx, filepath.Join(dir, "missing.sh"), nil, RunOptions{}); !IsErrorCode(err, ErrValidation) {
		t.Errorf("Expected validation error for a missing script, got %v", err)
	}

	t.Run("unreadable script", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root can read any file")
		}
		script := filepath.Join(dir, "unreadable.sh")
		if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0000); err != nil {
			t.Fatalf("Failed to write script: %v", err)
		}
		before := listDir(t, g.hostPath(GuestTmpDir))

		if _, err := s.RunScript(ctx, script, nil, RunOptions{}); !IsErrorCode(err, ErrExecution) {
			t.Errorf("Expected execution error staging an unreadable script, got %v", err)
		}
		if after := listDir(t, g.hostPath(GuestTmpDir)); !reflect.DeepEqual(before, after) {
			t.Errorf("Expected partial staging removed, before %v after %v", before, after)
		}
		if s.State() != StateReady {
			t.Errorf("Expected scope ready after a failed staging, got %s", s.State())
		}
	})
	if s.Metrics().ScriptsRun != 2 {
		t.Errorf("Expected 2 scripts counted, got %d", s.Metrics().ScriptsRun)
	}
}

func TestScopeUserspec(t *testing.T) {
	g := newTestGuest(t)
	g.installShell(t)
	g.writeFile(t, "/etc/passwd", "root:x:0:0:root:/root:/bin/sh\nbuilder:x:1000:1000::/home/builder:/bin/sh\n", 0644)
	g.writeFile(t, "/etc/group", "root:x:0:\nbuilder:x:1000:\n", 0644)
	ctx := context.Background()
	cfg := g.config()
	cfg.Userspec = "builder:builder"

	s, err := Open(ctx, g.root, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(ctx)

	if id := s.Identity(); id.UID != 1000 || id.GID != 1000 || id.Home != "/home/builder" {
		t.Errorf("Expected builder 1000:1000 in /home/builder, got %+v", id)
	}
	res, err := s.RunCommand(ctx, []string{"sh", "-c", `echo "$USER $HOME"`}, RunOptions{})
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "builder /home/builder" {
		t.Errorf("Expected %q, got %q", "builder /home/builder", got)
	}

	var seen Identity
	s.launcher = launchFunc(func(_ context.Context, p *GuestProcess) (*ExecResult, error) {
		seen = p.Identity
		return &ExecResult{Argv: p.Args}, nil
	})
	if _, err := s.RunCommand(ctx, []string{"sh"}, RunOptions{Userspec: "0:0"}); err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if seen.UID != 0 || seen.GID != 0 {
		t.Errorf("Expected per-run userspec 0:0, got %d:%d", seen.UID, seen.GID)
	}
}

func TestScopeHelperModeNone(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()
	cfg := g.config()
	cfg.Arch = string(hostArch())
	cfg.HelperPath = ""
	cfg.HelperMode = HelperModeNone

	s, err := Open(ctx, g.root, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Helper() != nil {
		t.Errorf("Expected no helper for a native guest, got %+v", s.Helper())
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if hostArch() != "SCMP_ARCH_AARCH64" {
		cfg.Arch = "aarch64"
		if _, err := Open(ctx, g.root, cfg); !IsErrorCode(err, ErrValidation) {
			t.Errorf("Expected a foreign guest without helper to be rejected, got %v", err)
		}
	}
}

func TestScopeResolvConf(t *testing.T) {
	if _, err := os.Stat(hostResolvConf); err != nil {
		t.Skip("host has no resolv.conf")
	}
	ctx := context.Background()

	t.Run("bound when the guest has one", func(t *testing.T) {
		g := newTestGuest(t)
		g.writeFile(t, "/etc/resolv.conf", "nameserver 127.0.0.1\n", 0644)
		cfg := g.config()
		cfg.SkipResolvConf = false

		s, err := Open(ctx, g.root, cfg)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer s.Close(ctx)
		want := append(mandatoryTargets(g), g.hostPath("/etc/resolv.conf"))
		if got := g.mounter.Calls("mount "); !reflect.DeepEqual(got, want) {
			t.Errorf("Expected mounts %v, got %v", want, got)
		}
	})

	t.Run("skipped when the guest has none", func(t *testing.T) {
		g := newTestGuest(t)
		cfg := g.config()
		cfg.SkipResolvConf = false

		s, err := Open(ctx, g.root, cfg)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer s.Close(ctx)
		if got := g.mounter.Calls("mount "); len(got) != 5 {
			t.Errorf("Expected only the mandatory mounts, got %v", got)
		}
		if _, err := os.Stat(g.hostPath("/etc")); !os.IsNotExist(err) {
			t.Errorf("Expected no /etc created in the guest, stat err: %v", err)
		}
	})
}

func TestScopeDryRun(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()
	cfg := g.config()
	cfg.DryRun = true
	cfg.Mounter = nil
	cfg.Launcher = nil

	s, err := Open(ctx, g.root, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	res, err := s.RunCommand(ctx, []string{"apt-get", "update"}, RunOptions{})
	if err != nil {
		t.Fatalf("Expected dry run command to succeed, got %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", res.ExitCode)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if names := listDir(t, g.root); len(names) != 0 {
		t.Errorf("Expected dry run to leave the root unchanged, found %v", names)
	}
}

func TestWithScope(t *testing.T) {
	ctx := context.Background()

	t.Run("closes after success", func(t *testing.T) {
		g := newTestGuest(t)
		var inside *Scope
		err := WithScope(ctx, g.root, g.config(), func(s *Scope) error {
			inside = s
			return nil
		})
		if err != nil {
			t.Fatalf("WithScope failed: %v", err)
		}
		if inside.State() != StateClosed {
			t.Errorf("Expected scope closed, got %s", inside.State())
		}
	})

	t.Run("returns the body's error", func(t *testing.T) {
		g := newTestGuest(t)
		bodyErr := errors.New("body failed")
		err := WithScope(ctx, g.root, g.config(), func(*Scope) error { return bodyErr })
		if !errors.Is(err, bodyErr) {
			t.Errorf("Expected body error, got %v", err)
		}
		if active := g.mounter.Active(); len(active) != 0 {
			t.Errorf("Expected no mounts after WithScope, got %v", active)
		}
	})

	t.Run("closes on panic", func(t *testing.T) {
		g := newTestGuest(t)
		func() {
			defer func() {
				if r := recover(); r != "boom" {
					t.Errorf("Expected panic to propagate, got %v", r)
				}
			}()
			WithScope(ctx, g.root, g.config(), func(*Scope) error { panic("boom") })
		}()
		if active := g.mounter.Active(); len(active) != 0 {
			t.Errorf("Expected no mounts after a panic, got %v", active)
		}
		s, err := Open(ctx, g.root, g.config())
		if err != nil {
			t.Fatalf("Expected root to be free after a panic, got %v", err)
		}
		s.Close(ctx)
	})
}

func TestScopeStateString(t *testing.T) {
	if StateRunning.String() != "running" {
		t.Errorf("Expected running, got %s", StateRunning.String())
	}
	if ScopeState(42).String() != "ScopeState(42)" {
		t.Errorf("Expected ScopeState(42), got %s", ScopeState(42).String())
	}
}
