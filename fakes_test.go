package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeMounter records mount calls and keeps a list of active targets in
// mount order. Unmounting a target that is not mounted fails with EINVAL,
// like the kernel.
type fakeMounter struct {
	mu sync.Mutex

	active []string
	calls  []string

	// failMount, when set, can fail a mount (not a remount) call.
	failMount func(source, target, fstype string, flags uintptr) error
	// failRemount, when set, can fail a remount call.
	failRemount func(target string) error
	// failUnmount, when set, can fail an unmount; attempt counts from 1.
	failUnmount func(target string, attempt int) error
	// onUnmount runs before each unmount is applied, with the lock held.
	onUnmount func(target string)
	// beforeMount runs before each mount call, without the lock, so it may
	// block or panic.
	beforeMount func(target string)

	attempts        map[string]int
	activeAtFailure int
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{attempts: make(map[string]int)}
}

func (f *fakeMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	if f.beforeMount != nil {
		f.beforeMount(target)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if flags&unix.MS_REMOUNT != 0 {
		f.calls = append(f.calls, "remount "+target)
		if !f.isActive(target) {
			return unix.EINVAL
		}
		if f.failRemount != nil {
			return f.failRemount(target)
		}
		return nil
	}
	if f.failMount != nil {
		if err := f.failMount(source, target, fstype, flags); err != nil {
			f.calls = append(f.calls, "mount-failed "+target)
			f.activeAtFailure = len(f.active)
			return err
		}
	}
	f.calls = append(f.calls, "mount "+target)
	f.active = append(f.active, target)
	return nil
}

func (f *fakeMounter) Unmount(target string, flags int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[target]++
	if f.failUnmount != nil {
		if err := f.failUnmount(target, f.attempts[target]); err != nil {
			f.calls = append(f.calls, "unmount-failed "+target)
			return err
		}
	}
	for i := len(f.active) - 1; i >= 0; i-- {
		if f.active[i] == target {
			if f.onUnmount != nil {
				f.onUnmount(target)
			}
			f.active = append(f.active[:i], f.active[i+1:]...)
			f.calls = append(f.calls, "unmount "+target)
			return nil
		}
	}
	return unix.EINVAL
}

func (f *fakeMounter) isActive(target string) bool {
	for _, a := range f.active {
		if a == target {
			return true
		}
	}
	return false
}

// Active returns the mounted targets in mount order.
func (f *fakeMounter) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

// Calls returns the recorded calls with the given prefix ("mount ",
// "unmount ", ...), prefix stripped.
func (f *fakeMounter) Calls(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, strings.TrimPrefix(c, prefix))
		}
	}
	return out
}

// CallCount returns how many calls of any kind were made.
func (f *fakeMounter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// launchFunc adapts a function to the Launcher interface.
type launchFunc func(ctx context.Context, p *GuestProcess) (*ExecResult, error)

func (fn launchFunc) Launch(ctx context.Context, p *GuestProcess) (*ExecResult, error) {
	return fn(ctx, p)
}

// testGuest is a guest root in a temp dir plus a fake helper binary.
type testGuest struct {
	root    string
	helper  string
	mounter *fakeMounter
}

func newTestGuest(t *testing.T) *testGuest {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	helper := filepath.Join(t.TempDir(), "qemu-aarch64-static")
	if err := os.WriteFile(helper, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("Failed to create helper: %v", err)
	}
	return &testGuest{root: root, helper: helper, mounter: newFakeMounter()}
}

// config returns a scope configuration that runs guest processes directly
// on the host and never touches real mounts.
func (g *testGuest) config() ScopeConfig {
	return ScopeConfig{
		Arch:           "aarch64",
		HelperPath:     g.helper,
		HelperMode:     HelperModeCopy,
		SkipResolvConf: true,
		Mounter:        g.mounter,
		Launcher:       &processLauncher{noChroot: true},
	}
}

// hostPath returns the host location of a guest path.
func (g *testGuest) hostPath(guest string) string {
	return filepath.Join(g.root, strings.TrimPrefix(guest, "/"))
}

// installShell copies the host /bin/sh into the guest so commands resolve.
func (g *testGuest) installShell(t *testing.T) {
	t.Helper()
	if err := copyFile("/bin/sh", g.hostPath("/bin/sh"), 0755); err != nil {
		t.Skipf("Cannot copy /bin/sh into guest: %v", err)
	}
}

func (g *testGuest) writeFile(t *testing.T, guest, content string, mode os.FileMode) {
	t.Helper()
	p := g.hostPath(guest)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", filepath.Dir(p), err)
	}
	if err := os.WriteFile(p, []byte(content), mode); err != nil {
		t.Fatalf("Failed to write %s: %v", p, err)
	}
}

// listDir returns the sorted entry names of dir, nil if it does not exist.
func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("Failed to list %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
