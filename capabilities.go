package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Capabilities describes what this host can do for a guest scope.
type Capabilities struct {
	// BindMounts is true if a bind mount could be made and removed.
	BindMounts bool
	// BindError explains why BindMounts is false.
	BindError string

	// Root is true when running with effective uid 0.
	Root bool

	// DefaultRoute is true if the host has a default route the guest can use.
	DefaultRoute bool

	HostArch specs.Arch

	// HelperPath is the translation helper found for the requested
	// architecture, empty if none was found.
	HelperPath string
}

// DetectCapabilities probes the host. arch selects which translation helper
// to look for.
func DetectCapabilities(ctx context.Context, mounter Mounter, arch specs.Arch) *Capabilities {
	if mounter == nil {
		mounter = unixMounter{}
	}
	caps := &Capabilities{
		Root:         os.Geteuid() == 0,
		DefaultRoute: hostHasDefaultRoute(ctx),
		HostArch:     hostArch(),
	}

	if err := probeBindMount(ctx, mounter); err != nil {
		caps.BindError = err.Error()
	} else {
		caps.BindMounts = true
	}

	if helper, err := findHelper(arch); err == nil {
		caps.HelperPath = helper
	}
	return caps
}

// probeBindMount binds one scratch file over another and removes the bind
// again. A nil return means bind mounts work for this process.
func probeBindMount(ctx context.Context, mounter Mounter) error {
	dir, err := os.MkdirTemp("", "guestroot-probe-")
	if err != nil {
		return fmt.Errorf("create probe directory: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	for _, p := range []string{src, dst} {
		if err := os.WriteFile(p, nil, 0644); err != nil {
			return fmt.Errorf("create probe file: %w", err)
		}
	}

	if err := mounter.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
		if isPermissionErr(err) {
			return fmt.Errorf("bind mount not permitted: %w", err)
		}
		return fmt.Errorf("bind mount failed: %w", err)
	}
	if err := mounter.Unmount(dst, unix.MNT_DETACH); err != nil {
		Logger(ctx).Warn("Failed to remove probe bind mount", "path", dst, "error", err)
		return fmt.Errorf("probe unmount failed: %w", err)
	}
	return nil
}
