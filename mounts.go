package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const hostResolvConf = "/etc/resolv.conf"

// mandatoryMounts is the fixed set every scope mounts first: device nodes,
// process info, kernel interfaces, temp storage.
func mandatoryMounts() []MountEntry {
	return []MountEntry{
		{Source: "/dev", Target: "/dev", Type: "bind", Options: MountOptions{ReadOnly: true}},
		{Source: "devpts", Target: "/dev/pts", Type: "devpts", Options: MountOptions{
			NoSuid: true, NoExec: true, Data: "gid=5,mode=620,ptmxmode=000",
		}},
		{Source: "proc", Target: "/proc", Type: "proc", Options: MountOptions{
			ReadOnly: true, NoSuid: true, NoDev: true, NoExec: true,
		}},
		{Source: "sysfs", Target: "/sys", Type: "sysfs", Options: MountOptions{
			ReadOnly: true, NoSuid: true, NoDev: true, NoExec: true,
		}},
		// Scripts are staged and executed from /tmp, so no noexec here.
		{Source: "tmpfs", Target: GuestTmpDir, Type: "tmpfs", Options: MountOptions{
			NoSuid: true, NoDev: true, Data: "mode=1777",
		}},
	}
}

// resolvConfMount returns the bind of the host resolver configuration over the
// guest's, or false when the guest has no resolv.conf to cover.
func resolvConfMount(ctx context.Context, root string) (MountEntry, bool) {
	logger := Logger(ctx).With("component", "scope")

	if _, err := os.Stat(hostResolvConf); err != nil {
		logger.Warn("Host has no resolv.conf, guest name resolution left as is", "error", err)
		return MountEntry{}, false
	}
	host, err := resolveGuestPath(root, hostResolvConf)
	if err != nil {
		logger.Warn("Guest resolv.conf cannot be resolved inside the root", "error", err)
		return MountEntry{}, false
	}
	if _, err := os.Stat(host); err != nil {
		logger.Warn("Guest has no resolv.conf, not binding the host's", "path", host)
		return MountEntry{}, false
	}
	if !hostHasDefaultRoute(ctx) {
		logger.Warn("Host has no default route, guest network access will fail")
	}
	return MountEntry{
		Source:  hostResolvConf,
		Target:  hostResolvConf,
		Type:    "bind",
		Options: MountOptions{ReadOnly: true},
	}, true
}

// mountOptionTable maps fstab style option words to their effect.
var mountOptionTable = map[string]func(*MountOptions, *string){
	"ro":          func(o *MountOptions, _ *string) { o.ReadOnly = true },
	"rw":          func(o *MountOptions, _ *string) { o.ReadOnly = false },
	"bind":        func(_ *MountOptions, t *string) { *t = "bind" },
	"rbind":       func(o *MountOptions, t *string) { *t = "bind"; o.Recursive = true },
	"nodev":       func(o *MountOptions, _ *string) { o.NoDev = true },
	"dev":         func(o *MountOptions, _ *string) { o.NoDev = false },
	"nosuid":      func(o *MountOptions, _ *string) { o.NoSuid = true },
	"suid":        func(o *MountOptions, _ *string) { o.NoSuid = false },
	"noexec":      func(o *MountOptions, _ *string) { o.NoExec = true },
	"exec":        func(o *MountOptions, _ *string) { o.NoExec = false },
	"relatime":    func(o *MountOptions, _ *string) { o.Flags |= unix.MS_RELATIME },
	"noatime":     func(o *MountOptions, _ *string) { o.Flags |= unix.MS_NOATIME },
	"strictatime": func(o *MountOptions, _ *string) { o.Flags |= unix.MS_STRICTATIME },
	"nodiratime":  func(o *MountOptions, _ *string) { o.Flags |= unix.MS_NODIRATIME },
	"sync":        func(o *MountOptions, _ *string) { o.Flags |= unix.MS_SYNCHRONOUS },
}

// MountEntryFromSpec converts an OCI mount description. Option words that are
// not mount flags are passed to the filesystem as data.
func MountEntryFromSpec(m specs.Mount) (MountEntry, error) {
	entry := MountEntry{
		Source: m.Source,
		Target: m.Destination,
		Type:   m.Type,
	}
	if len(m.UIDMappings) > 0 || len(m.GIDMappings) > 0 {
		return MountEntry{}, validationError("mount.options", "id mapped mounts are not supported").
			WithContext("destination", m.Destination)
	}

	var data []string
	for _, opt := range m.Options {
		if apply, ok := mountOptionTable[opt]; ok {
			apply(&entry.Options, &entry.Type)
			continue
		}
		data = append(data, opt)
	}
	if entry.IsBind() && len(data) > 0 {
		return MountEntry{}, validationError("mount.options", "unknown option for bind mount").
			WithContext("destination", m.Destination).
			WithContext("options", strings.Join(data, ","))
	}
	entry.Options.Data = strings.Join(data, ",")
	return entry, nil
}

// ParseMountSpec parses the command line form SRC:DST[:OPTS], where OPTS is a
// comma separated list of the option words MountEntryFromSpec understands.
// The result is always a bind mount.
func ParseMountSpec(s string) (MountEntry, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return MountEntry{}, validationError("mount", "mount must be SRC:DST[:OPTIONS]").
			WithContext("mount", s)
	}
	if parts[0] == "" || parts[1] == "" {
		return MountEntry{}, validationError("mount", "mount source and destination are required").
			WithContext("mount", s)
	}

	src, err := filepath.Abs(parts[0])
	if err != nil {
		return MountEntry{}, NewGuestErrorWithCause(ErrValidation, "invalid mount source", err).
			WithContext("mount", s).
			WithComponent("config")
	}
	m := specs.Mount{Source: src, Destination: parts[1], Type: "bind"}
	if len(parts) == 3 && parts[2] != "" {
		m.Options = strings.Split(parts[2], ",")
	}
	return MountEntryFromSpec(m)
}

// dryRunMounter logs mount calls instead of making them.
type dryRunMounter struct {
	ctx context.Context
}

func (d dryRunMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	Logger(d.ctx).Info("[dry-run] mount", "source", source, "target", target,
		"type", fstype, "flags", fmt.Sprintf("%#x", flags), "data", data)
	return nil
}

func (d dryRunMounter) Unmount(target string, flags int) error {
	Logger(d.ctx).Info("[dry-run] unmount", "target", target, "flags", flags)
	return nil
}

// isPermissionErr reports whether err means the caller lacks the privilege
// for a mount operation.
func isPermissionErr(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}
