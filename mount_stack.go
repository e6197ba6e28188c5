package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Mounter performs the mount syscalls. The unix implementation is used for
// real scopes; dry runs and tests substitute their own.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

// unixMounter issues mount(2) and umount2(2) directly.
type unixMounter struct{}

func (unixMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (unixMounter) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// MountOptions are the flags applied to one mount.
type MountOptions struct {
	ReadOnly  bool
	Recursive bool // rbind; only meaningful for bind mounts
	NoDev     bool // hide device nodes
	NoSuid    bool
	NoExec    bool
	Flags     uintptr // extra MS_* flags (relatime, strictatime, ...)
	Data      string  // filesystem specific data, e.g. "mode=620"
}

// MountEntry is one mount into a guest root.
type MountEntry struct {
	Source  string
	Target  string // guest path; absolute or relative, always interpreted inside the root
	Type    string // "bind" (or empty) for bind mounts, otherwise a filesystem type
	Options MountOptions
}

// IsBind reports whether the entry is a bind mount.
func (e MountEntry) IsBind() bool {
	return e.Type == "" || e.Type == "bind"
}

func (e MountEntry) String() string {
	var opts []string
	if e.Options.ReadOnly {
		opts = append(opts, "ro")
	}
	if e.Options.Recursive {
		opts = append(opts, "rec")
	}
	if e.Options.NoDev {
		opts = append(opts, "nodev")
	}
	if e.Options.NoSuid {
		opts = append(opts, "nosuid")
	}
	if e.Options.NoExec {
		opts = append(opts, "noexec")
	}
	if e.Options.Data != "" {
		opts = append(opts, e.Options.Data)
	}
	typ := e.Type
	if typ == "" {
		typ = "bind"
	}
	return fmt.Sprintf("%s on %s type %s (%s)", e.Source, e.Target, typ, strings.Join(opts, ","))
}

// mountFlags returns the flags for the initial mount call and, for read-only
// binds, the flags for the remount that makes them read-only (zero otherwise).
func (e MountEntry) mountFlags() (initial, remount uintptr) {
	var common uintptr
	if e.Options.NoDev {
		common |= unix.MS_NODEV
	}
	if e.Options.NoSuid {
		common |= unix.MS_NOSUID
	}
	if e.Options.NoExec {
		common |= unix.MS_NOEXEC
	}
	common |= e.Options.Flags

	if !e.IsBind() {
		initial = common
		if e.Options.ReadOnly {
			initial |= unix.MS_RDONLY
		}
		return initial, 0
	}

	initial = unix.MS_BIND
	if e.Options.Recursive {
		initial |= unix.MS_REC
	}
	// Per-mount flags on a bind only take effect through a remount.
	if e.Options.ReadOnly || common != 0 {
		remount = unix.MS_REMOUNT | unix.MS_BIND | common
		if e.Options.ReadOnly {
			remount |= unix.MS_RDONLY
		}
	}
	return initial, remount
}

// appliedMount is a stack record: an entry whose mount succeeded.
type appliedMount struct {
	entry   MountEntry
	host    string   // resolved host path of the target
	created []string // mountpoints this stack created, outermost first
}

// MountStack applies mounts into one guest root and removes them in reverse.
// An entry is recorded only after its mount succeeded, so the recorded
// sequence always matches what is mounted.
type MountStack struct {
	root    string
	mounter Mounter
	metrics *ScopeMetrics
	limiter *rate.Limiter

	mu      sync.Mutex
	applied []appliedMount
}

// NewMountStack creates an empty stack for root. root must be absolute and clean.
func NewMountStack(root string, mounter Mounter, metrics *ScopeMetrics) *MountStack {
	if mounter == nil {
		mounter = unixMounter{}
	}
	if metrics == nil {
		metrics = &ScopeMetrics{}
	}
	return &MountStack{
		root:    root,
		mounter: mounter,
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Every(UnmountRetryInterval), 1),
	}
}

// Push validates entry, performs the mount, and records it. On failure the
// stack is unchanged and any mountpoint created for the entry is removed.
func (s *MountStack) Push(ctx context.Context, entry MountEntry) error {
	logger := Logger(ctx).With("component", "mount-stack")

	host, err := resolveGuestPath(s.root, entry.Target)
	if err != nil {
		return err
	}
	if entry.Source == "" {
		return validationError("mount.source", "mount source cannot be empty").
			WithContext("target", entry.Target)
	}

	wantFile := false
	if entry.IsBind() {
		info, err := os.Stat(entry.Source)
		if err != nil {
			return NewGuestErrorWithCause(ErrAcquisition, "bind source is not accessible", err).
				WithContext("source", entry.Source).
				WithComponent("mount-stack")
		}
		wantFile = !info.IsDir()
	}

	created, err := ensureMountpoint(host, wantFile)
	if err != nil {
		return NewGuestErrorWithCause(ErrAcquisition, "failed to create mountpoint", err).
			WithContext("target", entry.Target).
			WithComponent("mount-stack")
	}

	// A panicking mounter must not strand the mountpoint or an applied bind.
	mounted := false
	defer func() {
		if r := recover(); r != nil {
			if mounted {
				s.mu.Lock()
				s.applied = append(s.applied, appliedMount{entry: entry, host: host, created: created})
				s.mu.Unlock()
			} else {
				removeCreated(logger, created)
			}
			panic(r)
		}
	}()

	initial, remount := entry.mountFlags()
	if err := s.mounter.Mount(entry.Source, host, entry.Type, initial, entry.Options.Data); err != nil {
		removeCreated(logger, created)
		return NewGuestErrorWithCause(ErrAcquisition, "mount failed", err).
			WithContext("source", entry.Source).
			WithContext("target", entry.Target).
			WithComponent("mount-stack")
	}
	mounted = true
	if remount != 0 {
		if err := s.mounter.Mount("", host, "", remount, ""); err != nil {
			if uerr := s.mounter.Unmount(host, unix.MNT_DETACH); uerr != nil {
				// Still mounted: keep it on the stack so the unwind retries it.
				logger.Warn("Failed to undo bind after remount failure", "target", host, "error", uerr)
				s.mu.Lock()
				s.applied = append(s.applied, appliedMount{entry: entry, host: host, created: created})
				s.mu.Unlock()
			} else {
				removeCreated(logger, created)
			}
			return NewGuestErrorWithCause(ErrAcquisition, "remount of bind failed", err).
				WithContext("source", entry.Source).
				WithContext("target", entry.Target).
				WithComponent("mount-stack")
		}
	}

	s.mu.Lock()
	s.applied = append(s.applied, appliedMount{entry: entry, host: host, created: created})
	depth := len(s.applied)
	s.mu.Unlock()

	s.metrics.IncrementMounts()
	logger.Debug("Mounted", "mount", entry.String(), "depth", depth)
	return nil
}

// Unwind unmounts every recorded entry, most recent first, until the stack
// is empty. Individual failures do not stop the unwind; they are collected
// and returned as an *ErrorChain.
func (s *MountStack) Unwind(ctx context.Context) error {
	logger := Logger(ctx).With("component", "mount-stack")
	chain := NewErrorChain("unwind mounts")

	for {
		s.mu.Lock()
		if len(s.applied) == 0 {
			s.mu.Unlock()
			break
		}
		top := s.applied[len(s.applied)-1]
		s.applied = s.applied[:len(s.applied)-1]
		s.mu.Unlock()

		if err := s.unmount(ctx, top); err != nil {
			s.metrics.IncrementUnmountFailures()
			logger.Warn("Unmount failed, continuing unwind", "target", top.entry.Target, "error", err)
			chain.Add(teardownError("mount", top.host, err))
			continue
		}
		removeCreated(logger, top.created)
		logger.Debug("Unmounted", "target", top.entry.Target)
	}

	return chain.ToError()
}

// unmount releases one mount, retrying while the kernel reports it busy.
// A target that is no longer mounted counts as released.
func (s *MountStack) unmount(ctx context.Context, m appliedMount) error {
	flags := 0
	if m.entry.Options.Recursive {
		// Submounts of an rbind cannot be detached individually from here.
		flags = unix.MNT_DETACH
	}

	var err error
	for attempt := 0; attempt < UnmountRetries; attempt++ {
		err = s.mounter.Unmount(m.host, flags)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
			Logger(ctx).Debug("Mount already gone", "target", m.host)
			return nil
		case errors.Is(err, unix.EBUSY):
			if werr := s.limiter.Wait(ctx); werr != nil {
				return fmt.Errorf("%w (retry abandoned: %v)", err, werr)
			}
			continue
		default:
			return err
		}
	}
	return err
}

// IsEmpty reports whether no mounts are recorded.
func (s *MountStack) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied) == 0
}

// Len returns the number of recorded mounts.
func (s *MountStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// Targets returns the recorded guest targets in mount order.
func (s *MountStack) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := make([]string, len(s.applied))
	for i, m := range s.applied {
		targets[i] = m.entry.Target
	}
	return targets
}
