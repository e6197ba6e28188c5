package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path"
	"path/filepath"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// HelperMode selects how the translation helper is made visible in the guest.
type HelperMode string

const (
	// HelperModeAuto binds when a bind mount probe succeeds and copies otherwise.
	HelperModeAuto HelperMode = "auto"
	HelperModeBind HelperMode = "bind"
	HelperModeCopy HelperMode = "copy"
	// HelperModeNone installs nothing; only valid when the guest runs natively.
	HelperModeNone HelperMode = "none"
)

// ParseHelperMode parses a helper mode name; empty means auto.
func ParseHelperMode(s string) (HelperMode, error) {
	switch m := HelperMode(s); m {
	case "":
		return HelperModeAuto, nil
	case HelperModeAuto, HelperModeBind, HelperModeCopy, HelperModeNone:
		return m, nil
	default:
		return "", validationError("helper_mode", "helper mode must be auto, bind, copy or none").
			WithContext("mode", s)
	}
}

// InstallMethod records what teardown has to undo.
type InstallMethod string

const (
	InstallBound  InstallMethod = "bound"  // unmount on removal
	InstallCopied InstallMethod = "copied" // delete on removal
)

// InstalledHelper is the marker returned by Install and consumed by Remove.
type InstalledHelper struct {
	HostPath  string
	GuestPath string
	Method    InstallMethod

	target    string      // host location of GuestPath
	binds     *MountStack // InstallBound only
	created   []string    // directories created for a copy
	displaced string      // guest file moved aside by a copy
	removed   bool
}

// HelperInstaller installs the translation helper into a guest root.
type HelperInstaller struct {
	mounter Mounter
	metrics *ScopeMetrics
	probe   func(context.Context, Mounter) error
}

// NewHelperInstaller creates an installer issuing mounts through mounter.
func NewHelperInstaller(mounter Mounter, metrics *ScopeMetrics) *HelperInstaller {
	if mounter == nil {
		mounter = unixMounter{}
	}
	return &HelperInstaller{mounter: mounter, metrics: metrics, probe: probeBindMount}
}

// Install makes helperPath visible at /usr/bin/<basename> inside root.
func (h *HelperInstaller) Install(ctx context.Context, root, helperPath string, mode HelperMode) (*InstalledHelper, error) {
	logger := Logger(ctx).With("component", "helper")

	if err := validateHelperBinary(helperPath); err != nil {
		return nil, err
	}
	marker := &InstalledHelper{
		HostPath:  helperPath,
		GuestPath: path.Join(HelperInstallDir, filepath.Base(helperPath)),
	}

	if mode == HelperModeAuto {
		if err := h.probe(ctx, h.mounter); err != nil {
			logger.Info("Bind mounts unavailable, copying translation helper", "reason", err)
			mode = HelperModeCopy
		} else {
			mode = HelperModeBind
		}
	}

	var err error
	switch mode {
	case HelperModeBind:
		err = h.bind(ctx, root, marker)
	case HelperModeCopy:
		err = h.copy(ctx, root, marker)
	default:
		return nil, NewGuestError(ErrInvalidState, "helper mode cannot install a helper").
			WithContext("mode", string(mode)).
			WithComponent("helper")
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Translation helper installed", "helper", helperPath, "guest_path", marker.GuestPath, "method", marker.Method)
	return marker, nil
}

func (h *HelperInstaller) bind(ctx context.Context, root string, marker *InstalledHelper) error {
	stack := NewMountStack(root, h.mounter, h.metrics)
	entry := MountEntry{
		Source:  marker.HostPath,
		Target:  marker.GuestPath,
		Type:    "bind",
		Options: MountOptions{ReadOnly: true},
	}
	if err := stack.Push(ctx, entry); err != nil {
		if !stack.IsEmpty() {
			// The bind went through but could not be made read-only, and
			// undoing it failed too.
			if uerr := stack.Unwind(ctx); uerr != nil {
				Logger(ctx).Warn("Helper bind left in place", "error", uerr)
			}
		}
		return NewGuestErrorWithCause(ErrAcquisition, "failed to bind translation helper", err).
			WithContext("helper", marker.HostPath).
			WithComponent("helper")
	}
	marker.Method = InstallBound
	marker.binds = stack
	return nil
}

func (h *HelperInstaller) copy(ctx context.Context, root string, marker *InstalledHelper) error {
	logger := Logger(ctx).With("component", "helper")
	fail := func(msg string, err error) error {
		return NewGuestErrorWithCause(ErrAcquisition, msg, err).
			WithContext("helper", marker.HostPath).
			WithContext("guest_path", marker.GuestPath).
			WithComponent("helper")
	}

	target, err := resolveGuestPath(root, marker.GuestPath)
	if err != nil {
		return err
	}

	created, err := mkdirTracked(filepath.Dir(target), 0755)
	if err != nil {
		removeCreated(logger, created)
		return fail("failed to create helper directory", err)
	}

	displaced := ""
	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			return fail("guest helper path is a directory", errors.New(target))
		}
		displaced = target + DisplacedSuffix
		if _, err := os.Lstat(displaced); err == nil {
			// Left behind by a run that never restored it; refuse to overwrite.
			return fail("a displaced guest file already exists", errors.New(displaced))
		}
		if err := os.Rename(target, displaced); err != nil {
			return fail("failed to move existing guest file aside", err)
		}
		logger.Debug("Moved guest file aside", "path", target, "to", displaced)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fail("failed to inspect guest helper path", err)
	}

	if err := copyFile(marker.HostPath, target, 0755); err != nil {
		if rerr := removePathIfExists(target); rerr != nil {
			logger.Warn("Failed to remove partial helper copy", "path", target, "error", rerr)
		}
		if displaced != "" {
			if rerr := os.Rename(displaced, target); rerr != nil {
				logger.Warn("Failed to restore displaced guest file", "path", displaced, "error", rerr)
			}
		}
		removeCreated(logger, created)
		return fail("failed to copy translation helper", err)
	}

	marker.Method = InstallCopied
	marker.target = target
	marker.created = created
	marker.displaced = displaced
	return nil
}

// Remove undoes Install. Removing an already removed marker, or one whose
// files have disappeared, succeeds.
func (h *HelperInstaller) Remove(ctx context.Context, marker *InstalledHelper) error {
	if marker == nil || marker.removed {
		return nil
	}
	marker.removed = true
	logger := Logger(ctx).With("component", "helper")

	switch marker.Method {
	case InstallBound:
		return marker.binds.Unwind(ctx)
	case InstallCopied:
		chain := NewErrorChain("remove helper")
		if err := removePathIfExists(marker.target); err != nil {
			chain.Add(teardownError("helper", marker.target, err))
		} else if marker.displaced != "" {
			if err := os.Rename(marker.displaced, marker.target); err != nil && !errors.Is(err, os.ErrNotExist) {
				chain.Add(teardownError("helper", marker.displaced, err))
			}
		}
		removeCreated(logger, marker.created)
		if chain.HasErrors() {
			return chain
		}
		logger.Debug("Translation helper removed", "path", marker.target)
		return nil
	}
	return nil
}

// findHelper looks up the user-mode emulator for arch on the host PATH.
func findHelper(arch specs.Arch) (string, error) {
	name, ok := helperArchName[arch]
	if !ok {
		return "", validationError("arch", "no translation helper known for architecture").
			WithContext("arch", string(arch))
	}
	candidates := []string{"qemu-" + name + "-static", "qemu-" + name}
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return filepath.Abs(p)
		}
	}
	return "", NewGuestError(ErrValidation, "translation helper not found on PATH").
		WithContext("candidates", candidates).
		WithComponent("helper")
}
