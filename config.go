package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
	"gopkg.in/yaml.v3"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// loggerKey is the key used to store the slog.Logger in the context.
	loggerKey contextKey = "logger"
)

// ScopeConfig configures one guest scope.
type ScopeConfig struct {
	Arch       string     // guest architecture name; DefaultArch when empty
	HelperPath string     // host translation helper; looked up on PATH when empty
	HelperMode HelperMode // auto when empty

	// Identity is the default user for commands. When nil, Userspec is
	// resolved against the guest at open; when both are empty commands run as root.
	Identity *Identity
	Userspec string

	ExtraMounts    []MountEntry // mounted after the mandatory set, in order
	SkipResolvConf bool         // do not bind the host resolv.conf
	Env            []string     // added to every command's environment

	DryRun       bool          // log mounts and commands instead of performing them
	CloseTimeout time.Duration // how long Close waits for a running command

	// Mounter and Launcher replace the syscall and process layers. Nil
	// selects the real implementations.
	Mounter  Mounter
	Launcher Launcher
}

// RunOptions configures a single command or script run.
type RunOptions struct {
	Identity *Identity // overrides the scope default
	Userspec string    // resolved against the guest when Identity is nil

	Timeout time.Duration // zero means no limit
	Env     []string
	Dir     string // guest working directory, "/" when empty

	Stdin  io.Reader
	Stdout io.Writer // receives output as it is produced, in addition to the capture
	Stderr io.Writer

	// TTY runs the process on a pseudo-terminal; stdout and stderr are merged.
	TTY bool
}

// validateScopeConfig checks everything that can be checked without side
// effects. It does not touch the guest root.
func validateScopeConfig(cfg *ScopeConfig) error {
	if cfg == nil {
		return NewGuestError(ErrValidation, "configuration cannot be nil").WithComponent("config")
	}

	v := NewValidator()
	v.AddRule("arch", func() error {
		_, err := ParseArch(cfg.Arch)
		return err
	})
	v.AddRule("helper_mode", func() error {
		mode, err := ParseHelperMode(string(cfg.HelperMode))
		if err != nil {
			return err
		}
		if mode == HelperModeNone {
			arch, err := ParseArch(cfg.Arch)
			if err == nil && arch != hostArch() {
				return validationError("helper_mode", "a foreign guest architecture needs a translation helper").
					WithContext("arch", string(arch)).
					WithContext("host_arch", string(hostArch()))
			}
		}
		return nil
	})
	v.AddRule("helper", func() error {
		if cfg.HelperPath == "" {
			return nil
		}
		if !filepath.IsAbs(cfg.HelperPath) {
			return validationError("helper", "translation helper path must be absolute").
				WithContext("path", cfg.HelperPath)
		}
		return nil
	})
	v.AddRule("userspec", func() error {
		if cfg.Identity != nil || cfg.Userspec == "" {
			return nil
		}
		_, err := ParseUserspec(cfg.Userspec)
		return err
	})
	v.AddRule("mounts", func() error {
		if len(cfg.ExtraMounts) > MaxExtraMounts {
			return validationError("mounts", "too many extra mounts").
				WithContext("count", len(cfg.ExtraMounts)).
				WithContext("max", MaxExtraMounts)
		}
		for i, m := range cfg.ExtraMounts {
			if err := validateMountEntry(i, m); err != nil {
				return err
			}
		}
		return nil
	})
	v.AddRule("env", func() error {
		for _, e := range cfg.Env {
			if err := ValidateEnvironmentVariable(e); err != nil {
				return err
			}
		}
		return nil
	})
	v.AddRule("close_timeout", func() error {
		if cfg.CloseTimeout < 0 {
			return validationError("close_timeout", "close timeout cannot be negative")
		}
		return nil
	})
	return v.Validate()
}

func validateRunOptions(opts RunOptions) error {
	v := NewValidator()
	v.AddRule("userspec", func() error {
		if opts.Identity != nil || opts.Userspec == "" {
			return nil
		}
		_, err := ParseUserspec(opts.Userspec)
		return err
	})
	v.AddRule("timeout", func() error {
		if opts.Timeout < 0 {
			return validationError("timeout", "timeout cannot be negative")
		}
		return nil
	})
	v.AddRule("env", func() error {
		for _, e := range opts.Env {
			if err := ValidateEnvironmentVariable(e); err != nil {
				return err
			}
		}
		return nil
	})
	v.AddRule("dir", func() error {
		if opts.Dir != "" && !filepath.IsAbs(opts.Dir) {
			return validationError("dir", "working directory must be an absolute guest path").
				WithContext("dir", opts.Dir)
		}
		return nil
	})
	return v.Validate()
}

// Profile is the on-disk form of a scope configuration.
type Profile struct {
	Arch           string        `yaml:"arch,omitempty"`
	Helper         string        `yaml:"helper,omitempty"`
	HelperMode     HelperMode    `yaml:"helper_mode,omitempty"`
	Userspec       string        `yaml:"userspec,omitempty"`
	SkipResolvConf bool          `yaml:"skip_resolv_conf,omitempty"`
	Env            []string      `yaml:"env,omitempty"`
	Mounts         []specs.Mount `yaml:"mounts,omitempty"`
}

// LoadProfile reads a YAML profile. JSON, being YAML, is accepted too.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}
	return parseProfile(data, path)
}

func parseProfile(data []byte, source string) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, NewGuestErrorWithCause(ErrValidation, "invalid profile", err).
			WithContext("profile", source).
			WithComponent("config")
	}
	return &p, nil
}

// Apply fills cfg from the profile. Settings already present in cfg win;
// profile mounts go before mounts already in cfg.
func (p *Profile) Apply(cfg *ScopeConfig) error {
	if cfg.Arch == "" {
		cfg.Arch = p.Arch
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = p.Helper
	}
	if cfg.HelperMode == "" {
		cfg.HelperMode = p.HelperMode
	}
	if cfg.Userspec == "" && cfg.Identity == nil {
		cfg.Userspec = p.Userspec
	}
	cfg.SkipResolvConf = cfg.SkipResolvConf || p.SkipResolvConf
	cfg.Env = append(append([]string{}, p.Env...), cfg.Env...)

	mounts := make([]MountEntry, 0, len(p.Mounts)+len(cfg.ExtraMounts))
	for i, m := range p.Mounts {
		entry, err := MountEntryFromSpec(m)
		if err != nil {
			if guestErr, ok := err.(*GuestError); ok {
				return guestErr.WithContext("profile_mount", i)
			}
			return err
		}
		mounts = append(mounts, entry)
	}
	cfg.ExtraMounts = append(mounts, cfg.ExtraMounts...)
	return nil
}
