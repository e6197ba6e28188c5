package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
)

// ValidationRule represents a single validation rule
type ValidationRule struct {
	Field       string
	ValidatorFn func() error
}

// Validator runs a list of rules and reports every failure at once.
type Validator struct {
	rules []ValidationRule
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{rules: make([]ValidationRule, 0)}
}

// AddRule adds a validation rule
func (v *Validator) AddRule(field string, fn func() error) *Validator {
	v.rules = append(v.rules, ValidationRule{Field: field, ValidatorFn: fn})
	return v
}

// Validate executes all validation rules. A single failure is returned as is;
// several are returned as an *ErrorChain.
func (v *Validator) Validate() error {
	chain := NewErrorChain("input validation")
	for _, rule := range v.rules {
		if err := rule.ValidatorFn(); err != nil {
			if guestErr, ok := err.(*GuestError); ok {
				if _, set := guestErr.Context["field"]; !set {
					guestErr.WithContext("field", rule.Field)
				}
				chain.Add(guestErr)
			} else {
				chain.Add(NewGuestErrorWithCause(ErrValidation, "invalid value", err).
					WithContext("field", rule.Field).
					WithComponent("config"))
			}
		}
	}
	switch len(chain.Errors) {
	case 0:
		return nil
	case 1:
		return chain.Errors[0]
	default:
		return chain
	}
}

// checkGuestPath verifies, without touching the filesystem, that p names a
// location strictly below a guest root. p may be guest-absolute or relative.
func checkGuestPath(p string) (string, error) {
	if p == "" {
		return "", validationError("target", "guest path cannot be empty")
	}
	if len(p) > MaxPathLength {
		return "", validationError("target", "guest path too long").
			WithContext("length", len(p)).
			WithContext("max_length", MaxPathLength)
	}
	if strings.Contains(p, "\x00") {
		return "", validationError("target", "guest path contains null bytes")
	}
	rel := strings.TrimLeft(p, "/")
	if rel == "" || filepath.Clean(rel) == "." {
		return "", validationError("target", "guest path refers to the root itself").
			WithContext("path", p)
	}
	if !filepath.IsLocal(rel) {
		return "", validationError("target", "guest path escapes the root").
			WithContext("path", p)
	}
	return filepath.Clean(rel), nil
}

// resolveGuestPath maps a guest path to its host location under root.
// Symlinks inside the guest are followed as if root were "/", so a link
// such as /etc/resolv.conf -> ../run/resolv.conf cannot lead outside it.
func resolveGuestPath(root, p string) (string, error) {
	rel, err := checkGuestPath(p)
	if err != nil {
		return "", err
	}
	host, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return "", NewGuestErrorWithCause(ErrValidation, "failed to resolve guest path", err).
			WithContext("path", p).
			WithComponent("config")
	}
	if host == root || !strings.HasPrefix(host, root+string(filepath.Separator)) {
		return "", validationError("target", "guest path resolves outside the root").
			WithContext("path", p).
			WithContext("resolved", host)
	}
	return host, nil
}

// canonicalRoot returns the absolute, symlink-free form of a guest root path
// after checking that it is an existing, writable directory.
func canonicalRoot(root string) (string, error) {
	if root == "" {
		return "", validationError("root", "guest root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", NewGuestErrorWithCause(ErrValidation, "could not get absolute path for guest root", err).
			WithContext("root", root).
			WithComponent("config")
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", NewGuestErrorWithCause(ErrValidation, "guest root does not exist", err).
			WithContext("root", root).
			WithComponent("config")
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", NewGuestErrorWithCause(ErrValidation, "guest root is not accessible", err).
			WithContext("root", resolved).
			WithComponent("config")
	}
	if !info.IsDir() {
		return "", validationError("root", "guest root is not a directory").
			WithContext("root", resolved)
	}
	if resolved == "/" {
		return "", validationError("root", "the host root cannot be used as a guest root")
	}
	if err := unix.Access(resolved, unix.W_OK); err != nil {
		return "", NewGuestErrorWithCause(ErrValidation, "guest root is not writable", err).
			WithContext("root", resolved).
			WithComponent("config")
	}
	return resolved, nil
}

// validateHelperBinary checks that the host translation helper is an
// executable regular file.
func validateHelperBinary(path string) error {
	if path == "" {
		return validationError("helper", "translation helper path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		return validationError("helper", "translation helper path must be absolute").
			WithContext("path", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return NewGuestErrorWithCause(ErrValidation, "translation helper not found", err).
			WithContext("path", path).
			WithComponent("helper")
	}
	if !info.Mode().IsRegular() {
		return validationError("helper", "translation helper is not a regular file").
			WithContext("path", path)
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return NewGuestErrorWithCause(ErrValidation, "translation helper is not executable", err).
			WithContext("path", path).
			WithComponent("helper")
	}
	return nil
}

// ValidateArgv checks an argument vector before it is executed.
func ValidateArgv(argv []string) error {
	if len(argv) == 0 {
		return validationError("argv", "command cannot be empty")
	}
	if argv[0] == "" {
		return validationError("argv", "command name cannot be empty")
	}
	for i, arg := range argv {
		if strings.Contains(arg, "\x00") {
			return validationError("argv", "argument contains null bytes").
				WithContext("index", i)
		}
		if len(arg) > MaxCommandArgLen {
			return validationError("argv", "argument too long").
				WithContext("index", i).
				WithContext("length", len(arg))
		}
	}
	return nil
}

// ValidateEnvironmentVariable checks a KEY=VALUE pair.
func ValidateEnvironmentVariable(env string) error {
	key, val, ok := strings.Cut(env, "=")
	if !ok {
		return validationError("env", "environment variable must be in KEY=VALUE format").
			WithContext("env", env)
	}
	if key == "" {
		return validationError("env", "environment variable key cannot be empty").
			WithContext("env", env)
	}
	for i, r := range key {
		if i == 0 && !unicode.IsLetter(r) && r != '_' {
			return validationError("env", "environment variable key must start with letter or underscore").
				WithContext("key", key)
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return validationError("env", "environment variable key contains invalid characters").
				WithContext("key", key)
		}
	}
	if strings.ContainsRune(val, 0) {
		return validationError("env", "environment variable value contains null bytes").
			WithContext("key", key)
	}
	return nil
}

func validateMountEntry(i int, m MountEntry) error {
	if _, err := checkGuestPath(m.Target); err != nil {
		if guestErr, ok := err.(*GuestError); ok {
			return guestErr.WithContext("field", fmt.Sprintf("mounts[%d].target", i))
		}
		return err
	}
	if m.Source == "" {
		return validationError(fmt.Sprintf("mounts[%d].source", i), "mount source cannot be empty").
			WithContext("target", m.Target)
	}
	if m.IsBind() && !filepath.IsAbs(m.Source) {
		return validationError(fmt.Sprintf("mounts[%d].source", i), "bind source must be an absolute host path").
			WithContext("source", m.Source)
	}
	return nil
}
