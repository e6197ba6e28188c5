package main

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// InstallDebs copies local .deb files into the guest, installs them with
// dpkg -i inside the scope, and removes the copies afterwards. dpkg's exit
// status is returned in the result like any other command's.
func InstallDebs(ctx context.Context, s *Scope, files []string, opts RunOptions) (*ExecResult, error) {
	logger := Logger(ctx).With("component", "dpkg")

	if len(files) == 0 {
		return nil, validationError("debs", "no package files given")
	}
	seen := make(map[string]string, len(files))
	for _, f := range files {
		if !strings.HasSuffix(f, ".deb") {
			return nil, validationError("debs", "package file must end in .deb").WithContext("file", f)
		}
		info, err := os.Stat(f)
		if err != nil {
			return nil, NewGuestErrorWithCause(ErrValidation, "package file not accessible", err).
				WithContext("file", f).
				WithComponent("dpkg")
		}
		if !info.Mode().IsRegular() {
			return nil, validationError("debs", "package file is not a regular file").WithContext("file", f)
		}
		base := filepath.Base(f)
		if prev, dup := seen[base]; dup {
			return nil, validationError("debs", "two package files share a name").
				WithContext("file", f).
				WithContext("other", prev)
		}
		seen[base] = f
	}
	if state := s.State(); state != StateReady {
		return nil, NewGuestError(ErrInvalidState, "scope is not ready to run commands").
			WithContext("state", state.String()).
			WithComponent("dpkg")
	}

	staging, err := resolveGuestPath(s.Root(), DpkgStagingDir)
	if err != nil {
		return nil, err
	}
	created, err := mkdirTracked(staging, 0755)
	var copied []string
	defer func() {
		for _, p := range copied {
			if rerr := removePathIfExists(p); rerr != nil {
				logger.Warn("Failed to remove staged package", "path", p, "error", rerr)
			}
		}
		removeCreated(logger, created)
	}()
	if err != nil {
		return nil, NewGuestErrorWithCause(ErrExecution, "failed to create package staging directory", err).
			WithContext("path", staging).
			WithComponent("dpkg")
	}

	argv := []string{"dpkg", "-i"}
	for _, f := range files {
		dst := filepath.Join(staging, filepath.Base(f))
		copied = append(copied, dst)
		if err := copyFile(f, dst, 0644); err != nil {
			return nil, NewGuestErrorWithCause(ErrExecution, "failed to stage package", err).
				WithContext("file", f).
				WithComponent("dpkg")
		}
		argv = append(argv, path.Join(DpkgStagingDir, filepath.Base(f)))
	}

	if opts.Identity == nil && opts.Userspec == "" {
		root := RootIdentity()
		opts.Identity = &root
	}
	opts.Env = append([]string{"DEBIAN_FRONTEND=noninteractive"}, opts.Env...)

	logger.Info("Installing packages", "count", len(files))
	res, err := s.RunCommand(ctx, argv, opts)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		logger.Warn("dpkg reported failure", "exit_code", res.ExitCode)
	}
	return res, nil
}
