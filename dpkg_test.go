package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeDebs(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("!<arch>\n"+n), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", p, err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestInstallDebs(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()
	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(ctx)

	var seen *GuestProcess
	var staged []string
	s.launcher = launchFunc(func(_ context.Context, p *GuestProcess) (*ExecResult, error) {
		seen = p
		staged = listDir(t, g.hostPath(DpkgStagingDir))
		return &ExecResult{Argv: p.Args, ExitCode: 1}, nil
	})
	g.writeFile(t, "/usr/bin/dpkg", "#!/bin/sh\n", 0755)
	defer os.Remove(g.hostPath("/usr/bin/dpkg"))

	debs := writeDebs(t, "a_1.0_arm64.deb", "b_2.0_arm64.deb")
	res, err := InstallDebs(ctx, s, debs, RunOptions{})
	if err != nil {
		t.Fatalf("InstallDebs failed: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("Expected dpkg's exit status passed through, got %d", res.ExitCode)
	}

	wantArgs := []string{"dpkg", "-i", DpkgStagingDir + "/a_1.0_arm64.deb", DpkgStagingDir + "/b_2.0_arm64.deb"}
	if !reflect.DeepEqual(seen.Args, wantArgs) {
		t.Errorf("Expected argv %v, got %v", wantArgs, seen.Args)
	}
	if seen.Path != "/usr/bin/dpkg" {
		t.Errorf("Expected dpkg resolved in the guest, got %s", seen.Path)
	}
	if seen.Identity.UID != 0 {
		t.Errorf("Expected dpkg to run as root, got uid %d", seen.Identity.UID)
	}
	if envValue(seen.Env, "DEBIAN_FRONTEND") != "noninteractive" {
		t.Errorf("Expected DEBIAN_FRONTEND=noninteractive, got %v", seen.Env)
	}
	if !reflect.DeepEqual(staged, []string{"a_1.0_arm64.deb", "b_2.0_arm64.deb"}) {
		t.Errorf("Expected packages staged while dpkg ran, got %v", staged)
	}
	if _, err := os.Stat(g.hostPath("/opt")); !os.IsNotExist(err) {
		t.Errorf("Expected staging directories removed, stat err: %v", err)
	}
}

func TestInstallDebsValidation(t *testing.T) {
	g := newTestGuest(t)
	ctx := context.Background()
	s, err := Open(ctx, g.root, g.config())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	debs := writeDebs(t, "a.deb")
	other := writeDebs(t, "a.deb")
	notDeb := writeDebs(t, "a.rpm")
	for name, files := range map[string][]string{
		"none":       nil,
		"wrong type": notDeb,
		"missing":    {debs[0] + ".gone.deb"},
		"directory":  {t.TempDir() + "/dir.deb"},
		"duplicate":  {debs[0], other[0]},
	} {
		if name == "directory" {
			os.Mkdir(files[0], 0755)
		}
		if _, err := InstallDebs(ctx, s, files, RunOptions{}); !IsErrorCode(err, ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
	if _, err := os.Stat(g.hostPath("/opt")); !os.IsNotExist(err) {
		t.Errorf("Expected rejected installs to stage nothing, stat err: %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := InstallDebs(ctx, s, debs, RunOptions{}); !IsErrorCode(err, ErrInvalidState) {
		t.Errorf("Expected invalid state after close, got %v", err)
	}
}
