package main

import "time"

// Guest layout
const (
	// DefaultArch is the guest architecture used when none is configured.
	DefaultArch = "aarch64"

	// HelperInstallDir is where the translation helper appears inside the guest.
	HelperInstallDir = "/usr/bin"

	// GuestTmpDir is the guest-side temp area; scripts are staged here.
	GuestTmpDir = "/tmp"

	// DpkgStagingDir holds .deb files while dpkg runs over them.
	DpkgStagingDir = "/opt/guestroot/dpkg"

	// DisplacedSuffix is appended to a guest file moved aside by a helper copy.
	DisplacedSuffix = ".guestroot-orig"

	// DefaultGuestPath is the PATH used to resolve bare command names in the guest.
	DefaultGuestPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Timeouts and retry pacing
const (
	DefaultCloseTimeout  = 30 * time.Second
	DefaultShutdownWait  = 30 * time.Second
	ProcessWaitDelay     = 5 * time.Second
	UnmountRetries       = 3
	UnmountRetryInterval = 200 * time.Millisecond
)

// Limits
const (
	MaxPathLength    = 4096
	MaxExtraMounts   = 256
	MaxCommandArgLen = 128 * 1024
)
