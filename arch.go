package main

import (
	"runtime"
	"strings"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// archMap maps the names accepted on the command line and in profiles to the
// OCI architecture identifiers.
var archMap = map[string]specs.Arch{
	"aarch64":  specs.ArchAARCH64,
	"arm64":    specs.ArchAARCH64,
	"arm":      specs.ArchARM,
	"armhf":    specs.ArchARM,
	"armv7":    specs.ArchARM,
	"armv7l":   specs.ArchARM,
	"x86_64":   specs.ArchX86_64,
	"amd64":    specs.ArchX86_64,
	"i386":     specs.ArchX86,
	"i686":     specs.ArchX86,
	"386":      specs.ArchX86,
	"riscv64":  specs.ArchRISCV64,
	"ppc64le":  specs.ArchPPC64LE,
	"s390x":    specs.ArchS390X,
	"mips":     specs.ArchMIPS,
	"mipsel":   specs.ArchMIPSEL,
	"mipsle":   specs.ArchMIPSEL,
	"mips64":   specs.ArchMIPS64,
	"mips64el": specs.ArchMIPSEL64,
	"mips64le": specs.ArchMIPSEL64,
}

// helperArchName is the architecture suffix the user-mode emulator binaries
// are named with (qemu-<name>-static).
var helperArchName = map[specs.Arch]string{
	specs.ArchAARCH64:  "aarch64",
	specs.ArchARM:      "arm",
	specs.ArchX86_64:   "x86_64",
	specs.ArchX86:      "i386",
	specs.ArchRISCV64:  "riscv64",
	specs.ArchPPC64LE:  "ppc64le",
	specs.ArchS390X:    "s390x",
	specs.ArchMIPS:     "mips",
	specs.ArchMIPSEL:   "mipsel",
	specs.ArchMIPS64:   "mips64",
	specs.ArchMIPSEL64: "mips64el",
}

// ParseArch accepts a common architecture name or an OCI identifier such as
// SCMP_ARCH_AARCH64.
func ParseArch(name string) (specs.Arch, error) {
	if name == "" {
		name = DefaultArch
	}
	if a, ok := archMap[strings.ToLower(name)]; ok {
		return a, nil
	}
	if a := specs.Arch(strings.ToUpper(name)); helperArchName[a] != "" {
		return a, nil
	}
	return "", validationError("arch", "unsupported guest architecture").
		WithContext("arch", name)
}

// hostArch returns the OCI identifier of the architecture this binary runs on.
func hostArch() specs.Arch {
	return archMap[runtime.GOARCH]
}
