package launcher

import (
	"fmt"
	"strings"

	"github.com/openrnd/iisharness/internal/faults"
)

// Architecture selects which IIS Express build to launch.
type Architecture int

const (
	// ArchX86 is the 32-bit build under the x86 program-files folder.
	ArchX86 Architecture = iota + 1
	// ArchX64 is the 64-bit build under the native program-files folder.
	ArchX64
)

// String returns the config spelling of the architecture.
func (a Architecture) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX64:
		return "x64"
	default:
		return fmt.Sprintf("architecture(%d)", int(a))
	}
}

// ParseArchitecture maps config text to an Architecture.
func ParseArchitecture(value string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "x86", "386", "32", "32bit", "32-bit":
		return ArchX86, nil
	case "x64", "amd64", "64", "64bit", "64-bit":
		return ArchX64, nil
	default:
		return 0, faults.Configuration("parse architecture", fmt.Errorf("unsupported architecture %q", value))
	}
}
