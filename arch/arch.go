package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture defines the set of values accepted by qemu/libvirt.
type Architecture string

const (
	X86_64 Architecture = "x86_64"
	I686   Architecture = "i686"
)

// Supported returns the guest architectures the vm backend can boot.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		I686,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, I686:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// QEMUSystemBinary names the full-system emulator for a.
func (a Architecture) QEMUSystemBinary() string {
	switch a {
	case I686:
		return "qemu-system-i386"
	default:
		return "qemu-system-" + string(a)
	}
}

// Accelerated reports whether a guest of architecture a can use hardware
// virtualisation on a host of architecture host.
func (a Architecture) Accelerated(host Architecture) bool {
	return a == host || (a == I686 && host == X86_64)
}

// Host returns the architecture of the running process, or "" when it is
// not a supported guest architecture.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case "x86", "i386", "i486", "i586", string(I686), "386", "80386":
		return I686
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
