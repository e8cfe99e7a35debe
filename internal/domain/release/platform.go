package release

import (
	"errors"
	"fmt"
	"strings"
)

// Platform identifies an OS/architecture pair a package is built for.
type Platform struct {
	// OS is the operating system part, e.g. "linux".
	OS string
	// Arch is the CPU architecture part, e.g. "amd64".
	Arch string
}

// errInvalidPlatform is returned when an identifier is not an "os/arch" pair.
var errInvalidPlatform = errors.New("platform must be formatted as os/arch")

// ParsePlatform parses an identifier such as "linux/amd64" into a Platform.
func ParsePlatform(s string) (Platform, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Platform{}, fmt.Errorf("%q: %w", s, errInvalidPlatform)
	}

	return Platform{OS: parts[0], Arch: parts[1]}, nil
}

// String renders the platform back in its "os/arch" form.
func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// Suffix returns the filename suffix for the platform.
// Package names carry only the architecture part.
func (p Platform) Suffix() string {
	return p.Arch
}
