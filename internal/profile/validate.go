package profile

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid profile name")

// Profile names become a directory under BaseDir and part of the control
// socket path.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// maxSocketPath is the longest unix socket path that fits sun_path on both
// Linux (108) and macOS (104), less the trailing NUL.
const maxSocketPath = 103

// ValidateName checks that name is usable as a profile: lowercase letters,
// digits, '-' and '_', starting with a letter or digit, and short enough for
// the profile's control socket to be bound under the current BaseDir.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 of a-z, 0-9, '-' or '_', starting with a letter or digit", ErrInvalidName, name)
	}
	if n := len(SocketPath(name)); n > maxSocketPath {
		return fmt.Errorf("%w %q: socket path %s is %d bytes, the limit is %d; shorten the name or %s",
			ErrInvalidName, name, SocketPath(name), n, maxSocketPath, HomeEnv)
	}
	return nil
}
