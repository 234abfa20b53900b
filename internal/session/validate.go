package session

import (
	"errors"
	"fmt"
)

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid session name")

const maxNameLen = 64

// ValidateName checks that name can be used as a session directory and as
// the client name stamped on presence records: 1 to 64 of [a-z0-9_-],
// starting with a letter or digit so it is never mistaken for a flag.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w %q: must be 1 to %d characters", ErrInvalidName, name, maxNameLen)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '_') && i > 0:
		default:
			return fmt.Errorf("%w %q: unexpected %q at offset %d", ErrInvalidName, name, r, i)
		}
	}
	return nil
}
