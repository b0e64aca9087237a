package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Container Names
// =============================================================================

// ErrInvalidName is returned for names the engine would reject.
var ErrInvalidName = errors.New("invalid container name")

// ValidName reports whether name is usable as a container or network name.
//
// The rules are:
//   - The first character is a letter or digit
//   - Later characters are letters, digits, '_', '.' or '-'
//   - At least two characters
//
// Example:
//
//	ValidName("broker-1")   // true
//	ValidName("-broker")    // false
//	ValidName("my broker")  // false
func ValidName(name string) bool {
	if len(name) < 2 {
		return false
	}
	for i, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
		case i > 0 && (r == '_' || r == '.' || r == '-'):
		default:
			return false
		}
	}
	return true
}

func checkName(name string) error {
	if name == "" || ValidName(name) {
		return nil
	}
	return fmt.Errorf("%q: %w", name, ErrInvalidName)
}
