package vpn

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._ -]{0,63}$`)

// ValidateName checks a provider or folder name is safe to use as a single
// path element under the state directory.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("provider name is required")
	}
	if trimmed != name {
		return fmt.Errorf("provider name must not start or end with whitespace")
	}
	if len(trimmed) > 64 {
		return fmt.Errorf("provider name must be 64 characters or fewer")
	}
	if strings.Contains(trimmed, "..") {
		return fmt.Errorf("provider name must not contain '..'")
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("provider name must not contain path separators")
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return fmt.Errorf("provider name must not contain control characters")
		}
	}
	if !namePattern.MatchString(trimmed) {
		return fmt.Errorf("provider name must match %s", namePattern.String())
	}
	switch trimmed {
	case "certs", "temp":
		return fmt.Errorf("provider name %q is reserved", trimmed)
	}
	return nil
}
