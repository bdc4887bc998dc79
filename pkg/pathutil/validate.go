// Package pathutil validates the user-supplied names that end up in file paths:
// lock names, checkpoint operations and dependency names.
package pathutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jvs-project/pipeguard/pkg/errclass"
)

const maxNameLen = 128

var (
	// lock names may carry a namespace prefix, e.g. "breaker:git".
	lockNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+(:[a-zA-Z0-9._-]+)*$`)
	nameRegex     = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateLockName checks that a lock name is safe to embed in a file name.
func ValidateLockName(name string) error {
	name, err := common(name)
	if err != nil {
		return err
	}
	if strings.Contains(name, ".shared.") || strings.HasSuffix(name, ".lock") {
		return errclass.ErrNameInvalid.WithMessagef("lock name uses a reserved suffix: %s", name)
	}
	if !lockNameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("lock name must match [a-zA-Z0-9._-]+(:[a-zA-Z0-9._-]+)*: %s", name)
	}
	return nil
}

// ValidateName checks checkpoint operation and dependency names.
func ValidateName(name string) error {
	name, err := common(name)
	if err != nil {
		return err
	}
	if !nameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("name must match [a-zA-Z0-9._-]+: %s", name)
	}
	return nil
}

// Sanitize maps an arbitrary label onto the name alphabet, for use in generated ids.
func Sanitize(label string) string {
	label = norm.NFC.String(label)
	var b strings.Builder
	for _, r := range label {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "op"
	}
	return out
}

func common(name string) (string, error) {
	if name == "" {
		return "", errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}
	name = norm.NFC.String(name)
	if len(name) > maxNameLen {
		return "", errclass.ErrNameInvalid.WithMessagef("name longer than %d bytes", maxNameLen)
	}
	if name == "." || strings.Contains(name, "..") {
		return "", errclass.ErrNameInvalid.WithMessagef("name must not contain '..': %s", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", errclass.ErrNameInvalid.WithMessagef("name must not contain separators: %s", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}
	return name, nil
}
