package inode

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
)

// ValidateName checks a single path component.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains a separator or NUL", ErrInvalidName, name)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidName, name)
	case utf8.RuneCountInString(name) > model.MaxNameLength:
		return fmt.Errorf("%w: more than %d code points", ErrInvalidName, model.MaxNameLength)
	}
	return nil
}

// SplitPath splits an absolute path into validated components. Repeated
// and trailing slashes are ignored; "/" has no components.
func SplitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: path %q is not absolute", ErrInvalidName, path)
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		if err := ValidateName(p); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(parts ...string) string {
	return "/" + strings.Join(parts, "/")
}
