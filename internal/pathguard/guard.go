package pathguard

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Resolve joins elems under base and verifies the cleaned result is base
// itself or a descendant of it. Every artifact read and write goes through
// here.
func Resolve(base string, elems ...string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", errors.Wrap(err, "resolve base directory")
	}
	joined := filepath.Join(append([]string{absBase}, elems...)...)
	if !Contains(absBase, joined) {
		return "", errors.Wrapf(ErrOutsideBase, "%q", filepath.Join(elems...))
	}
	return joined, nil
}

// Contains reports whether target lies inside base. Both must be absolute.
func Contains(base, target string) bool {
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	if target == base {
		return true
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
