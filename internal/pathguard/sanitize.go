// Package pathguard derives filesystem-safe names and keys from untrusted
// strings and checks that resolved paths stay inside a base directory.
package pathguard

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"roomdrop/internal/domain"
)

const (
	// MaxBaseLength caps the part of a name before the extension, in bytes.
	MaxBaseLength = 120
	// MaxExtLength caps the extension including its leading dot, in bytes.
	MaxExtLength = 16
	// MaxKeyLength caps folder keys derived from identifiers.
	MaxKeyLength = 128

	fallbackName = "unnamed"
)

// ErrOutsideBase is returned when a resolved path escapes its base directory.
var ErrOutsideBase = errors.New("path escapes base directory")

var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SanitizeName turns an untrusted file name into one safe to use as a single
// path component. It is deterministic and idempotent:
// SanitizeName(SanitizeName(s)) == SanitizeName(s).
func SanitizeName(name string) string {
	out := sanitizeOnce(name)
	// Dropping an unusable extension can expose a new one in the base, so
	// repeat until the result is stable.
	for i := 0; i < 8; i++ {
		next := sanitizeOnce(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func sanitizeOnce(name string) string {
	name = cleanComponent(name)
	base, ext := splitExt(name)
	base = cleanBase(base)
	ext = cleanExt(ext)
	if base == "" {
		base = fallbackName
	}
	return base + ext
}

// SanitizeExt returns only the cleaned extension of name (with its dot), or
// "" when it has none.
func SanitizeExt(name string) string {
	_, ext := splitExt(cleanComponent(name))
	return cleanExt(ext)
}

// SanitizeKey derives a folder key from a user or room identifier. Unlike
// SanitizeName it does not treat dots as an extension separator.
func SanitizeKey(id string) string {
	key := cleanComponent(id)
	key = strings.Trim(key, ". ")
	key = truncate(key, MaxKeyLength)
	key = strings.Trim(key, ". ")
	if key == "" {
		return fallbackName
	}
	if isReserved(key) {
		key = "_" + key
	}
	return key
}

// CheckName rejects names that would be unsafe to use as-is. It never
// rewrites; callers resolving stored artifacts must get an exact match.
func CheckName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return domain.InvalidInput("invalid file name %q", name)
	case strings.Contains(name, ".."):
		return domain.InvalidInput("file name must not contain '..'")
	case strings.ContainsAny(name, `/\`):
		return domain.InvalidInput("file name must not contain path separators")
	case strings.IndexFunc(name, isControl) >= 0:
		return domain.InvalidInput("file name must not contain control characters")
	case !utf8.ValidString(name):
		return domain.InvalidInput("file name must be valid UTF-8")
	}
	return nil
}

// cleanComponent removes everything that could make s span more than one
// path element or reach outside its directory.
func cleanComponent(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if isControl(r) {
			return -1
		}
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	return strings.TrimSpace(s)
}

func splitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	if ext == name {
		// ".bashrc" is a name, not an extension.
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

func cleanBase(base string) string {
	base = strings.Trim(base, ". _")
	base = truncate(base, MaxBaseLength)
	base = strings.Trim(base, ". _")
	if isReserved(base) {
		base = "_" + base
	}
	return base
}

func cleanExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	ext = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, ext)
	ext = truncate(ext, MaxExtLength-1)
	if ext == "" {
		return ""
	}
	return "." + ext
}

func isReserved(s string) bool {
	upper := strings.ToUpper(s)
	if i := strings.IndexByte(upper, '.'); i >= 0 {
		upper = upper[:i]
	}
	_, ok := reservedNames[upper]
	return ok
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
