package platform

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrPathOutOfBounds is returned when a relative path escapes its root.
var ErrPathOutOfBounds = errors.New("path outside allowed root")

// ErrBadFolder is returned for group folder names that are not
// filesystem-safe slugs.
var ErrBadFolder = errors.New("invalid group folder name")

var folderRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidFolder reports whether name is a safe group folder slug: lowercase
// alphanumerics plus ._- with no leading dot and no path separators.
func ValidFolder(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	return folderRe.MatchString(name)
}

// SafeJoin joins rel onto root and guarantees the result stays under root.
// rel must be relative; absolute paths and traversal outside root are
// rejected with ErrPathOutOfBounds.
func SafeJoin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", ErrPathOutOfBounds
	}
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", ErrPathOutOfBounds
	}
	return joined, nil
}

// Slugify converts a display name to a folder slug. Non-safe runes collapse
// to single dashes; the result is lowercased and trimmed.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
