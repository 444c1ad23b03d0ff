package parse

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxKeyLen = 64

var (
	keyRe      = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	nonSlugRe  = regexp.MustCompile(`[^a-z0-9-]`)
	dashRunRe  = regexp.MustCompile(`-+`)
	errEmptyID = errors.New("name produces an empty key")
)

// Slug converts a display name into a registry key.
// "Octopus Pro v1.1" becomes "octopus-pro-v1-1".
func Slug(name string) (string, error) {
	// NFKD then drop combining marks so "Café" folds to "cafe".
	folder := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(folder, name)
	if err != nil {
		return "", fmt.Errorf("failed to normalise name %q: %w", name, err)
	}

	s := strings.ToLower(folded)
	s = strings.NewReplacer(" ", "-", "_", "-", ".", "-").Replace(s)
	s = nonSlugRe.ReplaceAllString(s, "")
	s = dashRunRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxKeyLen {
		s = strings.TrimRight(s[:maxKeyLen], "-")
	}
	if s == "" {
		return "", errEmptyID
	}
	return s, nil
}

// UniqueKey returns Slug(name), suffixed -2, -3, ... until taken reports false.
func UniqueKey(name string, taken func(string) bool) (string, error) {
	base, err := Slug(name)
	if err != nil {
		return "", err
	}
	if !taken(base) {
		return base, nil
	}
	for n := 2; ; n++ {
		suffix := fmt.Sprintf("-%d", n)
		stem := base
		if len(stem)+len(suffix) > maxKeyLen {
			stem = stem[:maxKeyLen-len(suffix)]
		}
		if candidate := stem + suffix; !taken(candidate) {
			return candidate, nil
		}
	}
}

// ValidKey reports whether key is an acceptable registry key.
func ValidKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("device key cannot be empty")
	}
	if len(key) > maxKeyLen {
		return fmt.Errorf("device key longer than %d characters", maxKeyLen)
	}
	if !keyRe.MatchString(key) {
		return errors.New("key must start with a-z/0-9 and contain only a-z, 0-9, _ or -")
	}
	return nil
}
