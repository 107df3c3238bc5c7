// Package release parses and displays release identifiers of the
// form "package@version".
package release

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// hashLen is how many characters of a commit hash are shown.
const hashLen = 12

var (
	hashPattern              = regexp.MustCompile(`^[0-9a-f]{32,64}$`)
	prereleaseNumericPattern = regexp.MustCompile(`^([A-Za-z]+)(\d+)$`)
)

// Version is a parsed release identifier.
type Version struct {
	// Package is the part before the last "@", empty when the
	// release has no package.
	Package string
	// Raw is the version text after the package.
	Raw string
	// Semver is the normalized "vMAJOR.MINOR.PATCH[-pre][+build]"
	// form, empty when Raw is not a semantic version.
	Semver string
}

// Parse splits a release identifier. It never fails: releases that
// aren't semantic versions keep Semver empty.
func Parse(s string) Version {
	v := Version{Raw: s}
	// "@" may appear in scoped npm packages, so split at the last.
	if i := strings.LastIndex(s, "@"); i > 0 && i < len(s)-1 {
		v.Package = s[:i]
		v.Raw = s[i+1:]
	}
	v.Semver = normalizeSemver(v.Raw)
	return v
}

// IsHash reports whether the version looks like a commit hash.
func (v Version) IsHash() bool {
	return hashPattern.MatchString(v.Raw)
}

// Short returns the display form: the semantic version without
// its "v" prefix and with build metadata in parentheses, a
// truncated commit hash, or the raw version.
func (v Version) Short() string {
	switch {
	case v.Semver != "":
		out := strings.TrimPrefix(semver.Canonical(v.Semver), "v")
		if b := semver.Build(v.Semver); b != "" {
			out += " (" + strings.TrimPrefix(b, "+") + ")"
		}
		return out
	case v.IsHash():
		return v.Raw[:hashLen]
	}
	return v.Raw
}

// Format returns the display form of a release identifier.
func Format(s string) string {
	return Parse(s).Short()
}

// Compare orders two release identifiers: by package, then by
// semantic version when both are valid, with semantic versions
// ahead of other versions, and by raw text otherwise.
func Compare(a, b string) int {
	va, vb := Parse(a), Parse(b)
	if c := strings.Compare(va.Package, vb.Package); c != 0 {
		return c
	}
	switch {
	case va.Semver != "" && vb.Semver != "":
		if c := semver.Compare(va.Semver, vb.Semver); c != 0 {
			return c
		}
	case va.Semver != "":
		return 1
	case vb.Semver != "":
		return -1
	}
	return strings.Compare(va.Raw, vb.Raw)
}

// normalizeSemver returns v in the form x/mod/semver accepts, or
// "" when it isn't a semantic version. A missing "v" prefix is
// tolerated and prerelease tags like "beta1" are split into
// "beta.1" so they order numerically.
func normalizeSemver(v string) string {
	v = strings.TrimPrefix(v, "v")
	if len(v) == 0 || v[0] < '0' || v[0] > '9' {
		return ""
	}
	var build string
	if i := strings.Index(v, "+"); i >= 0 {
		v, build = v[:i], v[i:]
	}
	if idx := strings.Index(v, "-"); idx > 0 {
		v = v[:idx] + "-" + normalizePrereleaseIdentifiers(v[idx+1:])
	}
	out := "v" + v + build
	if !semver.IsValid(out) {
		return ""
	}
	return out
}

func normalizePrereleaseIdentifiers(prerelease string) string {
	parts := strings.Split(prerelease, ".")
	var result []string
	for _, part := range parts {
		matches := prereleaseNumericPattern.FindStringSubmatch(part)
		if matches != nil {
			letters, digits := matches[1], matches[2]
			if len(digits) > 1 && digits[0] == '0' {
				result = append(result, part)
			} else {
				result = append(result, letters, digits)
			}
		} else {
			result = append(result, part)
		}
	}
	return strings.Join(result, ".")
}
