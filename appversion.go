package main

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// canonicalAppVersion turns producer versions like "3.0.587" or "v3.0.587"
// into the semver form x/mod expects. It returns "" when the input is not a
// version.
func canonicalAppVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

func validateAppVersion(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	if canonicalAppVersion(v) == "" {
		return fmt.Errorf("%s: invalid version %q", field, v)
	}
	return nil
}

// appVersionAtLeast reports whether have >= min. An empty min always passes;
// an unparsable have never passes a non-empty min.
func appVersionAtLeast(have, min string) bool {
	m := canonicalAppVersion(min)
	if m == "" {
		return true
	}
	h := canonicalAppVersion(have)
	if h == "" {
		return false
	}
	return semver.Compare(h, m) >= 0
}
