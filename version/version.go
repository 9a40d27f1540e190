// Package version implements the package manager's version codec.
//
// A version string has the shape v<maj>.<min>[~<pre>][-<tag>]. It is mapped
// to a totally-ordered 32-bit integer so versions can be compared without
// reparsing. The codec intentionally does not use github.com/coreos/go-semver:
// that library parses strict three-component MAJOR.MINOR.PATCH semver with a
// '-' pre-release separator, while this format uses two base components and a
// '~' pre-release separator, so a semver parser would reject the bulk of real
// inputs (see DESIGN.md).
package version

import (
	"strconv"
	"strings"
)

// Number is a totally-ordered encoding of a version string.
type Number int32

// Unknown is the sentinel for an absent or unparsable version.
const Unknown Number = 0

// preReleaseDefault is added when no '~<pre>' component is present, so that
// a release version always strictly exceeds any pre-release of the same
// maj.min.
const preReleaseDefault = 999

// Parse maps a version string to its Number. Empty strings, "None", and
// strings that do not start with 'v' all map to Unknown. A trailing
// '-<tag>' suffix is ignored. Malformed numeric components (non-digit runs
// where a major/minor/pre component is expected) are a caller error and
// panic, matching the source's "no failure mode" contract: the daemon only
// ever calls Parse on strings it has already validated as starting with 'v'
// via the probe layer.
func Parse(raw string) Number {
	if raw == "" || raw == "None" || raw[0] != 'v' {
		return Unknown
	}

	// parts[0] == major, parts[1] == minor, parts[2] == pre (if present);
	// a trailing '-tag' has already been split off by the same separator
	// set and is simply never indexed.
	parts := splitVersion(raw)
	var n int64
	if len(parts) >= 1 {
		n += mustAtoi(parts[0]) * 1000000
	}
	if len(parts) >= 2 {
		n += mustAtoi(parts[1]) * 1000
	}
	if len(parts) >= 3 {
		n += mustAtoi(parts[2])
	} else {
		n += preReleaseDefault
	}
	return Number(n)
}

// splitVersion strips the leading 'v' and splits the remainder on '.', '~',
// and '-', mirroring the source's re.split('v|\.|\~|\-', version) once its
// leading empty field (produced by the match at position 0) is discarded.
func splitVersion(raw string) []string {
	return strings.FieldsFunc(raw[1:], func(r rune) bool {
		return r == '.' || r == '~' || r == '-'
	})
}

func mustAtoi(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		panic("version: malformed numeric component " + strconv.Quote(s))
	}
	return n
}

// String formats a Number back into a bare "vMAJ.MIN" string, dropping any
// pre-release/tag information that was never round-tripped through Parse.
// It exists for logging and test fixtures, not for wire compatibility.
func (n Number) String() string {
	maj := int64(n) / 1000000
	rem := int64(n) % 1000000
	min := rem / 1000
	return "v" + strconv.FormatInt(maj, 10) + "." + strconv.FormatInt(min, 10)
}

// IsKnown reports whether n is anything other than the Unknown sentinel.
func (n Number) IsKnown() bool { return n != Unknown }
