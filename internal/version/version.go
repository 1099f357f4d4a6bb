// Package version negotiates which protocol version serves a call.
//
// Clients declare their application version (a semantic version string) and
// may request a protocol version explicitly. The platform publishes an active
// protocol version, a fallback version for older clients, and a minimum
// application version per protocol. Resolver combines these into a Decision.
package version

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Protocol is a supported shape of the remote-call contract.
type Protocol string

const (
	V1 Protocol = "v1"
	V2 Protocol = "v2"
	V3 Protocol = "v3"
)

// Compiled-in pair used when the platform lookup is unavailable.
const (
	DefaultActive   = V2
	DefaultFallback = V1
)

// Supported lists every protocol version the gateway understands.
func Supported() []Protocol {
	return []Protocol{V1, V2, V3}
}

// DefaultMinimums returns the minimum application version published for each
// protocol version.
func DefaultMinimums() map[Protocol]string {
	return map[Protocol]string{
		V1: "1.0.0",
		V2: "1.2.0",
		V3: "1.4.0",
	}
}

// ParseProtocol normalizes s and reports whether it names a supported
// protocol version.
func ParseProtocol(s string) (Protocol, bool) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case V1, V2, V3:
		return p, true
	}
	return "", false
}

// Number maps an application version string onto a single comparable integer,
// major*10000 + minor*100 + patch. Missing components count as zero and
// strings that are not valid semantic versions are scanned leniently, so every
// input maps to some number and any two versions compare.
func Number(v string) int {
	v = strings.TrimSpace(v)
	if sv, err := semver.NewVersion(v); err == nil {
		return compose(int(sv.Major()), int(sv.Minor()), int(sv.Patch()))
	}
	return lenientNumber(v)
}

// Compare returns -1, 0 or 1 as a is lower than, equal to, or higher than b.
func Compare(a, b string) int {
	na, nb := Number(a), Number(b)
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	}
	return 0
}

// AtLeast reports whether v is at or above minimum.
func AtLeast(v, minimum string) bool {
	return Number(v) >= Number(minimum)
}

func compose(major, minor, patch int) int {
	return major*10000 + minor*100 + patch
}

// lenientNumber reads up to three dot-separated components, taking the
// leading digits of each. Anything unreadable contributes zero.
func lenientNumber(v string) int {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if i := strings.IndexAny(v, "-+ "); i >= 0 {
		v = v[:i]
	}
	parts := strings.SplitN(v, ".", 4)
	var nums [3]int
	for i := 0; i < len(parts) && i < 3; i++ {
		nums[i] = leadingInt(parts[i])
	}
	return compose(nums[0], nums[1], nums[2])
}

func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
