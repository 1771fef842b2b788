package types

import (
	"strconv"
	"strings"
)

// Version is the bridge build version reported by the CLI.
const Version = "0.3.0"

// MinHostVersion is the oldest host build the bridge will forward requests to.
// Hosts older than this do not understand the upload message or the
// clientRef echo on progress replies.
const MinHostVersion = "20180606.1040"

// hostMinorDigits is the width of the HHMM part of a host build stamp.
const hostMinorDigits = 4

// hostVersionKey is the sortable form of a YYYYMMDD.HHMM build stamp.
type hostVersionKey struct {
	major int64
	minor int64
}

// parseHostVersion normalizes a build stamp. The minor part is right-padded
// with zeros so "20180606.1" sorts as "20180606.1000".
func parseHostVersion(v string) (hostVersionKey, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return hostVersionKey{}, false
	}
	majorStr, minorStr, _ := strings.Cut(v, ".")
	if !allDigits(majorStr) {
		return hostVersionKey{}, false
	}
	if minorStr != "" && (!allDigits(minorStr) || len(minorStr) > hostMinorDigits) {
		return hostVersionKey{}, false
	}
	major, err := strconv.ParseInt(majorStr, 10, 64)
	if err != nil {
		return hostVersionKey{}, false
	}
	var minor int64
	if minorStr != "" {
		padded := minorStr + strings.Repeat("0", hostMinorDigits-len(minorStr))
		minor, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return hostVersionKey{}, false
		}
	}
	return hostVersionKey{major: major, minor: minor}, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CompareHostVersion orders two host build stamps numerically.
// Returns -1, 0 or 1. Empty or malformed stamps sort before every valid
// stamp and are equal to each other.
func CompareHostVersion(a, b string) int {
	ka, okA := parseHostVersion(a)
	kb, okB := parseHostVersion(b)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	switch {
	case ka.major < kb.major:
		return -1
	case ka.major > kb.major:
		return 1
	case ka.minor < kb.minor:
		return -1
	case ka.minor > kb.minor:
		return 1
	default:
		return 0
	}
}

// MeetsMinimum reports whether a host version is at least min.
// An absent or malformed version never meets the minimum.
func MeetsMinimum(version, min string) bool {
	if _, ok := parseHostVersion(version); !ok {
		return false
	}
	return CompareHostVersion(version, min) >= 0
}
