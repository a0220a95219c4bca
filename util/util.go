// Package util contains misc internal utilities.
package util

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// AllElementsNumbers returns true if every rune in s is a digit or a decimal point,
// e.g. "12.5" but not "12.5s"
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return true
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// UniqueString returns the unique elements of a slice of strings, in the order they first appear
func UniqueString(s []string) []string {
	seen := make(map[string]bool, len(s))
	out := make([]string, 0, len(s))
	for _, str := range s {
		if !seen[str] {
			seen[str] = true
			out = append(out, str)
		}
	}
	return out
}

// SplitPatterns splits a comma separated list of glob patterns, dropping blanks
func SplitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
