package utils

import (
	"fmt"
	"strings"
)

// Fractional sort keys: strings over a base-36 alphabet that order
// siblings lexicographically and always admit a new key strictly
// between two existing ones, without renumbering neighbours.

const keyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// FirstKey returns the key used for the first sibling of a parent.
func FirstKey() string {
	return string(keyAlphabet[len(keyAlphabet)/2])
}

// KeyBetween returns a key strictly between a and b. Pass a == "" for
// "before the first sibling" and b == "" for "after the last".
func KeyBetween(a, b string) (string, error) {
	if a != "" && strings.HasSuffix(a, string(keyAlphabet[0])) {
		return "", fmt.Errorf("sort key %q has a trailing minimum digit", a)
	}
	if b != "" && strings.HasSuffix(b, string(keyAlphabet[0])) {
		return "", fmt.Errorf("sort key %q has a trailing minimum digit", b)
	}
	if a != "" && b != "" && a >= b {
		return "", fmt.Errorf("sort keys out of order: %q >= %q", a, b)
	}
	key := midpoint(a, b)
	if (a != "" && key <= a) || (b != "" && key >= b) {
		return "", fmt.Errorf("cannot produce a key between %q and %q", a, b)
	}
	return key, nil
}

// midpoint returns a string lexicographically between a and b, where
// "" stands for the minimum on the left and the maximum on the right.
func midpoint(a, b string) string {
	if b != "" {
		// trim the common prefix; the midpoint extends it
		i := 0
		for i < len(a) && i < len(b) && a[i] == b[i] {
			i++
		}
		if i > 0 {
			return b[:i] + midpoint(sliceFrom(a, i), b[i:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(keyAlphabet, a[0])
	}
	digitB := len(keyAlphabet)
	if b != "" {
		digitB = strings.IndexByte(keyAlphabet, b[0])
	}
	if digitB-digitA > 1 {
		return string(keyAlphabet[(digitA+digitB+1)/2])
	}
	// consecutive leading digits
	if len(b) > 1 {
		if b[0] != keyAlphabet[0] {
			return b[:1]
		}
		// keep the result clear of a trailing minimum digit
		return b[:1] + midpoint("", b[1:])
	}
	return string(keyAlphabet[digitA]) + midpoint(sliceFrom(a, 1), "")
}

func sliceFrom(s string, i int) string {
	if i >= len(s) {
		return ""
	}
	return s[i:]
}
