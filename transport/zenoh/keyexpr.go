package zenoh

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKeyExpr is returned by Validate.
var ErrInvalidKeyExpr = errors.New("zenoh: invalid key expression")

// Validate checks that k is a well-formed key expression: non-empty
// '/'-separated chunks, where a chunk containing '*' must be exactly "*"
// or "**".
func Validate(k string) error {
	if k == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKeyExpr)
	}

	for i, chunk := range strings.Split(k, "/") {
		switch {
		case chunk == "":
			return fmt.Errorf("%w: %q has an empty chunk at %d", ErrInvalidKeyExpr, k, i)
		case chunk == "*" || chunk == "**":
		case strings.ContainsAny(chunk, "*"):
			return fmt.Errorf("%w: %q mixes a wildcard into chunk %q", ErrInvalidKeyExpr, k, chunk)
		case strings.ContainsAny(chunk, "?#$"):
			return fmt.Errorf("%w: %q has a reserved character in chunk %q", ErrInvalidKeyExpr, k, chunk)
		}
	}

	return nil
}

// Intersects reports whether some key matches both a and b. Both must be
// valid key expressions.
func Intersects(a, b string) bool {
	if a == b {
		return true
	}

	return intersect(strings.Split(a, "/"), strings.Split(b, "/"))
}

func intersect(a, b []string) bool {
	switch {
	case len(a) == 0:
		return onlyDoubleStars(b)
	case len(b) == 0:
		return onlyDoubleStars(a)
	case a[0] == "**":
		// Match nothing, or swallow b's head and keep going.
		return intersect(a[1:], b) || intersect(a, b[1:])
	case b[0] == "**":
		return intersect(a, b[1:]) || intersect(a[1:], b)
	case a[0] == "*" || b[0] == "*" || a[0] == b[0]:
		return intersect(a[1:], b[1:])
	default:
		return false
	}
}

func onlyDoubleStars(chunks []string) bool {
	for _, c := range chunks {
		if c != "**" {
			return false
		}
	}

	return true
}
