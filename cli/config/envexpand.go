// Package config loads jsendpraat.yaml and its environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
)

// refPattern matches a braced reference: ${NAME}, ${NAME:-fallback} or
// ${NAME:?message}. Bare $NAME is left alone.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:[-?])([^}]*))?\}`)

// ExpandEnv substitutes environment references in a config document.
//
// ${NAME} becomes the value of NAME, or "" when unset. ${NAME:-fallback}
// uses fallback when NAME is unset or empty. ${NAME:?message} is an error
// naming message when NAME is unset or empty.
func ExpandEnv(input string) (string, error) {
	var errs []error
	out := refPattern.ReplaceAllStringFunc(input, func(ref string) string {
		m := refPattern.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]

		if value := os.Getenv(name); value != "" {
			return value
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				arg = "required"
			}
			errs = append(errs, fmt.Errorf("%s: %s", name, arg))
		}
		return ""
	})
	if len(errs) > 0 {
		return "", fmt.Errorf("unset environment variables: %w", errors.Join(errs...))
	}
	return out, nil
}
