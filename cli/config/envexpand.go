// Package config loads dictum.yaml: environment expansion, strict decoding
// over defaults, then validation.
package config

import (
	"os"
	"regexp"
	"slices"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// A set but empty variable takes the default. Unset variables without a
// default expand to the empty string; validation reports the missing value.
func ExpandEnv(input string) string {
	out, _ := expand(input)
	return out
}

// MissingEnv lists variables referenced without a default that are unset
// or empty, in order of first use.
func MissingEnv(input string) []string {
	_, missing := expand(input)
	return missing
}

func expand(input string) (string, []string) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[2]

		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		if fallback != "" {
			return fallback
		}
		if !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
		return ""
	})
	return out, missing
}
