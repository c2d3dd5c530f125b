// Package envfile reads and writes flat KEY=VALUE files: the persisted
// deployment state, the application environment artifact, and the systemd
// drop-in all share this format. Values are quoted on write so that any
// byte sequence round-trips through Parse unchanged.
package envfile

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// safeValue matches values that can be written without quoting.
var safeValue = regexp.MustCompile(`^[A-Za-z0-9_.:/@+-]*$`)

// keyPattern matches valid variable names.
var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// placeholder matches @KEY@ substitution tokens in templates.
var placeholder = regexp.MustCompile(`@([A-Z][A-Z0-9_]*)@`)

// Quote returns the value in a form safe to place after KEY= in an env
// file. Plain values pass through; anything else is double-quoted with
// backslash escapes for the characters that are special inside quotes.
func Quote(value string) string {
	if safeValue.MatchString(value) {
		return value
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range value {
		switch r {
		case '\\', '"', '$', '`':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Marshal serializes the map as KEY=VALUE lines in sorted key order.
func Marshal(values map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		if !keyPattern.MatchString(k) {
			return nil, fmt.Errorf("invalid variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Quote(values[k]))
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// Parse reads KEY=VALUE lines into a map. Blank lines and lines starting
// with '#' are skipped. Quoted values are unescaped; lines without '=' are
// rejected so a truncated file surfaces as an error instead of silently
// dropping fields.
func Parse(data []byte) (map[string]string, error) {
	values := make(map[string]string)
	for i, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, raw, ok := strings.Cut(trimmed, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '=' in %q", i+1, trimmed)
		}
		if !keyPattern.MatchString(key) {
			return nil, fmt.Errorf("line %d: invalid variable name %q", i+1, key)
		}
		value, err := unquote(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		values[key] = value
	}
	return values, nil
}

func unquote(raw string) (string, error) {
	if !strings.HasPrefix(raw, `"`) {
		return raw, nil
	}
	if len(raw) < 2 || !strings.HasSuffix(raw, `"`) {
		return "", fmt.Errorf("unterminated quoted value %q", raw)
	}
	inner := raw[1 : len(raw)-1]
	var b strings.Builder
	escaped := false
	for _, r := range inner {
		if escaped {
			if r == 'n' {
				b.WriteByte('\n')
			} else {
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if r == '"' {
			return "", fmt.Errorf("unescaped quote inside value %q", raw)
		}
		b.WriteRune(r)
	}
	if escaped {
		return "", fmt.Errorf("trailing backslash in value %q", raw)
	}
	return b.String(), nil
}

// Render substitutes @KEY@ placeholders in a template with quoted values.
// Substitution happens in a single pass, so a value that itself contains
// placeholder-shaped text is never rescanned. A placeholder with no
// matching value is an error: a missing secret must never ship as a
// literal token.
func Render(template string, values map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(template, func(token string) string {
		key := token[1 : len(token)-1]
		value, ok := values[key]
		if !ok {
			missing = append(missing, key)
			return token
		}
		return Quote(value)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template references undefined keys: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
