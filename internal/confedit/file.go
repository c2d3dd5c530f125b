// Package confedit applies minimal, reversible edits to a dependent
// service's configuration file. The file is modeled as typed directives
// (name followed by a value) with every unrecognized line preserved
// verbatim, so an edit touches exactly one directive and nothing else.
package confedit

import (
	"strings"
)

type line struct {
	raw       string
	directive string
}

// File is a parsed directive-per-line configuration (redis.conf shape).
type File struct {
	lines []line
}

// Parse builds a File from raw content. Comments and anything that does
// not look like a directive survive untouched.
func Parse(data []byte) *File {
	f := &File{}
	content := strings.TrimSuffix(string(data), "\n")
	for _, raw := range strings.Split(content, "\n") {
		f.lines = append(f.lines, line{raw: raw, directive: directiveName(raw)})
	}
	return f
}

func directiveName(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	name, _, _ := strings.Cut(trimmed, " ")
	return name
}

// Get returns the value of the first occurrence of a directive.
func (f *File) Get(directive string) (string, bool) {
	for _, l := range f.lines {
		if l.directive == directive {
			trimmed := strings.TrimSpace(l.raw)
			_, value, _ := strings.Cut(trimmed, " ")
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

// Set replaces the first occurrence of a directive with the desired value,
// or appends the directive if it is absent. Later duplicate occurrences
// are commented out so the effective value is unambiguous.
func (f *File) Set(directive, value string) {
	replaced := false
	for i, l := range f.lines {
		if l.directive != directive {
			continue
		}
		if !replaced {
			f.lines[i] = line{raw: directive + " " + value, directive: directive}
			replaced = true
			continue
		}
		f.lines[i] = line{raw: "# " + l.raw}
	}
	if !replaced {
		f.lines = append(f.lines, line{raw: directive + " " + value, directive: directive})
	}
}

// Bytes serializes the file, byte-identical for untouched lines.
func (f *File) Bytes() []byte {
	var b strings.Builder
	for _, l := range f.lines {
		b.WriteString(l.raw)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
