// Package outpath resolves where the render tool writes its output.
package outpath

import (
	"path/filepath"
	"strings"
)

// Kind tags a PathSpec.
type Kind int

const (
	KindNone Kind = iota
	KindFile
	KindDirectory
)

// PathSpec is a user-supplied output override, classified once at the input
// boundary as a file path or a directory path.
type PathSpec struct {
	kind Kind
	path string
}

// File returns a PathSpec naming an output file.
func File(path string) PathSpec { return PathSpec{kind: KindFile, path: path} }

// Directory returns a PathSpec naming an output directory.
func Directory(path string) PathSpec { return PathSpec{kind: KindDirectory, path: path} }

// ParseOverride classifies raw: anything with an extension is a file, any
// other non-blank string a directory, blank means no override.
func ParseOverride(raw string) PathSpec {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PathSpec{}
	}
	if filepath.Ext(raw) != "" {
		return File(raw)
	}
	return Directory(raw)
}

func (p PathSpec) Kind() Kind { return p.kind }
func (p PathSpec) Path() string { return p.path }
func (p PathSpec) IsZero() bool { return p.kind == KindNone }
func (p PathSpec) IsFile() bool { return p.kind == KindFile }
func (p PathSpec) IsDir() bool { return p.kind == KindDirectory }

// Dir is the directory the spec points into: the path itself for a
// directory, the parent for a file.
func (p PathSpec) Dir() string {
	switch p.kind {
	case KindFile:
		return filepath.Dir(p.path)
	case KindDirectory:
		return p.path
	}
	return ""
}

func (p PathSpec) String() string {
	switch p.kind {
	case KindFile:
		return "file:" + p.path
	case KindDirectory:
		return "dir:" + p.path
	}
	return "none"
}
