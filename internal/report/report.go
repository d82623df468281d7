// Package report persists analysis findings as text artifacts.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Finding is one decompiled function worth keeping: it contained at
// least one call site to a target name.
type Finding struct {
	Origin     string   // path of the scanned binary
	Function   string   // name of the decompiled function
	Anchor     string   // target the cross-reference search started from
	Matched    []string // sorted unique target names found in the text
	Decompiled string
}

// Writer stores findings under a single output directory, created on
// first use.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write persists one finding and returns the artifact path. Artifact
// names combine the sanitized origin file and function name with a
// random suffix, so repeated scans of the same binary never collide.
func (w *Writer) Write(f Finding) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("unable to create output directory %s: %w", w.dir, err)
	}

	name := fmt.Sprintf("%s__%s__%s.txt",
		Sanitize(filepath.Base(f.Origin)),
		Sanitize(f.Function),
		uuid.NewString()[:8])
	path := filepath.Join(w.dir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "origin:   %s\n", f.Origin)
	fmt.Fprintf(&b, "function: %s\n", f.Function)
	fmt.Fprintf(&b, "anchor:   %s\n", f.Anchor)
	fmt.Fprintf(&b, "matched:  %s\n\n", strings.Join(f.Matched, " "))
	b.WriteString(f.Decompiled)
	if !strings.HasSuffix(f.Decompiled, "\n") {
		b.WriteByte('\n')
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("unable to write artifact %s: %w", path, err)
	}
	return path, nil
}

// Sanitize maps every byte outside [A-Za-z0-9._-] to '_' so arbitrary
// file paths and symbol names form safe artifact name components.
func Sanitize(s string) string {
	if s == "" {
		return "unnamed"
	}
	out := []byte(s)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
