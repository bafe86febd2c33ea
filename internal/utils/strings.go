package utils

import (
	"strings"

	"github.com/PolarWolf314/tresor/internal/ui"
)

// FormatPaths formats a slice of paths into a readable string.
func FormatPaths(paths []string) string {
	var b strings.Builder
	b.WriteString("\n")
	for _, path := range paths {
		b.WriteString("    - ")
		b.WriteString(ui.Path.Sprint(path))
		b.WriteString("\n")
	}
	return b.String()
}

// ShortID returns the first eight characters of a uuid-style id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
