// Package randid generates short random identifiers used as consumer tags.
package randid

import (
	"math/rand/v2"
	"strings"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns n random lowercase alphanumerics.
func Generate(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for range n {
		sb.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return sb.String()
}

// Tag returns "<prefix>-<8 random chars>". An empty prefix yields just the
// random part.
func Tag(prefix string) string {
	if prefix == "" {
		return Generate(8)
	}
	return prefix + "-" + Generate(8)
}
