// Package validate provides shared validation functions.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hay-kot/mom/internal/core/naming"
)

// MaxContentLength is the maximum message content length in characters.
const MaxContentLength = 5000

// Name validates a user, topic or queue name.
func Name(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	if !naming.Valid(name) {
		return fmt.Errorf("invalid name %q: use only letters, digits, hyphens and underscores", name)
	}
	return nil
}

// Content validates message content is non-empty and within MaxContentLength.
func Content(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("content is required")
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return fmt.Errorf("content is %d characters, maximum is %d", n, MaxContentLength)
	}
	return nil
}
