package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readContent resolves the message body from, in order: the --file flag
// ("-" means stdin), the positional arguments joined by spaces, or stdin
// when it is not a terminal.
func readContent(args []string, file string, stdin io.Reader) (string, error) {
	switch {
	case file == "-":
		return readAll(stdin)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read message file: %w", err)
		}
		return strings.TrimRight(string(b), "\n"), nil
	case len(args) > 0:
		return strings.Join(args, " "), nil
	case !isTerminal(stdin):
		return readAll(stdin)
	default:
		return "", errors.New("no message given: pass it as an argument, with --file, or on stdin")
	}
}

func readAll(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

func isTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
