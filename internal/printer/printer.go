// Package printer writes human oriented CLI output: status lines, checklists,
// tables and error boxes.
package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hay-kot/criterio"
)

// ANSI colors (Tokyo Night palette).
const (
	ColorReset     = "\033[0m"
	ColorRed       = "\033[38;2;215;95;107m"
	ColorGreen     = "\033[38;2;158;206;106m"
	ColorYellow    = "\033[38;2;224;175;104m"
	ColorGray      = "\033[38;2;86;95;137m"
	ColorBold      = "\033[1m"
	ColorUnderline = "\033[4m"
)

const (
	Check = "✔"
	Cross = "✘"
	Dot   = "•"
)

type ctxKey struct{}

// Printer writes formatted output to a writer. Colors are dropped when
// NoColor is set.
type Printer struct {
	w       io.Writer
	NoColor bool
}

func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

// NewContext returns a context carrying p.
func NewContext(ctx context.Context, p *Printer) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// Ctx returns the printer stored in ctx, or one writing to stderr.
func Ctx(ctx context.Context) *Printer {
	if p, ok := ctx.Value(ctxKey{}).(*Printer); ok {
		return p
	}
	return New(os.Stderr)
}

func (p *Printer) paint(color, text string) string {
	if p.NoColor {
		return text
	}
	return color + text + ColorReset
}

func (p *Printer) writeln(s string) {
	_, _ = io.WriteString(p.w, s+"\n")
}

// FatalError prints err inside a box. Validation failures carrying
// criterio.FieldErrors list one line per field. It does not exit.
func (p *Printer) FatalError(err error) {
	if err == nil {
		return
	}

	bar := p.paint(ColorRed, "│")

	var fieldErrs criterio.FieldErrors
	if !errors.As(err, &fieldErrs) {
		p.writeln(p.paint(ColorRed, "╭ Error"))
		p.writeln(bar + " " + p.paint(ColorGray, err.Error()))
		p.writeln(p.paint(ColorRed, "╵"))
		return
	}

	p.writeln(p.paint(ColorRed, "╭ Validation Error"))

	// whatever wraps the field errors, e.g. "send: validation failed"
	prefix := ""
	if full, inner := err.Error(), fieldErrs.Error(); full != inner {
		if i := strings.Index(full, inner); i > 0 {
			prefix = strings.TrimSuffix(full[:i], ": ")
		}
	}
	if prefix != "" {
		p.writeln(bar + " " + p.paint(ColorGray, prefix))
		p.writeln(bar)
	}

	for _, fe := range fieldErrs {
		line := bar + " " + p.paint(ColorRed, Cross) + " "
		if fe.Field != "" {
			line += p.paint(ColorGray, fe.Field+": ")
		}
		p.writeln(line + fe.Err.Error())
	}
	p.writeln(p.paint(ColorRed, "╵"))
}

func (p *Printer) Successf(format string, args ...any) {
	p.writeln(p.paint(ColorGreen, Check+" "+fmt.Sprintf(format, args...)))
}

// Success prints message with details on a second, indented line.
func (p *Printer) Success(message, details string) {
	p.writeln(p.paint(ColorGreen, Check+" "+message))
	if details != "" {
		p.writeln("  " + p.paint(ColorGray, details))
	}
}

func (p *Printer) Infof(format string, args ...any) {
	p.writeln(p.paint(ColorGray, Dot+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Warnf(format string, args ...any) {
	p.writeln(p.paint(ColorYellow, Dot+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Errorf(format string, args ...any) {
	p.writeln(p.paint(ColorRed, Cross+" "+fmt.Sprintf(format, args...)))
}

// Printf prints an uncolored line.
func (p *Printer) Printf(format string, args ...any) {
	p.writeln(fmt.Sprintf(format, args...))
}

// Section prints a bold underlined header.
func (p *Printer) Section(title string) {
	p.writeln(p.paint(ColorBold+ColorUnderline, title))
}

func (p *Printer) CheckItem(label, detail string) { p.item(ColorGreen, Check, label, detail) }
func (p *Printer) WarnItem(label, detail string)  { p.item(ColorYellow, Dot, label, detail) }
func (p *Printer) FailItem(label, detail string)  { p.item(ColorRed, Cross, label, detail) }

func (p *Printer) item(color, symbol, label, detail string) {
	line := "  " + p.paint(color, symbol) + " " + label
	if detail != "" {
		line += ": " + detail
	}
	p.writeln(line)
}

// Table prints rows in aligned columns under a header. Nothing is
// printed for an empty table except the empty message, when given.
func (p *Printer) Table(header []string, rows [][]string, empty string) {
	if len(rows) == 0 {
		if empty != "" {
			p.Infof("%s", empty)
		}
		return
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}
