// Package tmpl renders user supplied Go templates, such as the --format
// flag of the listen command.
package tmpl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"
)

var funcs = template.FuncMap{
	"json":  toJSON,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trunc": truncate,
	"time":  formatTime,
	"shq":   shellQuote,
}

// Template is a parsed template that can be executed many times.
type Template struct {
	t *template.Template
}

// Parse compiles text. Missing keys are an execution error.
//
// Available template functions:
//   - json: encode a value as compact JSON
//   - upper, lower: change case
//   - trunc N: cut a string to N characters, marking the cut with "…"
//   - time LAYOUT: format a time.Time with a Go layout
//   - shq: shell-quote a string
func Parse(text string) (*Template, error) {
	t, err := template.New("").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &Template{t: t}, nil
}

// Execute renders data.
func (t *Template) Execute(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// Render parses and executes text in one step.
func Render(text string, data any) (string, error) {
	t, err := Parse(text)
	if err != nil {
		return "", err
	}
	return t.Execute(data)
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func truncate(n int, s string) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func formatTime(layout string, t time.Time) string {
	return t.Format(layout)
}

// shellQuote wraps s in single quotes, escaping embedded ones as '\''.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
