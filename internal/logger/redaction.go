package logger

import (
	"io"
	"regexp"
)

// Redacted replaces every secret a Redactor finds
const Redacted = "[REDACTED]"

// rule replaces matches of re with repl. repl may refer to groups of re, so
// key/value rules keep the key and the log line stays valid JSON.
type rule struct {
	re   *regexp.Regexp
	repl string
}

var defaultRules = []struct{ pattern, repl string }{
	// Provider API keys. sk- also covers sk-ant-.
	{`sk-[a-zA-Z0-9_-]{20,}`, Redacted},
	{`AKIA[0-9A-Z]{16}`, Redacted},
	{`(Bearer\s+)[a-zA-Z0-9._~+/=-]+`, "${1}" + Redacted},
	{`(?i)("?(?:x-api-key|api_key|apikey|password|secret)"?\s*[:=]\s*"?)[^\s",}]+`, "${1}" + Redacted},
	{`(?i)("?token"?\s*[:=]\s*"?)[a-zA-Z0-9._-]{20,}`, "${1}" + Redacted},
}

// Redactor masks credentials before log lines reach a sink
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the default rules
func NewRedactor() *Redactor {
	r := &Redactor{rules: make([]rule, 0, len(defaultRules))}
	for _, d := range defaultRules {
		r.rules = append(r.rules, rule{re: regexp.MustCompile(d.pattern), repl: d.repl})
	}
	return r
}

// AddPattern masks every match of pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: Redacted})
	return nil
}

// Redact applies every rule to s in registration order
func (r *Redactor) Redact(s string) string {
	for _, ru := range r.rules {
		s = ru.re.ReplaceAllString(s, ru.repl)
	}
	return s
}

// Wrap returns a writer that redacts everything written through it
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since callers only see the unredacted input
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
