package logger

import (
	"bytes"
	"io"
	"os"
	"regexp"

	"github.com/rs/zerolog"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts provider API keys and Bearer tokens from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Provider keys in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(gemini_api_key["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(openai_api_key["'\s:=]+)\S+`),
	// API keys: long alphanumeric strings after "key", "apikey", "api_key"
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{16,}`),
	// Gemini key header and legacy ?key= query parameter
	regexp.MustCompile(`(?i)(x-goog-api-key["'\s:=]+)\S+`),
	regexp.MustCompile(`([?&]key=)[A-Za-z0-9\-_]+`),
	// OpenAI secret keys wherever they appear
	regexp.MustCompile(`()sk-[A-Za-z0-9\-_]{16,}`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Return original length so callers don't get short-write errors
	// even if redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// appendRedacted builds a replacement []byte that keeps capture group $1 + redactWith.
func appendRedacted(redact string) []byte {
	// All our patterns have exactly one capture group for the key/prefix.
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	return buf.Bytes()
}

// New constructs the process logger: JSON or console output, always through
// the redacting writer. Unknown levels fall back to info.
func New(levelName, format string) zerolog.Logger {
	return newWithWriter(levelName, format, os.Stderr)
}

func newWithWriter(levelName, format string, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}

	if format == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = NewRedactWriter(out)
		cw.NoColor = true
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(NewRedactWriter(out)).Level(level).With().Timestamp().Logger()
}
