package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

// Logger provides formatted console logging for the OAuth debugger.
//
// All methods are safe to call on a nil *Logger; a nil logger discards output.
type Logger struct {
	mu          sync.Mutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
}

// NewLogger creates a new logger writing to stdout
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      os.Stdout,
	}
}

// NewLoggerWithWriter creates a new logger with a custom writer
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, writer io.Writer) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      writer,
	}
}

// NewDevNullLogger returns a logger that discards everything.
func NewDevNullLogger() *Logger {
	return NewLoggerWithWriter(false, false, false, io.Discard)
}

// SetVerbose sets the verbose mode
func (l *Logger) SetVerbose(verbose bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.verbose = verbose
	l.mu.Unlock()
}

// SetWriter sets a custom writer for the logger
func (l *Logger) SetWriter(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.writer = w
	l.mu.Unlock()
}

// IsVerbose reports whether verbose output is enabled.
func (l *Logger) IsVerbose() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func (l *Logger) timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func (l *Logger) colorize(text, colorCode string) string {
	if !l.useColor {
		return text
	}
	return fmt.Sprintf("%s%s%s", colorCode, text, colorReset)
}

// logf writes a single timestamped line.
func (l *Logger) logf(colorCode, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	if colorCode != "" {
		msg = l.colorize(msg, colorCode)
	}
	fmt.Fprintf(l.writer, "[%s] %s\n", l.timestamp(), msg)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.logf("", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.logf("", format, args...)
}

// Debug logs a debug message (only in verbose mode)
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.logf(colorGray, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.logf(colorYellow, format, args...)
}

// WarningVerbose logs a warning message only in verbose mode
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.logf(colorYellow, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(colorRed, format, args...)
}

// Success logs a success message
func (l *Logger) Success(format string, args ...interface{}) {
	l.logf(colorGreen, format, args...)
}

// Request logs an outgoing protocol request. In JSON-RPC mode the payload is
// pretty printed, otherwise a one-line summary is written in verbose mode.
func (l *Logger) Request(method string, params interface{}) {
	if l == nil {
		return
	}
	if !l.jsonRPCMode {
		l.Debug("→ %s", method)
		return
	}
	l.exchange("→", "REQUEST", method, params, colorBlue)
}

// Response logs an incoming protocol response.
func (l *Logger) Response(method string, result interface{}) {
	if l == nil {
		return
	}
	if !l.jsonRPCMode {
		l.Debug("← %s", method)
		return
	}
	l.exchange("←", "RESPONSE", method, result, colorGreen)
}

func (l *Logger) exchange(arrow, kind, method string, payload interface{}, colorCode string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.writer, "[%s] %s %s:\n", l.timestamp(),
		l.colorize(arrow, colorCode),
		l.colorize(fmt.Sprintf("%s (%s)", kind, method), colorCode))
	if payload != nil {
		fmt.Fprintln(l.writer, l.colorize(prettyJSON(payload), colorCode))
	}
	fmt.Fprintln(l.writer)
}

// prettyJSON formats a value for display
func prettyJSON(v interface{}) string {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}

// redactSecret hides all but a short prefix of a credential.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", 8)
}
