package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which records are written.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type logger struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

var std = &logger{out: os.Stderr, level: LevelInfo}

// Setup configures the process-wide logger. An empty filePath keeps
// stderr-only output.
func Setup(level string, filePath string) error {
	std.mu.Lock()
	defer std.mu.Unlock()

	std.level = ParseLevel(level)

	if filePath == "" {
		return nil
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if std.file != nil {
		_ = std.file.Close()
	}
	std.file = f
	std.out = io.MultiWriter(os.Stderr, f)
	return nil
}

// Close releases the log file, if one was opened.
func Close() {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		_ = std.file.Close()
		std.file = nil
		std.out = os.Stderr
	}
}

func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

func (l *logger) log(level Level, category, msg string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(levelNames[level])
	b.WriteString("] [")
	b.WriteString(category)
	b.WriteString("] ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	_, _ = io.WriteString(l.out, b.String())
}

func DebugC(category, msg string)                        { std.log(LevelDebug, category, msg, nil) }
func DebugCF(category, msg string, fields map[string]any) { std.log(LevelDebug, category, msg, fields) }
func InfoC(category, msg string)                         { std.log(LevelInfo, category, msg, nil) }
func InfoCF(category, msg string, fields map[string]any)  { std.log(LevelInfo, category, msg, fields) }
func WarnC(category, msg string)                         { std.log(LevelWarn, category, msg, nil) }
func WarnCF(category, msg string, fields map[string]any)  { std.log(LevelWarn, category, msg, fields) }
func ErrorC(category, msg string)                        { std.log(LevelError, category, msg, nil) }
func ErrorCF(category, msg string, fields map[string]any) { std.log(LevelError, category, msg, fields) }
