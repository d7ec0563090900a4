// Package weblog is a thin leveled wrapper over log.Logger.
package weblog

import (
	"log"
	"os"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

// Logger prefixes every line with a level tag; below Min is dropped.
type Logger struct {
	std *log.Logger
	Min Level
}

func New(min Level) *Logger {
	return &Logger{
		std: log.New(os.Stderr, "", log.LstdFlags),
		Min: min,
	}
}

func (l *Logger) log(lvl Level, format string, args ...any) {
	if l == nil || lvl < l.Min {
		return
	}
	l.std.Printf("["+lvl.String()+"] "+format, args...)
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Default is a package-level Logger at LevelInfo for code that has no
// injected Logger.
var Default = New(LevelInfo)
