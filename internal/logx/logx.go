// Package logx provides leveled logging for the mesh client, backed by
// pterm by default but redirectable to a user-supplied sink.
package logx

import (
	"fmt"

	"github.com/pterm/pterm"
)

// Level identifies a log severity, matching options.logFunction's contract.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelSuccess
	LevelWarning
	LevelError
)

// Func is a user-supplied log sink, set via config.Options.LogFunc.
type Func func(level Level, format string, args ...any)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 2006 15:04:05"
}

// Logger is a leveled log sink. Every component a MeshClient owns (its
// nodes, connections, negotiators, and signaling manager) is handed the
// client's Logger at construction, so two concurrently-open MeshClients
// with distinct LogFunc values never share mutable logging state.
type Logger struct {
	sink Func
}

// New creates a Logger. A nil sink falls back to pterm-backed output.
func New(sink Func) *Logger {
	return &Logger{sink: sink}
}

// Default is the logger used by components with no client-scoped context,
// e.g. the example signaling server binary.
var Default = New(nil)

func (l *Logger) emit(level Level, printer func(format string, args ...any), format string, args ...any) {
	if l.sink != nil {
		l.sink(level, format, args...)
		return
	}
	printer(format, args...)
}

func (l *Logger) Debug(format string, args ...any) {
	l.emit(LevelDebug, func(f string, a ...any) { pterm.Debug.Printfln(f, a...) }, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.emit(LevelInfo, func(f string, a ...any) { pterm.Info.Printfln(f, a...) }, format, args...)
}

func (l *Logger) Success(format string, args ...any) {
	l.emit(LevelSuccess, func(f string, a ...any) { pterm.Success.Printfln(f, a...) }, format, args...)
}

func (l *Logger) Warning(format string, args ...any) {
	l.emit(LevelWarning, func(f string, a ...any) { pterm.Warning.Printfln(f, a...) }, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.emit(LevelError, func(f string, a ...any) { pterm.Error.Printfln(f, a...) }, format, args...)
}

// Debug logs on the Default logger.
func Debug(format string, args ...any) { Default.Debug(format, args...) }

// Info logs on the Default logger.
func Info(format string, args ...any) { Default.Info(format, args...) }

// Success logs on the Default logger.
func Success(format string, args ...any) { Default.Success(format, args...) }

// Warning logs on the Default logger.
func Warning(format string, args ...any) { Default.Warning(format, args...) }

// Error logs on the Default logger.
func Error(format string, args ...any) { Default.Error(format, args...) }

// EnableDebug configures the default pterm logger to show debug messages.
// This affects pterm's own level gate, shared process-wide regardless of
// which Logger instance is printing through it.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
	pterm.EnableDebugMessages()
}

// String renders a Level for diagnostics.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}
