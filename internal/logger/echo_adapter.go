package logger

import (
	"fmt"
	"io"

	echolog "github.com/labstack/gommon/log"
)

// EchoAdapter routes echo's internal logging through a module Logger.
// Output, prefix and header settings are owned by the central logger and ignored here.
type EchoAdapter struct {
	log   Logger
	level echolog.Lvl
}

// NewEchoAdapter wraps log for use as echo.Echo.Logger
func NewEchoAdapter(log Logger) *EchoAdapter {
	if log == nil {
		log = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	return &EchoAdapter{log: log, level: echolog.INFO}
}

func (a *EchoAdapter) Output() io.Writer   { return io.Discard }
func (a *EchoAdapter) SetOutput(io.Writer) {}
func (a *EchoAdapter) Prefix() string      { return "" }
func (a *EchoAdapter) SetPrefix(string)    {}
func (a *EchoAdapter) SetHeader(string)    {}

// Level returns the minimum echo level forwarded to the logger
func (a *EchoAdapter) Level() echolog.Lvl { return a.level }

// SetLevel drops echo messages below lvl before they reach the logger
func (a *EchoAdapter) SetLevel(lvl echolog.Lvl) { a.level = lvl }

func (a *EchoAdapter) emit(lvl echolog.Lvl, msg string, fields ...Field) {
	if lvl < a.level {
		return
	}
	switch lvl {
	case echolog.DEBUG:
		a.log.Debug(msg, fields...)
	case echolog.WARN:
		a.log.Warn(msg, fields...)
	case echolog.ERROR:
		a.log.Error(msg, fields...)
	default:
		a.log.Info(msg, fields...)
	}
}

func (a *EchoAdapter) Print(i ...any)                 { a.emit(echolog.INFO, fmt.Sprint(i...)) }
func (a *EchoAdapter) Printf(format string, v ...any) { a.emit(echolog.INFO, fmt.Sprintf(format, v...)) }
func (a *EchoAdapter) Printj(j echolog.JSON)          { a.emit(echolog.INFO, "echo", Any("data", j)) }
func (a *EchoAdapter) Debug(i ...any)                 { a.emit(echolog.DEBUG, fmt.Sprint(i...)) }
func (a *EchoAdapter) Debugf(format string, v ...any) { a.emit(echolog.DEBUG, fmt.Sprintf(format, v...)) }
func (a *EchoAdapter) Debugj(j echolog.JSON)          { a.emit(echolog.DEBUG, "echo", Any("data", j)) }
func (a *EchoAdapter) Info(i ...any)                  { a.emit(echolog.INFO, fmt.Sprint(i...)) }
func (a *EchoAdapter) Infof(format string, v ...any)  { a.emit(echolog.INFO, fmt.Sprintf(format, v...)) }
func (a *EchoAdapter) Infoj(j echolog.JSON)           { a.emit(echolog.INFO, "echo", Any("data", j)) }
func (a *EchoAdapter) Warn(i ...any)                  { a.emit(echolog.WARN, fmt.Sprint(i...)) }
func (a *EchoAdapter) Warnf(format string, v ...any)  { a.emit(echolog.WARN, fmt.Sprintf(format, v...)) }
func (a *EchoAdapter) Warnj(j echolog.JSON)           { a.emit(echolog.WARN, "echo", Any("data", j)) }
func (a *EchoAdapter) Error(i ...any)                 { a.emit(echolog.ERROR, fmt.Sprint(i...)) }
func (a *EchoAdapter) Errorf(format string, v ...any) { a.emit(echolog.ERROR, fmt.Sprintf(format, v...)) }
func (a *EchoAdapter) Errorj(j echolog.JSON)          { a.emit(echolog.ERROR, "echo", Any("data", j)) }

// Fatal and Panic variants log, then panic so the server's Recover middleware or
// shutdown path handles them instead of exiting the process.
func (a *EchoAdapter) Fatal(i ...any) { a.fail(fmt.Sprint(i...)) }
func (a *EchoAdapter) Fatalf(format string, v ...any) {
	a.fail(fmt.Sprintf(format, v...))
}
func (a *EchoAdapter) Fatalj(j echolog.JSON) { a.fail(fmt.Sprintf("%v", j)) }
func (a *EchoAdapter) Panic(i ...any)        { a.fail(fmt.Sprint(i...)) }
func (a *EchoAdapter) Panicf(format string, v ...any) {
	a.fail(fmt.Sprintf(format, v...))
}
func (a *EchoAdapter) Panicj(j echolog.JSON) { a.fail(fmt.Sprintf("%v", j)) }

func (a *EchoAdapter) fail(msg string) {
	a.log.Error(msg)
	panic("echo: " + msg)
}
