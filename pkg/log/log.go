package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger

	printMu  sync.Mutex
	printBuf []Printline
)

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the owning kernel
// component (e.g. "router", "net", "fd-manager").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode creates a child logger tagged with a node id.
func WithNode(node string) zerolog.Logger {
	return Logger.With().Str("node", node).Logger()
}

// WithProcess creates a child logger tagged with a process address.
func WithProcess(address string) zerolog.Logger {
	return Logger.With().Str("process", address).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }

// Printline is one entry in the bounded Printout ring buffer: a
// human-readable debug line a userland process pushed, distinct from
// structured zerolog output. The (out-of-scope) terminal process polls
// this buffer to render a live debug console.
type Printline struct {
	At      time.Time
	Level   Level
	Process string
	Message string
}

const printBufCap = 1024

// Printout both logs msg structurally under "process" and appends it to
// the bounded ring buffer, matching the leveled Printout side channel
// described in the original kernel's terminal utilities.
func Printout(level Level, process, msg string) {
	WithProcess(process).WithLevel(zerologLevel(level)).Msg(msg)

	printMu.Lock()
	defer printMu.Unlock()
	printBuf = append(printBuf, Printline{At: time.Now(), Level: level, Process: process, Message: msg})
	if len(printBuf) > printBufCap {
		printBuf = printBuf[len(printBuf)-printBufCap:]
	}
}

// RecentPrintouts returns a snapshot of the last n Printout entries (or all
// of them if fewer than n have been recorded).
func RecentPrintouts(n int) []Printline {
	printMu.Lock()
	defer printMu.Unlock()
	if n <= 0 || n > len(printBuf) {
		n = len(printBuf)
	}
	out := make([]Printline, n)
	copy(out, printBuf[len(printBuf)-n:])
	return out
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
