// Package logger configures the process-wide logger. Components obtain a
// named logr.Logger backed by zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = newLogger(os.Stderr, "info")
)

func init() {
	zerologr.NameFieldName = "component"
	zerologr.NameSeparator = "/"
}

// Init replaces the root logger. level is one of trace, debug, info, warn,
// error; unknown values fall back to info.
func Init(level string) {
	InitWithWriter(os.Stderr, level)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(w io.Writer, level string) {
	l := newLogger(w, level)
	mu.Lock()
	root = l
	mu.Unlock()
}

// GetLogger returns the root logger.
func GetLogger() logr.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func newLogger(w io.Writer, level string) logr.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	// logr V(1) maps to debug, V(2) to trace.
	switch lvl {
	case zerolog.TraceLevel:
		zerologr.SetMaxV(2)
	case zerolog.DebugLevel:
		zerologr.SetMaxV(1)
	default:
		zerologr.SetMaxV(0)
	}

	out := w
	if f, ok := w.(*os.File); ok && (f == os.Stderr || f == os.Stdout) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return zerologr.New(&zl)
}
