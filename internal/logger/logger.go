// Package logger configures the process-wide zerolog logger from LOG_LEVEL, LOG_FORMAT and LOG_CALLER.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Logger is the root logger; components derive children with With().Str("component", ...).
var Logger zerolog.Logger = zerolog.Nop()

// Init initializes Logger writing to stdout.
func Init() zerolog.Logger {
	return InitWithWriter(os.Stdout)
}

// InitWithWriter initializes Logger writing to w. LOG_FORMAT=json emits JSON lines; anything else uses the console writer.
func InitWithWriter(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if strings.TrimSpace(os.Getenv("LOG_FORMAT")) == "json" {
		base = zerolog.New(w)
	} else {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		if strings.TrimSpace(os.Getenv("LOG_COLOR")) == "0" {
			cw.NoColor = true
		}
		base = zerolog.New(cw)
	}

	l := base.With().Timestamp().Logger().Level(level)
	if strings.TrimSpace(os.Getenv("LOG_CALLER")) == "1" {
		l = l.With().Caller().Logger()
	}

	Logger = l
	zlog.Logger = l
	return l
}

// Component returns a child of Logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
