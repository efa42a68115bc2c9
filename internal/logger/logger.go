package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. level accepts zerolog level names and falls
// back to info when empty or unknown; dev forces debug with console output.
func Setup(dev bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if dev {
		lvl = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(lvl).With().Stack().Logger()
	}

	return logger
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
