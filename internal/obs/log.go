package obs

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// Logger returns the shared structured logger used across the service.
// Level comes from KEYGATE_LOG_LEVEL (debug|info|warn|error), default info.
func Logger() zerolog.Logger {
	loggerOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		level := zerolog.InfoLevel
		switch strings.ToLower(os.Getenv("KEYGATE_LOG_LEVEL")) {
		case "debug":
			level = zerolog.DebugLevel
		case "warn":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		}
		logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	})
	return logger
}
