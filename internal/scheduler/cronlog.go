package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger adapts zerolog to cron.Logger. Cron's info messages are
// per-tick noise and go to debug.
type cronLogger struct {
	log zerolog.Logger
}

// NewCronLogger returns a cron.Logger writing to log.
func NewCronLogger(log zerolog.Logger) cron.Logger {
	return cronLogger{log: log.With().Str("component", "cron").Logger()}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
