package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the package logger. Production emits JSON, everything else a console writer.
func Init(env string, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if env == "production" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// SetLevel changes the global level at runtime.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func withFields(e *zerolog.Event, keyValues []any) *zerolog.Event {
	for i := 0; i < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			key = fmt.Sprint(keyValues[i])
		}
		if i+1 >= len(keyValues) {
			e = e.Str(key, "MISSING")
			break
		}
		e = e.Interface(key, keyValues[i+1])
	}
	return e
}

func Debug(msg string, keyValues ...any) {
	withFields(log.Debug(), keyValues).Msg(msg)
}

func Info(msg string, keyValues ...any) {
	withFields(log.Info(), keyValues).Msg(msg)
}

func Infof(format string, args ...any) {
	log.Info().Msgf(format, args...)
}

func Warn(msg string, keyValues ...any) {
	withFields(log.Warn(), keyValues).Msg(msg)
}

func Error(msg string, err error, keyValues ...any) {
	withFields(log.Error().Err(err), keyValues).Msg(msg)
}

// Fatal logs and exits the process.
func Fatal(msg string, err error, keyValues ...any) {
	withFields(log.Fatal().Err(err), keyValues).Msg(msg)
}
