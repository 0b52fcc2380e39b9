// Package logging sets up the leveled logrus logger every core component
// logs through.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/edlflash/qdl/internal/config"
)

// New builds a *logrus.Logger configured for level. "silent" discards all
// output; the other four levels map directly onto logrus's levels.
func New(level config.LogLevel) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if level == config.LogSilent {
		log.SetOutput(io.Discard)
		log.SetLevel(logrus.PanicLevel)
		return log
	}

	log.SetLevel(toLogrusLevel(level))
	return log
}

func toLogrusLevel(level config.LogLevel) logrus.Level {
	switch level {
	case config.LogError:
		return logrus.ErrorLevel
	case config.LogWarn:
		return logrus.WarnLevel
	case config.LogDebug:
		return logrus.DebugLevel
	case config.LogInfo:
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}
