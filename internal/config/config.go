// Package config holds the Firehose session configuration and CLI-level
// settings for a single qdl invocation. None of it is persisted to disk:
// the device's storage is the only durable state this driver touches.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/edlflash/qdl/internal/errs"
)

// Firehose is the process-wide Firehose configuration block from spec.md
// §3, sent to the device via the <configure/> command.
type Firehose struct {
	ZLPAwareHost                  bool
	SkipStorageInit               bool
	SkipWrite                     bool
	MaxPayloadSizeToTargetInBytes int
	MaxXMLSizeInBytes             int
	SectorSizeInBytes             int
	MemoryName                    string
	MaxLUN                        int
	FastErase                     bool
}

// DefaultFirehose returns the configuration block's documented defaults.
func DefaultFirehose() Firehose {
	return Firehose{
		ZLPAwareHost:                  true,
		SkipStorageInit:               false,
		SkipWrite:                     false,
		MaxPayloadSizeToTargetInBytes: 1048576,
		MaxXMLSizeInBytes:             4096,
		SectorSizeInBytes:             4096,
		MemoryName:                    "UFS",
		MaxLUN:                        6,
		FastErase:                     true,
	}
}

// Validate checks the invariant that MaxPayloadSizeToTargetInBytes must be
// a multiple of the sector size.
func (f Firehose) Validate() error {
	if f.SectorSizeInBytes <= 0 {
		return &errs.ValidationError{Field: "SectorSizeInBytes", Detail: "must be positive"}
	}
	if f.MaxPayloadSizeToTargetInBytes%f.SectorSizeInBytes != 0 {
		return &errs.ValidationError{
			Field:  "MaxPayloadSizeToTargetInBytes",
			Detail: fmt.Sprintf("%d is not a multiple of sector size %d", f.MaxPayloadSizeToTargetInBytes, f.SectorSizeInBytes),
		}
	}
	return nil
}

// LogLevel is one of the five levels the CLI surface names in spec.md §6.
type LogLevel string

const (
	LogSilent LogLevel = "silent"
	LogError  LogLevel = "error"
	LogWarn   LogLevel = "warn"
	LogInfo   LogLevel = "info"
	LogDebug  LogLevel = "debug"
)

// ParseLogLevel validates s against the five named levels.
func ParseLogLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(s)) {
	case LogSilent, LogError, LogWarn, LogInfo, LogDebug:
		return LogLevel(strings.ToLower(s)), nil
	default:
		return "", &errs.ValidationError{Field: "log-level", Detail: fmt.Sprintf("unrecognized level %q", s)}
	}
}

// Config is the full resolved configuration for one qdl invocation.
type Config struct {
	Firehose Firehose

	LogLevel LogLevel

	// ProgrammerSource is either a local filesystem path or an http(s)://
	// URL to the signed Firehose programmer binary.
	ProgrammerSource string
}

// envLogLevelVar is the environment variable honored when --log-level is
// not passed explicitly.
const envLogLevelVar = "QDL_LOG_LEVEL"

// Default returns a Config with Firehose defaults, log level "info" unless
// overridden by QDL_LOG_LEVEL, and no programmer source set.
func Default() Config {
	level := LogInfo
	if env := os.Getenv(envLogLevelVar); env != "" {
		if parsed, err := ParseLogLevel(env); err == nil {
			level = parsed
		}
	}
	return Config{
		Firehose: DefaultFirehose(),
		LogLevel: level,
	}
}
