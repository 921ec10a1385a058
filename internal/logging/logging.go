// Copyright 2021 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package logging provides the structured logger used by every backend and
// by the queue. It wraps logrus with a level enum and field-structured
// entries, collapsed into one self-contained package since there is no CLI
// here to configure it from.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Level is a logging severity.
type Level int

const (
	Error Level = iota
	Warn
	Info
	Debug
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Error:
		return logrus.ErrorLevel
	case Warn:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	case Debug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel maps a case-insensitive level name to a Level, defaulting to
// Info for the empty string.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "", "info":
		return Info, true
	case "debug":
		return Debug, true
	case "warn":
		return Warn, true
	case "error":
		return Error, true
	default:
		return Info, false
	}
}

// Fields attaches structured key/value context to a log entry.
type Fields map[string]interface{}

// Logger is the structured logger interface every package in this module
// depends on.
type Logger interface {
	Debug(fmt string, args ...interface{})
	Info(fmt string, args ...interface{})
	Warn(fmt string, args ...interface{})
	Error(fmt string, args ...interface{})
	WithFields(Fields) Logger
	SetLevel(Level)
	GetLevel() Level
}

// StandardLogger is the default, logrus-backed Logger implementation.
type StandardLogger struct {
	entry *logrus.Entry
}

// New returns a StandardLogger at Info level, formatted as JSON.
func New() *StandardLogger {
	l := logrus.New()
	l.SetLevel(Info.logrusLevel())
	l.SetFormatter(&logrus.JSONFormatter{})
	return &StandardLogger{entry: logrus.NewEntry(l)}
}

func (l *StandardLogger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *StandardLogger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *StandardLogger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *StandardLogger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *StandardLogger) WithFields(fields Fields) Logger {
	return &StandardLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *StandardLogger) SetLevel(level Level) {
	l.entry.Logger.SetLevel(level.logrusLevel())
}

func (l *StandardLogger) GetLevel() Level {
	switch l.entry.Logger.GetLevel() {
	case logrus.DebugLevel:
		return Debug
	case logrus.WarnLevel:
		return Warn
	case logrus.ErrorLevel:
		return Error
	default:
		return Info
	}
}

// NoOpLogger discards everything. Used by tests and by callers that have not
// configured a logger.
type NoOpLogger struct{}

// NewNoOp returns a Logger that discards all output.
func NewNoOp() *NoOpLogger { return &NoOpLogger{} }

func (*NoOpLogger) Debug(string, ...interface{})  {}
func (*NoOpLogger) Info(string, ...interface{})   {}
func (*NoOpLogger) Warn(string, ...interface{})   {}
func (*NoOpLogger) Error(string, ...interface{})  {}
func (n *NoOpLogger) WithFields(Fields) Logger     { return n }
func (*NoOpLogger) SetLevel(Level)                 {}
func (*NoOpLogger) GetLevel() Level                { return Info }
