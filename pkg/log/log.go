// Copyright 2025 The osmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides leveled logging for the memory core.
//
// It is a thin facade over logrus so that library packages share one
// logger and one level policy without each importing the backend
// directly.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Level is a log level.
type Level uint32

// The set of levels, most severe first.
const (
	Warning Level = iota
	Info
	Debug
)

// Logger is the interface the memory core logs through.
type Logger interface {
	// Debugf logs a debug message.
	Debugf(format string, v ...any)

	// Infof logs an informational message.
	Infof(format string, v ...any)

	// Warningf logs a warning message.
	Warningf(format string, v ...any)

	// IsLogging returns whether the given level would be logged.
	IsLogging(level Level) bool
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Debugf(format string, v ...any)   { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Infof(format string, v ...any)    { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warningf(format string, v ...any) { l.entry.Warningf(format, v...) }

func (l *logrusLogger) IsLogging(level Level) bool {
	switch level {
	case Debug:
		return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
	case Info:
		return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
	default:
		return l.entry.Logger.IsLevelEnabled(logrus.WarnLevel)
	}
}

var global = &logrusLogger{entry: logrus.NewEntry(logrus.StandardLogger())}

// Log returns the global logger.
func Log() Logger {
	return global
}

// SetLevel sets the level of the global logger.
func SetLevel(level Level) {
	switch level {
	case Debug:
		global.entry.Logger.SetLevel(logrus.DebugLevel)
	case Info:
		global.entry.Logger.SetLevel(logrus.InfoLevel)
	default:
		global.entry.Logger.SetLevel(logrus.WarnLevel)
	}
}

// Debugf logs a debug message to the global logger.
func Debugf(format string, v ...any) {
	global.Debugf(format, v...)
}

// Infof logs an informational message to the global logger.
func Infof(format string, v ...any) {
	global.Infof(format, v...)
}

// Warningf logs a warning message to the global logger.
func Warningf(format string, v ...any) {
	global.Warningf(format, v...)
}

// limitedLogger drops messages beyond its rate. IsLogging comes from
// the embedded Logger so level checks are unaffected by the limit.
type limitedLogger struct {
	Logger
	limit *rate.Limiter
}

func (l *limitedLogger) Debugf(format string, v ...any) {
	if l.limit.Allow() {
		l.Logger.Debugf(format, v...)
	}
}

func (l *limitedLogger) Infof(format string, v ...any) {
	if l.limit.Allow() {
		l.Logger.Infof(format, v...)
	}
}

func (l *limitedLogger) Warningf(format string, v ...any) {
	if l.limit.Allow() {
		l.Logger.Warningf(format, v...)
	}
}

// Limited returns a view of the global logger that emits at most one
// message per interval. It suits warnings that can fire on every
// operation of a hot path, like repeated write-back failures.
func Limited(every time.Duration) Logger {
	return &limitedLogger{
		Logger: global,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
