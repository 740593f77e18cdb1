// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the broker's single structured-logging entry
// point: a swappable *slog.Logger singleton with printf-style and
// key-value convenience wrappers, so every package logs the same way
// without threading a logger through every constructor.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Value // holds *slog.Logger

func init() {
	singleton.Store(newLogger(unstructuredLogs()))
}

// unstructuredLogs reports whether LOG_FORMAT=json was NOT requested.
// Unstructured (human-readable text) logging is the default, matching
// local development ergonomics; production deployments set
// LOG_FORMAT=json for log-aggregator ingestion.
func unstructuredLogs() bool {
	return os.Getenv("LOG_FORMAT") != "json"
}

func newLogger(unstructured bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if os.Getenv("LOG_LEVEL") == "debug" {
		opts.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if unstructured {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Initialize (re)builds the singleton logger from the current
// environment. Call once at process startup.
func Initialize() {
	singleton.Store(newLogger(unstructuredLogs()))
}

// Get returns the current singleton logger.
func Get() *slog.Logger {
	return singleton.Load().(*slog.Logger)
}

// SetForTest overrides the singleton; intended for use from _test.go
// files in other packages that want to assert on log output.
func SetForTest(l *slog.Logger) (restore func()) {
	prev := singleton.Load()
	singleton.Store(l)
	return func() { singleton.Store(prev) }
}

func Debug(args ...any)                 { Get().Debug(fmt.Sprint(args...)) }
func Debugf(format string, args ...any) { Get().Debug(fmt.Sprintf(format, args...)) }
func Debugw(msg string, kv ...any)      { Get().Debug(msg, kv...) }

func Info(args ...any)                 { Get().Info(fmt.Sprint(args...)) }
func Infof(format string, args ...any) { Get().Info(fmt.Sprintf(format, args...)) }
func Infow(msg string, kv ...any)      { Get().Info(msg, kv...) }

func Warn(args ...any)                 { Get().Warn(fmt.Sprint(args...)) }
func Warnf(format string, args ...any) { Get().Warn(fmt.Sprintf(format, args...)) }
func Warnw(msg string, kv ...any)      { Get().Warn(msg, kv...) }

func Error(args ...any)                 { Get().Error(fmt.Sprint(args...)) }
func Errorf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }
func Errorw(msg string, kv ...any)      { Get().Error(msg, kv...) }

// Panic logs at error level then panics with the same message.
func Panic(args ...any) {
	msg := fmt.Sprint(args...)
	Get().Error(msg)
	panic(msg)
}

func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	Get().Error(msg)
	panic(msg)
}

func Panicw(msg string, kv ...any) {
	Get().Error(msg, kv...)
	panic(msg)
}
