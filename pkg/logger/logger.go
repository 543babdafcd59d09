// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger configures the process logger for obo-exchange.
//
// Components take an injected *slog.Logger; this package only decides the
// output format and level once at startup and keeps a process-wide copy for
// the CLI layer. Use [Get] to obtain the logger for injection.
package logger

import (
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// singleton is the process-wide logger created by Initialize.
var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

// Get returns the process-wide logger.
func Get() *slog.Logger {
	return singleton.Load()
}

// Set replaces the process-wide logger. Intended for tests capturing output.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Initialize builds the process logger from the environment and the viper
// "debug" key and installs it as both the singleton and slog's default.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injectable environment reader.
func InitializeWithEnv(envReader env.Reader) {
	l := New(viper.GetBool("debug"), unstructuredLogsWithEnv(envReader))
	singleton.Store(l)
	slog.SetDefault(l)
}

// New returns a logger writing text when unstructured is set and JSON
// otherwise, at debug level when debug is set.
func New(debug, unstructured bool) *slog.Logger {
	var opts []logging.Option
	if unstructured {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if debug {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	return logging.New(opts...)
}

// Infow logs at info level on the process logger.
func Infow(msg string, keysAndValues ...any) {
	Get().Info(msg, keysAndValues...)
}

// Debugw logs at debug level on the process logger.
func Debugw(msg string, keysAndValues ...any) {
	Get().Debug(msg, keysAndValues...)
}

// Errorw logs at error level on the process logger.
func Errorw(msg string, keysAndValues ...any) {
	Get().Error(msg, keysAndValues...)
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// unset or unparsable: default to human readable output
		return true
	}
	return unstructuredLogs
}
