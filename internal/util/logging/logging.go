/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides the logging setup of the vmconform binary.
// It uses log/slog as the standard library logger and bridges to logr, through
// controller-runtime's zap integration, for the components that take a logr.Logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// EnvLevel overrides the configured log level.
const EnvLevel = "VMCONFORM_LOG_LEVEL"

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (more verbose, human-readable).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output receives the logs. Defaults to os.Stderr so that stdout only carries
	// reports.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// ParseLevel accepts debug, info, warn (or warning) and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// LevelFromEnv returns the level set in EnvLevel, or def when it is unset or invalid.
func LevelFromEnv(def slog.Level) slog.Level {
	v, ok := os.LookupEnv(EnvLevel)
	if !ok {
		return def
	}
	level, err := ParseLevel(v)
	if err != nil {
		return def
	}
	return level
}

// zapLevel maps slog levels onto zap levels, where logr's V(1) is debug.
func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zapcore.DebugLevel
	case l <= slog.LevelInfo:
		return zapcore.InfoLevel
	case l <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// Setup configures both the standard library slog logger and the logr logger.
// This must be called early in main() before using any logging.
//
// It:
//  1. Sets up a slog JSON (or text, in development) handler as the default logger
//  2. Builds a zap-backed logr.Logger at the same level and registers it with controller-runtime
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: opts.Level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: opts.Level})
	}
	slog.SetDefault(slog.New(handler))

	zapOpts := zap.Options{
		Development: opts.Development,
		DestWriter:  out,
		Level:       zapLevel(opts.Level),
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts))
	ctrl.SetLogger(logger)

	return logger
}

// SetupDefault sets up logging with default options.
func SetupDefault() logr.Logger {
	return Setup(DefaultOptions())
}
