/*
Copyright 2025 The Kubernetes Authors.

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

package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log verbosity levels, used with logger.V(...).
const (
	// DEFAULT is used for logs that should be seen in normal operation.
	DEFAULT = 1
	// VERBOSE is used for logs that are useful when investigating behavior.
	VERBOSE = 2
	// DEBUG is used for logs useful when debugging specific components.
	DEBUG = 4
	// TRACE is used for very high-frequency, per-item logs.
	TRACE = 5
)

// atomicLevel is shared so the log level can be adjusted after construction
// (e.g., on config reload).
var atomicLevel = uberzap.NewAtomicLevelAt(zapcore.InfoLevel)

// NewLogger creates the production logger. logr verbosity maps onto negative
// zap levels: V(n) logs are enabled once SetLevel(n) has been called.
func NewLogger() logr.Logger {
	cfg := uberzap.NewProductionConfig()
	cfg.Level = atomicLevel
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		panic(err) // zap only fails on invalid config, which is static here.
	}
	return zapr.NewLogger(zl)
}

// SetLevel adjusts the verbosity of all loggers created by NewLogger.
// A level of n enables logger.V(v) for all v <= n.
func SetLevel(level int) {
	atomicLevel.SetLevel(zapcore.Level(-1 * level))
}

// NewTestLogger creates a new zap logger using the dev mode with TRACE
// verbosity enabled.
func NewTestLogger() logr.Logger {
	cfg := uberzap.NewDevelopmentConfig()
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(-1 * TRACE))
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl)
}

// NewTestLoggerIntoContext creates a new dev-mode logger and inserts it into
// the given context.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return logr.NewContext(ctx, NewTestLogger())
}

// FromContext retrieves the logger stored in the context, or a discarding
// logger if none is present.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}
