/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

// Package logging holds the process-wide logger. Each package logs through a child named
// after it, so entries can be told apart by component.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// root stays a no-op until Init runs, which keeps library use and tests silent.
var root = zap.NewNop()

// Init builds the process logger. Mode "development" logs at debug level to the console,
// anything else logs JSON at info level.
func Init(mode string) error {
	cfg := zap.NewProductionConfig()
	if mode == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("building %s logger: %w", mode, err)
	}
	root = l
	return nil
}

// Logger is the unnamed process logger.
func Logger() *zap.SugaredLogger {
	return root.Sugar()
}

// Named is the logger of one component, e.g. "finder".
func Named(component string) *zap.SugaredLogger {
	return root.Named(component).Sugar()
}

// Sync flushes buffered entries. Errors from syncing stderr on some platforms are ignored.
func Sync() {
	_ = root.Sync()
}
