// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package obslog wraps zap with the context-chain convention the driver
// needs: every log line that touches a transfer carries its operation
// name, and usually a hash and/or path, as structured fields rather than
// as a formatted string.
package obslog

import (
	"errors"

	"go.uber.org/zap"

	"github.com/flowmesh/blobfetch/blobfetcherr"
)

// Logger wraps a *zap.Logger with transfer-context helpers.
type Logger struct {
	z *zap.Logger
}

// New builds a production-configured Logger.
func New() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// With returns a child logger carrying the given operation, hash, and
// path as structured fields. Either of hash/path may be empty and is
// then omitted.
func (l *Logger) With(op, hash, path string) *Logger {
	fields := make([]zap.Field, 0, 3)
	fields = append(fields, zap.String("op", op))
	if hash != "" {
		fields = append(fields, zap.String("hash", hash))
	}
	if path != "" {
		fields = append(fields, zap.String("path", path))
	}
	return &Logger{z: l.z.With(fields...)}
}

// Error logs err at error level, additionally attaching the
// blobfetcherr taxonomy kind when err carries one.
func (l *Logger) Error(msg string, err error) {
	fields := []zap.Field{zap.Error(err)}
	var fe *blobfetcherr.Error
	if errors.As(err, &fe) {
		fields = append(fields, zap.String("kind", fe.Kind.String()))
	}
	l.z.Error(msg, fields...)
}

// Info logs msg at info level with no extra fields beyond the chain
// built up by With.
func (l *Logger) Info(msg string) { l.z.Info(msg) }

// Debug logs msg at debug level.
func (l *Logger) Debug(msg string) { l.z.Debug(msg) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }
