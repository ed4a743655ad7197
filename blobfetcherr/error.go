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

// Package blobfetcherr classifies the failure modes of a transfer so
// callers can branch on what went wrong without string matching, while
// still carrying a human-readable context chain (operation, hash, path).
package blobfetcherr

import (
	"errors"
	"fmt"
)

// Kind is the semantic error taxonomy from the transfer spec. It is not a
// type hierarchy, just a classification tag.
type Kind int

const (
	// KindVerification is a BLAKE3 hash mismatch. Fatal, no retry within
	// the offending transfer.
	KindVerification Kind = iota + 1
	// KindProtocol is malformed wire data or an impossible state transition.
	KindProtocol
	// KindTransport is an underlying stream error or unexpected close.
	KindTransport
	// KindResource is a filesystem error (create, write, rename, fsync).
	KindResource
	// KindValidation is a ticket/collection decode failure caught before
	// any network I/O.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindVerification:
		return "verification"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindResource:
		return "resource"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries. Op
// names the failing operation, Hash and Path are optional diagnostic
// context, and Err is the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Hash string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Hash != "" {
		msg += fmt.Sprintf(" hash=%s", e.Hash)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" path=%s", e.Path)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given classification and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithHash attaches a hash string to the error for diagnostics.
func (e *Error) WithHash(hash string) *Error {
	e.Hash = hash
	return e
}

// WithPath attaches a filesystem path to the error for diagnostics.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
