// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package cacheerr defines the typed errors surfaced across the
// package boundary of the remote-filesystem cache. Every result
// returned to a caller of fsbridge, loader, or registry is either
// bytes or one of the kinds below; none of these types are expected
// to leak partially-read data.
package cacheerr

import (
	"errors"
	"fmt"
)

// Kind identifies the broad category of a cache error. It exists so
// that callers (in particular the scanner layer) can switch on the
// failure class without string-matching error text.
type Kind int

const (
	_ Kind = iota
	// KindConfig: cache root missing/unwritable, or an unknown
	// filesystem type was requested.
	KindConfig
	// KindNotReachable: the remote filesystem could not be dialed
	// after exhausting the bridge's retry budget.
	KindNotReachable
	// KindTimeout: an upstream operation exceeded its deadline.
	KindTimeout
	// KindRemoteIO: the upstream filesystem returned an I/O failure.
	KindRemoteIO
	// KindCapacityExceeded: admission failed and the caller opted
	// out of over-commit.
	KindCapacityExceeded
	// KindInvalidHandle: an operation was attempted on a closed or
	// released handle.
	KindInvalidHandle
	// KindCancelled: the caller asked to abort a wait.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindNotReachable:
		return "NotReachable"
	case KindTimeout:
		return "Timeout"
	case KindRemoteIO:
		return "RemoteIOError"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindInvalidHandle:
		return "InvalidHandle"
	case KindCancelled:
		return "CancellationRequested"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned for every Kind above.
// It wraps an optional underlying cause so errors.Is/errors.As chains
// through to whatever the bridge or adapter originally produced.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "getFileStatus", "open"
	Path string // remote or local path involved, if any
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Path == "" {
		if e.Err == nil {
			return fmt.Sprintf("%s: %s", e.Op, e.Kind)
		}
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so
// callers can write errors.Is(err, cacheerr.Timeout) style checks
// against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Path == ""
}

// New builds an *Error of the given kind.
func New(kind Kind, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// Sentinels usable with errors.Is(err, cacheerr.Timeout) etc.; these
// carry no Op/Path so Error.Is matches on Kind alone.
var (
	ConfigErr          = &Error{Kind: KindConfig}
	NotReachable       = &Error{Kind: KindNotReachable}
	Timeout            = &Error{Kind: KindTimeout}
	RemoteIOError      = &Error{Kind: KindRemoteIO}
	CapacityExceeded   = &Error{Kind: KindCapacityExceeded}
	InvalidHandle      = &Error{Kind: KindInvalidHandle}
	CancellationDemand = &Error{Kind: KindCancelled}
)

// KindOf extracts the Kind of err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
