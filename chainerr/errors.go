// Copyright 2024 The corechain Authors
// This file is part of corechain.
//
// corechain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// corechain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with corechain. If not, see <http://www.gnu.org/licenses/>.

// Package chainerr implements the four-way error taxonomy of spec §7:
// user errors, block/chain errors, recoverable I/O (corruption) errors and
// fatal errors. Category dictates propagation: only Corruption and Fatal
// ever close a DB handle.
package chainerr

import (
	"errors"
	"fmt"
)

// Category classifies an error for propagation purposes.
type Category int

const (
	// User covers invalid caller arguments. Returned as values; never
	// closes the DB.
	User Category = iota
	// Chain covers block/chain rejection outcomes reported via trace
	// events and promise resolution; never escalates.
	Chain
	// Corruption covers recoverable I/O errors on known-present data.
	// Fatal to the DB handle; requires restart with full validation.
	Corruption
	// Fatal covers unrecoverable conditions: closed handle, disk I/O
	// failure, DB marker mismatch. Closed immediately.
	Fatal
)

func (c Category) String() string {
	switch c {
	case User:
		return "user"
	case Chain:
		return "chain"
	case Corruption:
		return "corruption"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a category-tagged, wrapped error carrying a stable reason code
// so callers can switch on Reason without string-matching messages.
type Error struct {
	Category Category
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is comparisons against a reason-only sentinel
// constructed with the same Category and Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Category == e.Category && t.Reason == e.Reason
}

func newErr(cat Category, reason string, err error) *Error {
	return &Error{Category: cat, Reason: reason, Err: err}
}

// Sentinel user errors.
var (
	ErrInvalidIteratorRange = newErr(User, "InvalidIteratorRange", nil)
	ErrUnknownRangeRequested = newErr(User, "UnknownRangeRequested", nil)
)

// Sentinel chain/block errors.
var (
	ErrBlockOlderThanK  = newErr(Chain, "IgnoreBlockOlderThanK", nil)
	ErrBlockInFuture    = newErr(Chain, "InFutureExceedsClockSkew", nil)
	ErrInvalidBlock     = newErr(Chain, "IgnoreInvalidBlock", nil)
	ErrAlreadyInVolDB   = newErr(Chain, "IgnoreBlockAlreadyInVolDB", nil)
	ErrPointTooOld      = newErr(Chain, "PointTooOld", nil)
	ErrMissingBlock     = newErr(Chain, "MissingBlock", nil)
	ErrEmptyRange       = newErr(Chain, "EmptyRange", nil)
	ErrForkTooOld       = newErr(Chain, "ForkTooOld", nil)
	ErrChainNoIntersect = newErr(Chain, "ChainNoIntersection", nil)
	ErrBytesInFlight    = newErr(Chain, "BytesInFlightLimit", nil)
	ErrBlockGCed        = newErr(Chain, "BlockGCedFromVolDB", nil)
)

// Sentinel corruption (category 3) errors.
var (
	ErrMissingFileOnDisk      = newErr(Corruption, "MissingFileOnDisk", nil)
	ErrChecksumMismatch       = newErr(Corruption, "ChecksumMismatch", nil)
	ErrDeserializationFailure = newErr(Corruption, "DeserializationFailure", nil)
	ErrDatabaseCorruption     = newErr(Corruption, "DatabaseCorruption", nil)
)

// Sentinel fatal (category 4) errors.
var (
	ErrClosedDB        = newErr(Fatal, "ClosedDBError", nil)
	ErrUnexpectedIO     = newErr(Fatal, "UnexpectedIOError", nil)
	ErrDbMarkerMismatch = newErr(Fatal, "DbMarkerMismatch", nil)
	ErrDatabaseLocked   = newErr(Fatal, "DatabaseLocked", nil)
)

// Wrap attaches cause to a copy of sentinel, preserving category/reason.
func Wrap(sentinel *Error, cause error) *Error {
	return newErr(sentinel.Category, sentinel.Reason, cause)
}

// Wrapf is Wrap with a formatted cause.
func Wrapf(sentinel *Error, format string, args ...any) *Error {
	return Wrap(sentinel, fmt.Errorf(format, args...))
}

// IsCategory reports whether err (or something it wraps) is a chainerr.Error
// of the given category.
func IsCategory(err error, cat Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == cat
	}
	return false
}

// IsFatalToDB reports whether err should close the owning DB handle (categories
// Corruption and Fatal per spec §7's propagation policy).
func IsFatalToDB(err error) bool {
	return IsCategory(err, Corruption) || IsCategory(err, Fatal)
}
