// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import "errors"

var (
	// ErrNilDB is returned when a store is created without a database
	// handle.
	ErrNilDB = errors.New("nil database")
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates a failure of the underlying database.
	ErrDatabase ErrorCode = iota

	// ErrCorruptRecord indicates a stored record that no longer decodes.
	ErrCorruptRecord

	// ErrMigration indicates a failed schema migration.
	ErrMigration
)

// String returns the name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrDatabase:
		return "ErrDatabase"

	case ErrCorruptRecord:
		return "ErrCorruptRecord"

	case ErrMigration:
		return "ErrMigration"

	default:
		return "ErrUnknown"
	}
}

// Error identifies a store error. It has an error code and a descriptive
// message.
type Error struct {
	Code ErrorCode
	Desc string
	Err  error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}

	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// newError creates an Error given a set of arguments.
func newError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// IsError reports whether err is an Error with the given code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Code == code
}
