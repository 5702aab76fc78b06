// GOMailBackup
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

// Package errors prefixes errors with the component that produced them and
// defines the failure classes of a sync run.
package errors

import (
	goerrors "errors"
	"fmt"

	"github.com/satori/go.uuid"
)

// Failure classes. Use Is to test for them through any prefixing.
var (
	// ErrConnection: the server is unreachable or refused authentication.
	// Fatal for the whole account run.
	ErrConnection = goerrors.New("connection error")
	// ErrProtocol: select failed or the mailbox has no UIDVALIDITY.
	ErrProtocol = goerrors.New("protocol error")
	// ErrValidityMismatch: the stored UIDVALIDITY differs from the server one.
	ErrValidityMismatch = goerrors.New("uidvalidity mismatch")
	// ErrFormat: the sync marker file is malformed.
	ErrFormat = goerrors.New("format error")
	// ErrIO: writing a message or the sync marker failed.
	ErrIO = goerrors.New("io error")
)

// Wrap marks err as belonging to the failure class kind.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if goerrors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func Is(err, target error) bool {
	return goerrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}

type Error struct {
	prefix string
	uuid   uuid.UUID
}

type errorError struct {
	prefix string
	err    error
	uuid   uuid.UUID
}

func New(prefix string) *Error {
	return &Error{prefix, uuid.NewV1()}
}

// E prefixes err. An error already prefixed by the same Error is
// re-wrapped only once.
func (e *Error) E(err error) error {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*errorError); ok {
		if ee.uuid == e.uuid {
			return &errorError{e.prefix, ee.err, e.uuid}
		}
	}
	return &errorError{e.prefix, err, e.uuid}
}

func (e *errorError) Error() string {
	return fmt.Sprintf("[%s] %s", e.prefix, e.err.Error())
}

func (e *errorError) Unwrap() error {
	return e.err
}
