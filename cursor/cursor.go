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

// Package cursor persists how far a mailbox has been synchronized.
//
// A cursor is the pair (UIDVALIDITY, last stored UID). It lives in a marker
// file inside the mailbox directory, encoded on exactly Size bytes: the
// UIDVALIDITY then the UID, both little-endian uint32. A missing or empty
// marker means the mailbox was never synchronized.
package cursor

import (
	"encoding/binary"
	"fmt"

	"github.com/sgotti/gomailbackup/errors"
)

// Size is the length of an encoded cursor.
const Size = 8

type Cursor struct {
	UIDValidity uint32
	// Every message with UID <= LastUID has been stored.
	LastUID uint32
}

func (c Cursor) String() string {
	return fmt.Sprintf("uidvalidity: %d, lastuid: %d", c.UIDValidity, c.LastUID)
}

// State is the result of loading a marker. The zero value is the absent
// state.
type State struct {
	Present bool
	Cursor
}

func Absent() State {
	return State{}
}

func Present(uidvalidity, lastuid uint32) State {
	return State{Present: true, Cursor: Cursor{UIDValidity: uidvalidity, LastUID: lastuid}}
}

func (s State) String() string {
	if !s.Present {
		return "absent"
	}
	return s.Cursor.String()
}

// FormatError reports a marker that doesn't have the expected size.
type FormatError struct {
	Path string
	Len  int
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("wrong cursor size: expected %d bytes, got %d", Size, e.Len)
	}
	return fmt.Sprintf("%s: wrong cursor size: expected %d bytes, got %d", e.Path, Size, e.Len)
}

// Is makes errors.Is(err, errors.ErrFormat) true for a FormatError.
func (e *FormatError) Is(target error) bool {
	return target == errors.ErrFormat
}

func Encode(c Cursor) []byte {
	b := make([]byte, Size)
	binary.LittleEndian.PutUint32(b[0:4], c.UIDValidity)
	binary.LittleEndian.PutUint32(b[4:8], c.LastUID)
	return b
}

func Decode(b []byte) (Cursor, error) {
	if len(b) != Size {
		return Cursor{}, &FormatError{Len: len(b)}
	}
	return Cursor{
		UIDValidity: binary.LittleEndian.Uint32(b[0:4]),
		LastUID:     binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}
