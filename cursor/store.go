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

package cursor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/sgotti/gomailbackup/errors"
)

// Filename is the marker name inside a mailbox directory.
const Filename = ".gomailbackup-lastuid"

// Store reads and writes the marker of one mailbox directory. It's the
// only writer of that file.
type Store struct {
	dir  string
	path string
}

func NewStore(dir string) *Store {
	return &Store{
		dir:  dir,
		path: filepath.Join(dir, Filename),
	}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load() (State, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Absent(), nil
	}
	if err != nil {
		return Absent(), errors.Wrap(errors.ErrIO, err)
	}

	// A marker created but never written.
	if len(b) == 0 {
		return Absent(), nil
	}

	c, err := Decode(b)
	if err != nil {
		if fe, ok := err.(*FormatError); ok {
			fe.Path = s.path
		}
		return Absent(), err
	}
	return State{Present: true, Cursor: c}, nil
}

// Save replaces the marker with c. The new content is written to a
// temporary file which is synced and renamed over the marker, so a later
// Load sees either the previous or the new cursor.
func (s *Store) Save(c Cursor) error {
	if err := renameio.WriteFile(s.path, Encode(c), 0600, renameio.WithTempDir(s.dir)); err != nil {
		return errors.Wrap(errors.ErrIO, err)
	}
	if err := syncDir(s.dir); err != nil {
		return errors.Wrap(errors.ErrIO, err)
	}
	return nil
}

// Archive moves the marker aside, suffixed with its UIDVALIDITY, and
// returns the new path. The mailbox is then seen as never synchronized.
// Archiving an absent marker does nothing and returns "".
func (s *Store) Archive() (string, error) {
	state, err := s.Load()
	if err != nil && !errors.Is(err, errors.ErrFormat) {
		return "", err
	}
	if err == nil && !state.Present {
		return "", nil
	}

	suffix := "corrupt"
	if state.Present {
		suffix = fmt.Sprintf("%d", state.UIDValidity)
	}
	archived := s.path + "." + suffix
	if err := os.Rename(s.path, archived); err != nil {
		return "", errors.Wrap(errors.ErrIO, err)
	}
	if err := syncDir(s.dir); err != nil {
		return "", errors.Wrap(errors.ErrIO, err)
	}
	return archived, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
