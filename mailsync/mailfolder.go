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

package mailsync

import (
	"strings"
)

type foldername []string

// Mailfolder is a remote mailbox. Name holds the hierarchy levels of the
// remote name split on Delim.
type Mailfolder struct {
	Name     foldername
	Delim    string
	Excluded bool
}

func NewMailfolder(remotename string, delim string) *Mailfolder {
	name := foldername{remotename}
	if delim != "" {
		name = strings.Split(remotename, delim)
	}
	return &Mailfolder{
		Name:  name,
		Delim: delim,
	}
}

func (f Mailfolder) String() string {
	return strings.Join(f.Name, "/")
}

// RemoteName is the mailbox name as known by the server.
func (f *Mailfolder) RemoteName() string {
	return strings.Join(f.Name, f.Delim)
}

func (f *Mailfolder) IsInbox() bool {
	return len(f.Name) == 1 && strings.EqualFold(f.Name[0], "INBOX")
}

func (f *Mailfolder) Equals(f2 *Mailfolder) bool {

	if len(f.Name) != len(f2.Name) {
		return false
	}

	for i := 0; i < len(f.Name); i++ {
		if f.Name[i] != f2.Name[i] {
			return false
		}
	}

	return true
}

// Message is a fetched message. It lives only for the duration of a pass.
type Message struct {
	UID  uint32
	Body []byte
}

// RemoteClient is a session on the remote server. A session is used by one
// mailbox pass at a time.
type RemoteClient interface {
	ListMailboxes() ([]*Mailfolder, error)
	// Select opens a mailbox read-only and returns its UIDVALIDITY.
	Select(name string) (uidvalidity uint32, err error)
	Search(q Query) ([]uint32, error)
	Fetch(uids []uint32) ([]*Message, error)
	Close() error
}

type LocalStore interface {
	OpenMailbox(folder *Mailfolder) (LocalMailbox, error)
}

// LocalMailbox stores messages of one mailbox. A message is durable once
// Deliver returns.
type LocalMailbox interface {
	Path() string
	Deliver(m *Message) error
}
