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
	"fmt"

	"github.com/sgotti/gomailbackup/cursor"
)

// MaxUID is the largest UID a server can assign.
const MaxUID = 4294967295

// Query describes which messages a pass asks the server for: every message
// when All is set, otherwise the UID range From:MaxUID.
type Query struct {
	All  bool
	From uint32
}

// Resolve computes the query for the given cursor state. From wraps to 0
// when the cursor is already at MaxUID: no newer message can exist.
func Resolve(state cursor.State) Query {
	if !state.Present {
		return Query{All: true}
	}
	return Query{From: state.LastUID + 1}
}

// Empty reports whether the query can't match any message.
func (q Query) Empty() bool {
	return !q.All && q.From == 0
}

// Fields returns the UID SEARCH criteria for q.
func (q Query) Fields() []string {
	if q.All {
		return []string{"ALL"}
	}
	return []string{"UID", fmt.Sprintf("%d:%d", q.From, uint32(MaxUID))}
}

func (q Query) String() string {
	if q.Empty() {
		return "none"
	}
	if q.All {
		return "ALL"
	}
	return fmt.Sprintf("UID %d:%d", q.From, uint32(MaxUID))
}
