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
	"os"
	"sort"
	"strings"

	"github.com/sgotti/gomailbackup/errors"
)

// FolderToStorePath joins the hierarchy levels of folder with separator.
// Inside a level '%', '/', the separator and a leading '.' are percent
// encoded so distinct remote names never share a local path and no level
// can step out of the store root. Empty, "." and ".." levels are refused.
func FolderToStorePath(folder *Mailfolder, separator rune) (string, error) {
	levels := make([]string, 0, len(folder.Name))
	for _, level := range folder.Name {
		if level == "" || level == "." || level == ".." {
			return "", errors.Wrap(errors.ErrProtocol, fmt.Errorf("invalid hierarchy level %q in mailbox name %q", level, folder.RemoteName()))
		}
		levels = append(levels, escapeLevel(level, separator))
	}
	return strings.Join(levels, string(separator)), nil
}

func escapeLevel(level string, separator rune) string {
	var b strings.Builder
	for i, r := range level {
		if r == '%' || r == '/' || r == separator || (i == 0 && r == '.') {
			fmt.Fprintf(&b, "%%%02X", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type Uint32Slice []uint32

func (p Uint32Slice) Len() int           { return len(p) }
func (p Uint32Slice) Less(i, j int) bool { return p[i] < p[j] }
func (p Uint32Slice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

type messageSlice []*Message

func (s messageSlice) Len() int           { return len(s) }
func (s messageSlice) Less(i, j int) bool { return s[i].UID < s[j].UID }
func (s messageSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// uidsAbove returns the sorted, deduplicated uids greater than last.
func uidsAbove(uids []uint32, last uint32, all bool) []uint32 {
	out := make([]uint32, 0, len(uids))
	seen := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		if (!all && uid <= last) || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	sort.Sort(Uint32Slice(out))
	return out
}

// messagesAbove is uidsAbove for fetched messages.
func messagesAbove(messages []*Message, last uint32, all bool) []*Message {
	out := make([]*Message, 0, len(messages))
	seen := make(map[uint32]bool, len(messages))
	for _, m := range messages {
		if (!all && m.UID <= last) || seen[m.UID] {
			continue
		}
		seen[m.UID] = true
		out = append(out, m)
	}
	sort.Sort(messageSlice(out))
	return out
}

func syncDir(name string) error {
	d, err := os.Open(name)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
