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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgotti/gomailbackup/config"
)

func openTestHistory(t *testing.T) *History {
	globalconfig := &config.Config{
		Metadatadir: filepath.Join(t.TempDir(), "metadatadir"),
		LogLevel:    "debug",
	}
	h, err := OpenHistory(globalconfig)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryRecord(t *testing.T) {
	h := openTestHistory(t)

	ri, err := h.LastRun("account1", "INBOX")
	require.NoError(t, err)
	assert.Nil(t, ri)

	started := time.Unix(1400000000, 0)
	date := time.Date(2014, 4, 1, 10, 0, 0, 0, time.UTC)
	r := &SyncResult{
		Account:     "account1",
		Mailbox:     "INBOX",
		UIDValidity: 3857529045,
		Query:       Query{All: true},
		Found:       2,
		Stored:      2,
		LastUID:     12,
		Messages: []StoredMessage{
			{UID: 12, Size: 20, MessageID: "b@example.com", Subject: "second"},
			{UID: 10, Size: 10, MessageID: "a@example.com", Subject: "first", Date: date},
		},
		Started:  started,
		Finished: started.Add(time.Second),
	}
	require.NoError(t, h.Record(r))

	r2 := &SyncResult{
		Account:     "account1",
		Mailbox:     "INBOX",
		UIDValidity: 3857529045,
		Query:       Query{From: 13},
		LastUID:     12,
		Started:     started.Add(time.Hour),
		Finished:    started.Add(time.Hour),
		Err:         fmt.Errorf("connection reset"),
	}
	require.NoError(t, h.Record(r2))

	ri, err = h.LastRun("account1", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, ri)
	assert.Equal(t, uint32(3857529045), ri.UIDValidity)
	assert.Equal(t, "UID 13:4294967295", ri.Query)
	assert.Equal(t, "connection reset", ri.Error)
	assert.Equal(t, 0, ri.Stored)
	assert.True(t, ri.Finished.Equal(started.Add(time.Hour)))
	assert.Contains(t, ri.String(), "error: connection reset")

	messages, err := h.Messages(ri.ID - 1)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, uint32(10), messages[0].UID)
	assert.Equal(t, "first", messages[0].Subject)
	assert.True(t, messages[0].Date.Equal(date))
	assert.Equal(t, uint32(12), messages[1].UID)
	assert.True(t, messages[1].Date.IsZero())

	ri, err = h.LastRun("account1", "Sent")
	require.NoError(t, err)
	assert.Nil(t, ri)
}
