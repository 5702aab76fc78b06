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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sgotti/gomailbackup/config"
	"github.com/sgotti/gomailbackup/cursor"
	"github.com/sgotti/gomailbackup/errors"
)

// fakeRemote serves a single mailbox from memory.
type fakeRemote struct {
	uidvalidity uint32
	messages    map[uint32][]byte
	// order of the uids returned by Search and Fetch, when set
	order []uint32

	selected []string
	queries  []Query
	fetches  [][]uint32
	fetchErr error
	closed   bool
}

func newFakeRemote(uidvalidity uint32, uids ...uint32) *fakeRemote {
	r := &fakeRemote{uidvalidity: uidvalidity, messages: make(map[uint32][]byte)}
	for _, uid := range uids {
		r.add(uid)
	}
	return r
}

func (r *fakeRemote) add(uid uint32) {
	r.messages[uid] = []byte(fmt.Sprintf("Message-Id: <%d@example.com>\r\nSubject: message %d\r\n\r\nbody %d\r\n", uid, uid, uid))
}

func (r *fakeRemote) uids() []uint32 {
	if r.order != nil {
		return r.order
	}
	uids := make([]uint32, 0, len(r.messages))
	for uid := range r.messages {
		uids = append(uids, uid)
	}
	return uidsAbove(uids, 0, true)
}

func (r *fakeRemote) ListMailboxes() ([]*Mailfolder, error) {
	return []*Mailfolder{NewMailfolder("INBOX", "/")}, nil
}

func (r *fakeRemote) Select(name string) (uint32, error) {
	r.selected = append(r.selected, name)
	return r.uidvalidity, nil
}

func (r *fakeRemote) Search(q Query) ([]uint32, error) {
	r.queries = append(r.queries, q)
	uids := make([]uint32, 0)
	for _, uid := range r.uids() {
		if q.All || uid >= q.From {
			uids = append(uids, uid)
		}
	}
	// Like a real server, a range above every uid matches the last message.
	if len(uids) == 0 && !q.All && len(r.messages) > 0 {
		all := r.uids()
		uids = append(uids, all[len(all)-1])
	}
	return uids, nil
}

func (r *fakeRemote) Fetch(uids []uint32) ([]*Message, error) {
	r.fetches = append(r.fetches, uids)
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	messages := make([]*Message, 0, len(uids))
	for _, uid := range uids {
		if body, ok := r.messages[uid]; ok {
			messages = append(messages, &Message{UID: uid, Body: body})
		}
	}
	return messages, nil
}

func (r *fakeRemote) Close() error {
	r.closed = true
	return nil
}

// fakeLocal records delivered messages and fails after failAfter
// deliveries when failAfter > 0.
type fakeLocal struct {
	dir       string
	delivered []*Message
	failAfter int
}

func (l *fakeLocal) OpenMailbox(folder *Mailfolder) (LocalMailbox, error) {
	return l, nil
}

func (l *fakeLocal) Path() string {
	return l.dir
}

func (l *fakeLocal) Deliver(m *Message) error {
	if l.failAfter > 0 && len(l.delivered) >= l.failAfter {
		return fmt.Errorf("no space left on device")
	}
	l.delivered = append(l.delivered, m)
	return nil
}

func (l *fakeLocal) uids() []uint32 {
	uids := make([]uint32, 0, len(l.delivered))
	for _, m := range l.delivered {
		uids = append(uids, m.UID)
	}
	return uids
}

func newFakeLocal(t *testing.T) *fakeLocal {
	return &fakeLocal{dir: t.TempDir()}
}

func writeCursor(t *testing.T, dir string, uidvalidity, lastuid uint32) {
	if err := cursor.NewStore(dir).Save(cursor.Cursor{UIDValidity: uidvalidity, LastUID: lastuid}); err != nil {
		t.Fatal(err)
	}
}

func loadCursor(t *testing.T, dir string) cursor.State {
	state, err := cursor.NewStore(dir).Load()
	if err != nil {
		t.Fatal(err)
	}
	return state
}

func testOptions() SyncOptions {
	return SyncOptions{Account: "account1", LogLevel: "debug"}
}

func syncOnce(t *testing.T, remote RemoteClient, local LocalStore, opts SyncOptions) *SyncResult {
	m, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), opts)
	if err != nil {
		t.Fatal(err)
	}
	result, err := m.Sync()
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func equalUIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMailboxSyncFirstRun(t *testing.T) {
	remote := newFakeRemote(7, 10, 11, 12)
	local := newFakeLocal(t)

	result := syncOnce(t, remote, local, testOptions())

	if !remote.queries[0].All {
		t.Fatalf("Expected an ALL query, found %s", remote.queries[0])
	}
	if !equalUIDs(local.uids(), []uint32{10, 11, 12}) {
		t.Fatalf("Expected uids [10 11 12] to be stored, found %v", local.uids())
	}
	if len(remote.fetches) != 1 {
		t.Fatalf("Expected a single bulk fetch, found %d", len(remote.fetches))
	}
	if state := loadCursor(t, local.dir); state != cursor.Present(7, 12) {
		t.Fatalf("Expected cursor (7, 12), found %s", state)
	}
	if result.Found != 3 || result.Stored != 3 || result.LastUID != 12 || result.UIDValidity != 7 {
		t.Fatalf("Unexpected result %#v", result)
	}
	if result.Messages[0].Subject != "message 10" || result.Messages[0].MessageID != "10@example.com" {
		t.Fatalf("Unexpected message summary %#v", result.Messages[0])
	}
	if remote.selected[0] != "INBOX" {
		t.Fatalf("Expected INBOX to be selected, found %s", remote.selected[0])
	}
}

func TestMailboxSyncIncremental(t *testing.T) {
	remote := newFakeRemote(7, 10, 11, 12, 13)
	local := newFakeLocal(t)
	writeCursor(t, local.dir, 7, 12)

	m, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if m.UIDValidity() != 7 || m.State() != cursor.Present(7, 12) {
		t.Fatalf("Expected uidvalidity 7 and cursor (7, 12), found %d and %s", m.UIDValidity(), m.State())
	}
	if q := m.Query(); q.All || q.From != 13 {
		t.Fatalf("Expected query UID 13:*, found %s", q)
	}
	if _, err := m.Sync(); err != nil {
		t.Fatal(err)
	}
	if m.State() != cursor.Present(7, 13) {
		t.Fatalf("Expected in memory cursor (7, 13), found %s", m.State())
	}

	if !equalUIDs(local.uids(), []uint32{13}) {
		t.Fatalf("Expected uid 13 to be stored, found %v", local.uids())
	}
	if state := loadCursor(t, local.dir); state != cursor.Present(7, 13) {
		t.Fatalf("Expected cursor (7, 13), found %s", state)
	}
}

func TestMailboxSyncValidityMismatch(t *testing.T) {
	remote := newFakeRemote(9, 1, 2)
	local := newFakeLocal(t)
	writeCursor(t, local.dir, 7, 12)

	_, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), testOptions())
	if err == nil {
		t.Fatal("Expected an uidvalidity mismatch error")
	}
	if !errors.Is(err, errors.ErrValidityMismatch) {
		t.Fatalf("Expected ErrValidityMismatch, found %v", err)
	}
	var mismatch *ValidityMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected a *ValidityMismatchError, found %T", err)
	}
	if mismatch.Stored != 7 || mismatch.Observed != 9 {
		t.Fatalf("Unexpected mismatch %#v", mismatch)
	}
	if len(remote.queries) != 0 || len(remote.fetches) != 0 {
		t.Fatal("No search or fetch should happen after an uidvalidity mismatch")
	}
	if state := loadCursor(t, local.dir); state != cursor.Present(7, 12) {
		t.Fatalf("Expected cursor (7, 12) untouched, found %s", state)
	}
}

func TestMailboxSyncValidityResync(t *testing.T) {
	remote := newFakeRemote(9, 1, 2)
	local := newFakeLocal(t)
	writeCursor(t, local.dir, 7, 12)

	opts := testOptions()
	opts.UIDValidityPolicy = config.PolicyResync
	syncOnce(t, remote, local, opts)

	if !remote.queries[0].All {
		t.Fatalf("Expected an ALL query after resync, found %s", remote.queries[0])
	}
	if !equalUIDs(local.uids(), []uint32{1, 2}) {
		t.Fatalf("Expected uids [1 2] to be stored, found %v", local.uids())
	}
	if state := loadCursor(t, local.dir); state != cursor.Present(9, 2) {
		t.Fatalf("Expected cursor (9, 2), found %s", state)
	}
	b, err := os.ReadFile(filepath.Join(local.dir, cursor.Filename+".7"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, cursor.Encode(cursor.Cursor{UIDValidity: 7, LastUID: 12})) {
		t.Fatal("Archived cursor doesn't hold the previous value")
	}
}

func TestMailboxSyncNothingNew(t *testing.T) {
	remote := newFakeRemote(7, 10, 11, 12)
	local := newFakeLocal(t)
	writeCursor(t, local.dir, 7, 12)
	before, err := os.ReadFile(filepath.Join(local.dir, cursor.Filename))
	if err != nil {
		t.Fatal(err)
	}

	// The server answers UID 13:* with message 12.
	result := syncOnce(t, remote, local, testOptions())

	if len(remote.fetches) != 0 {
		t.Fatalf("Expected no fetch, found %v", remote.fetches)
	}
	if len(local.delivered) != 0 {
		t.Fatalf("Expected no stored message, found %v", local.uids())
	}
	if result.Found != 0 || result.LastUID != 12 {
		t.Fatalf("Unexpected result %#v", result)
	}
	after, err := os.ReadFile(filepath.Join(local.dir, cursor.Filename))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("Cursor file changed")
	}
}

func TestMailboxSyncEmptyFetch(t *testing.T) {
	remote := newFakeRemote(7, 10, 11, 12, 13)
	local := newFakeLocal(t)
	writeCursor(t, local.dir, 7, 12)
	// Message 13 was expunged between search and fetch.
	remote.order = []uint32{13}
	delete(remote.messages, 13)

	syncOnce(t, remote, local, testOptions())

	if len(remote.fetches) != 1 {
		t.Fatalf("Expected one fetch, found %d", len(remote.fetches))
	}
	if len(local.delivered) != 0 {
		t.Fatalf("Expected no stored message, found %v", local.uids())
	}
	if state := loadCursor(t, local.dir); state != cursor.Present(7, 12) {
		t.Fatalf("Expected cursor (7, 12) untouched, found %s", state)
	}
}

func TestMailboxSyncEmptyMailbox(t *testing.T) {
	remote := newFakeRemote(7)
	local := newFakeLocal(t)

	syncOnce(t, remote, local, testOptions())

	if len(remote.fetches) != 0 || len(local.delivered) != 0 {
		t.Fatal("Expected no fetch and no stored message")
	}
	if state := loadCursor(t, local.dir); state.Present {
		t.Fatalf("Expected no cursor, found %s", state)
	}
}

func TestMailboxSyncOutOfOrder(t *testing.T) {
	remote := newFakeRemote(7, 10, 11, 12, 13, 14)
	remote.order = []uint32{14, 12, 13, 11, 14}
	local := newFakeLocal(t)
	writeCursor(t, local.dir, 7, 11)

	syncOnce(t, remote, local, testOptions())

	if !equalUIDs(local.uids(), []uint32{12, 13, 14}) {
		t.Fatalf("Expected uids [12 13 14] stored in order, found %v", local.uids())
	}
	if !equalUIDs(remote.fetches[0], []uint32{12, 13, 14}) {
		t.Fatalf("Expected fetch of [12 13 14], found %v", remote.fetches[0])
	}
	if state := loadCursor(t, local.dir); state != cursor.Present(7, 14) {
		t.Fatalf("Expected cursor (7, 14), found %s", state)
	}
}

func TestMailboxSyncStoreFailure(t *testing.T) {
	remote := newFakeRemote(7, 10, 11, 12)
	local := newFakeLocal(t)
	local.failAfter = 2

	m, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	result, err := m.Sync()
	if err == nil {
		t.Fatal("Expected a store error")
	}
	if !errors.Is(err, errors.ErrIO) {
		t.Fatalf("Expected ErrIO, found %v", err)
	}
	if result.Err != err || result.Stored != 2 || result.LastUID != 11 {
		t.Fatalf("Unexpected result %#v", result)
	}
	if state := loadCursor(t, local.dir); state != cursor.Present(7, 11) {
		t.Fatalf("Expected cursor (7, 11), found %s", state)
	}

	// The next run starts again from the failed message.
	local.failAfter = 0
	syncOnce(t, remote, local, testOptions())
	if !equalUIDs(local.uids(), []uint32{10, 11, 12}) {
		t.Fatalf("Expected uids [10 11 12], found %v", local.uids())
	}
}

func TestMailboxSyncCrashBeforeCursor(t *testing.T) {
	remote := newFakeRemote(7, 10, 11, 12)
	local := newFakeLocal(t)

	// Message 11 was stored but the process died before the cursor moved
	// past 10.
	local.delivered = []*Message{{UID: 10}, {UID: 11}}
	writeCursor(t, local.dir, 7, 10)

	m, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if q := m.Query(); q.From != 11 {
		t.Fatalf("Expected query to include uid 11, found %s", q)
	}
	if _, err := m.Sync(); err != nil {
		t.Fatal(err)
	}
	if !equalUIDs(local.uids(), []uint32{10, 11, 11, 12}) {
		t.Fatalf("Expected uid 11 to be stored again, found %v", local.uids())
	}
	if state := loadCursor(t, local.dir); state != cursor.Present(7, 12) {
		t.Fatalf("Expected cursor (7, 12), found %s", state)
	}
}

func TestMailboxSyncWraparound(t *testing.T) {
	remote := newFakeRemote(7, 5)
	local := newFakeLocal(t)
	writeCursor(t, local.dir, 7, MaxUID)

	result := syncOnce(t, remote, local, testOptions())

	if len(remote.queries) != 0 {
		t.Fatalf("Expected no search, found %v", remote.queries)
	}
	if result.Found != 0 || len(local.delivered) != 0 {
		t.Fatal("Expected nothing to be stored")
	}
}

func TestMailboxSyncMissingUIDValidity(t *testing.T) {
	remote := newFakeRemote(0, 1)
	local := newFakeLocal(t)

	_, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), testOptions())
	if !errors.Is(err, errors.ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, found %v", err)
	}
}

func TestMailboxSyncMalformedCursor(t *testing.T) {
	remote := newFakeRemote(7, 1)
	local := newFakeLocal(t)
	if err := os.WriteFile(filepath.Join(local.dir, cursor.Filename), []byte{1, 2, 3}, 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), testOptions())
	if !errors.Is(err, errors.ErrFormat) {
		t.Fatalf("Expected ErrFormat, found %v", err)
	}
}

func TestMailboxSyncFetchError(t *testing.T) {
	remote := newFakeRemote(7, 1, 2)
	remote.fetchErr = errors.Wrap(errors.ErrConnection, fmt.Errorf("connection reset"))
	local := newFakeLocal(t)

	m, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Sync(); !errors.Is(err, errors.ErrConnection) {
		t.Fatalf("Expected ErrConnection, found %v", err)
	}
	if state := loadCursor(t, local.dir); state.Present {
		t.Fatalf("Expected no cursor, found %s", state)
	}
}

func TestMailboxSyncDryRun(t *testing.T) {
	remote := newFakeRemote(7, 10, 11)
	local := newFakeLocal(t)

	opts := testOptions()
	opts.DryRun = true
	result := syncOnce(t, remote, local, opts)

	if result.Found != 2 || result.Stored != 0 {
		t.Fatalf("Unexpected result %#v", result)
	}
	if len(remote.fetches) != 0 || len(local.delivered) != 0 {
		t.Fatal("Dry run must not fetch or store")
	}
	if state := loadCursor(t, local.dir); state.Present {
		t.Fatalf("Expected no cursor, found %s", state)
	}
}

func TestMailboxSyncMessages(t *testing.T) {
	remote := newFakeRemote(7, 10, 11, 12)
	remote.order = []uint32{12, 10, 11}
	local := newFakeLocal(t)

	m, err := NewMailboxSync(remote, local, NewMailfolder("INBOX", "/"), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	messages, err := m.Messages()
	if err != nil {
		t.Fatal(err)
	}
	uids := make([]uint32, 0)
	for _, msg := range messages {
		uids = append(uids, msg.UID)
	}
	if !equalUIDs(uids, []uint32{10, 11, 12}) {
		t.Fatalf("Expected sorted uids [10 11 12], found %v", uids)
	}
}

func TestSummarize(t *testing.T) {
	body := []byte("Message-Id: <abc@example.com>\r\nSubject: =?utf-8?q?caf=C3=A9?=\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\nhello\r\n")
	sm := summarize(&Message{UID: 3, Body: body})
	if sm.MessageID != "abc@example.com" {
		t.Fatalf("Expected message id %q, found %q", "abc@example.com", sm.MessageID)
	}
	if sm.Subject != "café" {
		t.Fatalf("Expected subject %q, found %q", "café", sm.Subject)
	}
	if sm.Date.Year() != 2006 || sm.Size != len(body) {
		t.Fatalf("Unexpected summary %#v", sm)
	}

	sm = summarize(&Message{UID: 4, Body: []byte("not a message")})
	if sm.UID != 4 || sm.Subject != "" {
		t.Fatalf("Unexpected summary %#v", sm)
	}
}
