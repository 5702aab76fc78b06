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
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/sgotti/gomailbackup/config"
	"github.com/sgotti/gomailbackup/cursor"
	"github.com/sgotti/gomailbackup/errors"
	"github.com/sgotti/gomailbackup/log"
)

type SyncOptions struct {
	Account string
	// config.PolicyFail or config.PolicyResync. Empty means fail.
	UIDValidityPolicy string
	DryRun            bool
	LogLevel          string
}

// ValidityMismatchError reports a mailbox whose server UIDVALIDITY differs
// from the stored one: the stored cursor doesn't describe the mailbox
// anymore.
type ValidityMismatchError struct {
	Mailbox  string
	Stored   uint32
	Observed uint32
}

func (e *ValidityMismatchError) Error() string {
	return fmt.Sprintf("mailbox %s: server uidvalidity %d doesn't match stored uidvalidity %d", e.Mailbox, e.Observed, e.Stored)
}

func (e *ValidityMismatchError) Is(target error) bool {
	return target == errors.ErrValidityMismatch
}

type StoredMessage struct {
	UID       uint32
	Size      int
	MessageID string
	Subject   string
	Date      time.Time
}

// SyncResult describes one mailbox pass.
type SyncResult struct {
	Account     string
	Mailbox     string
	UIDValidity uint32
	Query       Query
	DryRun      bool
	// Found is the number of new messages the server reported.
	Found    int
	Stored   int
	LastUID  uint32
	Messages []StoredMessage
	Started  time.Time
	Finished time.Time
	Err      error
}

// MailboxSync synchronizes one remote mailbox into its local mailbox.
type MailboxSync struct {
	remote      RemoteClient
	local       LocalMailbox
	folder      *Mailfolder
	opts        SyncOptions
	cursors     *cursor.Store
	state       cursor.State
	uidvalidity uint32
	logger      *log.Logger
	e           *errors.Error
}

// NewMailboxSync selects folder on remote, loads the local cursor and
// checks it against the server UIDVALIDITY.
func NewMailboxSync(remote RemoteClient, local LocalStore, folder *Mailfolder, opts SyncOptions) (m *MailboxSync, err error) {
	logprefix := fmt.Sprintf("account: %s, mailbox: %s", opts.Account, folder)
	errprefix := logprefix
	logger := log.GetLogger(logprefix, opts.LogLevel)
	e := errors.New(errprefix)

	uidvalidity, err := remote.Select(folder.RemoteName())
	if err != nil {
		return nil, e.E(err)
	}
	if uidvalidity == 0 {
		return nil, e.E(errors.Wrap(errors.ErrProtocol, fmt.Errorf("server didn't report an uidvalidity")))
	}

	mailbox, err := local.OpenMailbox(folder)
	if err != nil {
		return nil, e.E(err)
	}

	m = &MailboxSync{
		remote:      remote,
		local:       mailbox,
		folder:      folder,
		opts:        opts,
		cursors:     cursor.NewStore(mailbox.Path()),
		uidvalidity: uidvalidity,
		logger:      logger,
		e:           e,
	}

	m.state, err = m.cursors.Load()
	if err != nil {
		return nil, m.e.E(err)
	}
	m.logger.Debugf("server uidvalidity: %d, cursor: %s", uidvalidity, m.state)

	if m.state.Present && m.state.UIDValidity != uidvalidity {
		if err := m.handleValidityMismatch(); err != nil {
			return nil, m.e.E(err)
		}
	}
	return m, nil
}

func (m *MailboxSync) handleValidityMismatch() error {
	mismatch := &ValidityMismatchError{
		Mailbox:  m.folder.String(),
		Stored:   m.state.UIDValidity,
		Observed: m.uidvalidity,
	}
	if m.opts.UIDValidityPolicy != config.PolicyResync {
		return mismatch
	}

	if m.opts.DryRun {
		m.logger.Warningf("%s: would archive the cursor and fetch the whole mailbox again", mismatch)
	} else {
		archived, err := m.cursors.Archive()
		if err != nil {
			return err
		}
		m.logger.Warningf("%s: cursor archived to %s, fetching the whole mailbox again", mismatch, archived)
	}
	m.state = cursor.Absent()
	return nil
}

func (m *MailboxSync) UIDValidity() uint32 {
	return m.uidvalidity
}

func (m *MailboxSync) State() cursor.State {
	return m.state
}

func (m *MailboxSync) Query() Query {
	return Resolve(m.state)
}

// search returns the sorted uids newer than the cursor.
func (m *MailboxSync) search(q Query) ([]uint32, error) {
	if q.Empty() {
		return nil, nil
	}
	uids, err := m.remote.Search(q)
	if err != nil {
		return nil, m.e.E(err)
	}
	// Servers answer a range whose lower bound is above every UID with the
	// last message, so older UIDs must be dropped here.
	return uidsAbove(uids, m.state.LastUID, !m.state.Present), nil
}

// Messages fetches the messages newer than the cursor, sorted by UID.
func (m *MailboxSync) Messages() ([]*Message, error) {
	uids, err := m.search(m.Query())
	if err != nil {
		return nil, err
	}
	return m.fetch(uids)
}

func (m *MailboxSync) fetch(uids []uint32) ([]*Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	messages, err := m.remote.Fetch(uids)
	if err != nil {
		return nil, m.e.E(err)
	}
	return messagesAbove(messages, m.state.LastUID, !m.state.Present), nil
}

// Sync runs the pass: every new message is delivered to the local mailbox
// and then the cursor is advanced to its UID. A failure stops the pass with
// the cursor at the last delivered message. The returned result is never
// nil.
func (m *MailboxSync) Sync() (*SyncResult, error) {
	q := m.Query()
	result := &SyncResult{
		Account:     m.opts.Account,
		Mailbox:     m.folder.String(),
		UIDValidity: m.uidvalidity,
		Query:       q,
		DryRun:      m.opts.DryRun,
		LastUID:     m.state.LastUID,
		Started:     time.Now(),
	}
	err := m.sync(q, result)
	result.Finished = time.Now()
	result.Err = err
	return result, err
}

func (m *MailboxSync) sync(q Query, result *SyncResult) error {
	m.logger.Debugf("query: %s", q)
	uids, err := m.search(q)
	if err != nil {
		return err
	}
	result.Found = len(uids)
	if len(uids) == 0 {
		m.logger.Debug("no new messages")
		return nil
	}

	if m.opts.DryRun {
		m.logger.Infof("would fetch %d new messages, uids: %v", len(uids), uids)
		return nil
	}

	messages, err := m.fetch(uids)
	if err != nil {
		return err
	}
	m.logger.Infof("There are %d new messages", len(messages))

	for _, msg := range messages {
		if err := m.local.Deliver(msg); err != nil {
			return m.e.E(errors.Wrap(errors.ErrIO, err))
		}
		if err := m.cursors.Save(cursor.Cursor{UIDValidity: m.uidvalidity, LastUID: msg.UID}); err != nil {
			return m.e.E(err)
		}
		m.state = cursor.Present(m.uidvalidity, msg.UID)
		result.Stored++
		result.LastUID = msg.UID
		result.Messages = append(result.Messages, summarize(msg))
		m.logger.Debugf("stored message with uid: %d", msg.UID)
	}
	return nil
}

// summarize extracts the message headers worth recording. Unparsable
// headers leave the fields empty.
func summarize(msg *Message) StoredMessage {
	sm := StoredMessage{UID: msg.UID, Size: len(msg.Body)}

	e, err := message.Read(bytes.NewReader(msg.Body))
	if e == nil {
		return sm
	}
	if err != nil && !message.IsUnknownCharset(err) {
		return sm
	}

	h := mail.Header{Header: e.Header}
	sm.MessageID, _ = h.MessageID()
	sm.Subject, _ = h.Subject()
	sm.Date, _ = h.Date()
	return sm
}
