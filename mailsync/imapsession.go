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
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/mxk/go-imap/imap"

	"github.com/sgotti/gomailbackup/config"
	"github.com/sgotti/gomailbackup/errors"
	"github.com/sgotti/gomailbackup/log"
)

const logoutTimeout = 10 * time.Second

// ImapSession is a RemoteClient on an IMAP server connection. Mailboxes are
// opened with EXAMINE and bodies fetched with BODY.PEEK[] so the remote
// state is never modified.
type ImapSession struct {
	globalconfig *config.Config
	config       *config.AccountConfig
	client       *imap.Client
	selected     string
	logger       *log.Logger
	e            *errors.Error
}

// saslClient adapts a go-sasl client to the go-imap SASL interface.
type saslClient struct {
	c sasl.Client
}

func (s saslClient) Start(info *imap.ServerInfo) (mech string, ir []byte, err error) {
	return s.c.Start()
}

func (s saslClient) Next(challenge []byte) (response []byte, err error) {
	return s.c.Next(challenge)
}

func NewImapSession(globalconfig *config.Config, accountconfig *config.AccountConfig) (m *ImapSession, err error) {
	name := accountconfig.Name
	logprefix := fmt.Sprintf("imap: %s", name)
	errprefix := fmt.Sprintf("imap: %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(errprefix)

	m = &ImapSession{
		globalconfig: globalconfig,
		config:       accountconfig,
		logger:       logger,
		e:            e,
	}

	m.client, err = m.newImapClient()
	if err != nil {
		return nil, m.e.E(errors.Wrap(errors.ErrConnection, err))
	}
	return m, nil
}

func (m *ImapSession) newImapClient() (client *imap.Client, err error) {
	if m.config.Tls && m.config.Starttls {
		return nil, fmt.Errorf("Both tls and starttls enabled. Only one of them is permitted.")
	}

	addr := m.config.Host
	if m.config.Port != 0 {
		addr = addr + ":" + strconv.FormatUint(uint64(m.config.Port), 10)
	}
	var tlsconfig *tls.Config
	if !m.config.Validateservercert {
		tlsconfig = &tls.Config{InsecureSkipVerify: true}
	}
	if m.config.Tls {
		client, err = imap.DialTLS(addr, tlsconfig)
		if err != nil {
			return nil, err
		}
	} else {
		client, err = imap.Dial(addr)
		if err != nil {
			return nil, err
		}
	}

	if m.globalconfig.LogLevel == "debug" && m.globalconfig.DebugImap {
		client.SetLogMask(imap.LogAll)
	}

	// Print server greeting (first response in the unilateral server data queue)
	if len(client.Data) > 0 {
		m.logger.Debug("Server says hello: ", client.Data[0].Info)
	}
	client.Data = nil

	if m.config.Starttls && !client.Caps["STARTTLS"] {
		client.Logout(logoutTimeout)
		return nil, fmt.Errorf("Server doesn't support STARTTLS")
	}

	if m.config.Starttls {
		_, err = client.StartTLS(tlsconfig)
		if err != nil {
			client.Logout(logoutTimeout)
			return nil, err
		}
	}

	// Authenticate
	if client.State() == imap.Login {
		switch m.config.Auth {
		case config.AuthPlain:
			_, err = client.Auth(saslClient{sasl.NewPlainClient("", m.config.Username, m.config.Password)})
		case config.AuthSASLLogin:
			_, err = client.Auth(saslClient{sasl.NewLoginClient(m.config.Username, m.config.Password)})
		default:
			_, err = client.Login(m.config.Username, m.config.Password)
		}
		if err != nil {
			client.Logout(logoutTimeout)
			return nil, err
		}
	}

	return client, nil
}

// wrap classifies err: a closed connection is a connection error, anything
// else a protocol error.
func (m *ImapSession) wrap(err error) error {
	if m.client.State() == imap.Closed {
		return m.e.E(errors.Wrap(errors.ErrConnection, err))
	}
	return m.e.E(errors.Wrap(errors.ErrProtocol, err))
}

// ListMailboxes returns the selectable mailboxes of the account.
func (m *ImapSession) ListMailboxes() ([]*Mailfolder, error) {
	cmd, err := imap.Wait(m.client.List("", "*"))
	if err != nil {
		return nil, m.wrap(err)
	}

	folders := make([]*Mailfolder, 0, len(cmd.Data))
	m.logger.Debug("Folders:")
	for _, rsp := range cmd.Data {
		info := rsp.MailboxInfo()
		if info == nil {
			continue
		}
		// Ignore \Noselect folders
		if _, ok := info.Attrs[`\Noselect`]; ok {
			m.logger.Debugf("skipping \\Noselect folder %s", info.Name)
			continue
		}
		folder := NewMailfolder(info.Name, info.Delim)
		folders = append(folders, folder)
		m.logger.Debugf("%v", info)
	}
	return folders, nil
}

// Select opens name read-only, closing the previously selected mailbox.
func (m *ImapSession) Select(name string) (uint32, error) {
	if err := m.unselect(); err != nil {
		return 0, err
	}

	_, err := m.client.Select(name, true)
	if err != nil {
		return 0, m.wrap(err)
	}
	m.selected = name

	m.logger.Debug("Mailbox status:")
	for _, line := range strings.Split(m.client.Mailbox.String(), "\n") {
		m.logger.Debug(line)
	}
	return m.client.Mailbox.UIDValidity, nil
}

func (m *ImapSession) unselect() error {
	if m.selected == "" {
		return nil
	}
	m.selected = ""
	if _, err := m.client.Close(false); err != nil {
		return m.wrap(err)
	}
	return nil
}

// Search runs UID SEARCH for q on the selected mailbox.
func (m *ImapSession) Search(q Query) ([]uint32, error) {
	if q.Empty() {
		return nil, nil
	}

	fields := make([]imap.Field, 0, 2)
	for _, f := range q.Fields() {
		fields = append(fields, f)
	}
	cmd, err := imap.Wait(m.client.Send("UID SEARCH", fields...))
	if err != nil {
		return nil, m.wrap(err)
	}

	uids := make([]uint32, 0)
	for _, rsp := range cmd.Data {
		uids = append(uids, rsp.SearchResults()...)
	}
	m.logger.Debugf("search %s returned %d uids", q, len(uids))
	return uids, nil
}

// Fetch retrieves the full bodies of uids with a single UID FETCH.
func (m *ImapSession) Fetch(uids []uint32) ([]*Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	set, _ := imap.NewSeqSet("")
	set.AddNum(uids...)
	cmd, err := m.client.Send("UID FETCH", set, "(UID BODY.PEEK[])")
	if err != nil {
		return nil, m.wrap(err)
	}

	messages := make([]*Message, 0, len(uids))
	for cmd.InProgress() {
		// Wait for the next response (no timeout)
		err := m.client.Recv(-1)
		if err != nil {
			return nil, m.wrap(err)
		}
		// Process command data
		for _, rsp := range cmd.Data {
			info := rsp.MessageInfo()
			if info == nil || info.UID == 0 {
				continue
			}
			messages = append(messages, &Message{
				UID:  info.UID,
				Body: imap.AsBytes(info.Attrs["BODY[]"]),
			})
		}
		cmd.Data = nil

		// Process unilateral server data
		for _, rsp := range m.client.Data {
			m.logger.Debug("Server data: ", rsp)
		}
		m.client.Data = nil
	}

	// Check command completion status
	if rsp, err := cmd.Result(imap.OK); err != nil {
		if err == imap.ErrAborted {
			m.logger.Debug("Fetch command aborted")
		} else if rsp != nil {
			m.logger.Debug("Fetch error: ", rsp.Info)
		}
		return nil, m.wrap(err)
	}
	return messages, nil
}

func (m *ImapSession) Close() error {
	if m.client == nil {
		return nil
	}
	if m.client.State() == imap.Closed {
		return nil
	}
	m.unselect()
	if _, err := m.client.Logout(logoutTimeout); err != nil {
		m.logger.Debug("Logout error: ", err)
	}
	return nil
}
