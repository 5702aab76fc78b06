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
	"path/filepath"
	"unicode/utf8"

	"github.com/emersion/go-maildir"

	"github.com/sgotti/gomailbackup/config"
	"github.com/sgotti/gomailbackup/errors"
	"github.com/sgotti/gomailbackup/log"
)

// MaildirStore maps the mailboxes of an account to maildirs below the
// account maildir root.
type MaildirStore struct {
	globalconfig *config.Config
	config       *config.AccountConfig
	name         string
	maildir      string
	separator    rune
	logger       *log.Logger
	e            *errors.Error
	dryrun       bool
}

type MaildirMailbox struct {
	dir    maildir.Dir
	logger *log.Logger
	e      *errors.Error
}

func NewMaildirStore(globalconfig *config.Config, accountconfig *config.AccountConfig, dryrun bool) (m *MaildirStore, err error) {
	name := accountconfig.Name
	logprefix := fmt.Sprintf("maildirstore: %s", name)
	errprefix := fmt.Sprintf("maildirstore: %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(errprefix)

	separator, _ := utf8.DecodeRuneInString(accountconfig.Separator)
	if separator == utf8.RuneError {
		separator = '/'
	}

	m = &MaildirStore{
		globalconfig: globalconfig,
		config:       accountconfig,
		name:         name,
		maildir:      accountconfig.Maildir,
		separator:    separator,
		logger:       logger,
		e:            e,
		dryrun:       dryrun,
	}

	if !dryrun {
		if err = os.MkdirAll(m.maildir, 0700); err != nil {
			return nil, m.e.E(errors.Wrap(errors.ErrIO, err))
		}
	}
	return m, nil
}

func (m *MaildirStore) maildirPath(folder *Mailfolder) (string, error) {
	if folder.IsInbox() {
		return filepath.Clean(m.config.InboxPath), nil
	}
	return FolderToStorePath(folder, m.separator)
}

// OpenMailbox returns the maildir of folder, creating it when missing. In
// dry-run mode nothing is created.
func (m *MaildirStore) OpenMailbox(folder *Mailfolder) (LocalMailbox, error) {
	rel, err := m.maildirPath(folder)
	if err != nil {
		return nil, m.e.E(err)
	}
	path := filepath.Join(m.maildir, rel)
	logprefix := fmt.Sprintf("maildir: %s, mailbox: %s", m.name, folder)
	mb := &MaildirMailbox{
		dir:    maildir.Dir(path),
		logger: log.GetLogger(logprefix, m.globalconfig.LogLevel),
		e:      errors.New(logprefix),
	}
	if m.dryrun {
		return mb, nil
	}

	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, m.e.E(errors.Wrap(errors.ErrIO, err))
	}
	if err := mb.dir.Init(); err != nil {
		return nil, m.e.E(errors.Wrap(errors.ErrIO, err))
	}
	m.logger.Debugf("maildir folder: %s", path)
	return mb, nil
}

func (m *MaildirStore) Name() string {
	return m.name
}

func (mb *MaildirMailbox) Path() string {
	return string(mb.dir)
}

// Replaced in tests.
var (
	fsyncFile = func(f *os.File) error { return f.Sync() }
	fsyncDir  = syncDir
)

// Deliver writes the message into cur/ without flags. The file and then
// cur/ are synced before returning.
func (mb *MaildirMailbox) Deliver(msg *Message) error {
	key, w, err := mb.dir.Create(nil)
	if err != nil {
		return mb.e.E(errors.Wrap(errors.ErrIO, err))
	}
	f, ok := w.(*os.File)
	if !ok {
		w.Close()
		mb.dir.Remove(key)
		return mb.e.E(errors.Wrap(errors.ErrIO, fmt.Errorf("cannot sync message file %s", key)))
	}
	if err := mb.writeFile(f, msg.Body); err != nil {
		mb.dir.Remove(key)
		return mb.e.E(errors.Wrap(errors.ErrIO, err))
	}
	if err := fsyncDir(filepath.Join(string(mb.dir), "cur")); err != nil {
		return mb.e.E(errors.Wrap(errors.ErrIO, err))
	}
	mb.logger.Debugf("delivered message with uid: %d, size: %d, key: %s", msg.UID, len(msg.Body), key)
	return nil
}

func (mb *MaildirMailbox) writeFile(f *os.File, body []byte) error {
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	if err := fsyncFile(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
