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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sgotti/gomailbackup/config"
	"github.com/sgotti/gomailbackup/errors"
	"github.com/sgotti/gomailbackup/log"
)

const historySchema = `
create table if not exists syncrun (
	id integer primary key autoincrement,
	account text not null,
	mailbox text not null,
	uidvalidity integer not null,
	query text not null,
	dryrun integer not null,
	found integer not null,
	stored integer not null,
	lastuid integer not null,
	started integer not null,
	finished integer not null,
	error text
);
create index if not exists syncrun_mailbox on syncrun (account, mailbox);
create table if not exists message (
	run integer not null references syncrun (id),
	uid integer not null,
	size integer not null,
	messageid text,
	subject text,
	date integer,
	primary key (run, uid)
);`

// History records every mailbox pass in a sqlite database.
type History struct {
	path   string
	db     *sql.DB
	logger *log.Logger
	e      *errors.Error
}

type RunInfo struct {
	ID          int64
	Account     string
	Mailbox     string
	UIDValidity uint32
	Query       string
	DryRun      bool
	Found       int
	Stored      int
	LastUID     uint32
	Started     time.Time
	Finished    time.Time
	Error       string
}

func OpenHistory(globalconfig *config.Config) (h *History, err error) {
	logprefix := "history"
	errprefix := logprefix
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(errprefix)

	err = os.MkdirAll(globalconfig.Metadatadir, 0700)
	if err != nil {
		return nil, e.E(err)
	}

	path := filepath.Join(globalconfig.Metadatadir, "history.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, e.E(err)
	}
	// Passes of parallel mailboxes are recorded one at a time.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(historySchema)
	if err != nil {
		logger.Printf("%q: %s\n", err, historySchema)
		db.Close()
		return nil, e.E(err)
	}

	h = &History{
		path:   path,
		db:     db,
		logger: logger,
		e:      e,
	}
	return h, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// Record saves a pass and the messages it stored in a single transaction.
func (h *History) Record(r *SyncResult) (err error) {
	tx, err := h.db.Begin()
	if err != nil {
		return h.e.E(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var errstr sql.NullString
	if r.Err != nil {
		errstr = sql.NullString{String: r.Err.Error(), Valid: true}
	}

	res, err := tx.Exec(`insert into syncrun (account, mailbox, uidvalidity, query, dryrun, found, stored, lastuid, started, finished, error) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Account, r.Mailbox, int64(r.UIDValidity), r.Query.String(), r.DryRun, r.Found, r.Stored, int64(r.LastUID), r.Started.UnixNano(), r.Finished.UnixNano(), errstr)
	if err != nil {
		return h.e.E(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return h.e.E(err)
	}

	stmt, err := tx.Prepare(`insert into message (run, uid, size, messageid, subject, date) values (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return h.e.E(err)
	}
	defer stmt.Close()

	for _, m := range r.Messages {
		var date sql.NullInt64
		if !m.Date.IsZero() {
			date = sql.NullInt64{Int64: m.Date.Unix(), Valid: true}
		}
		if _, err = stmt.Exec(id, int64(m.UID), m.Size, m.MessageID, m.Subject, date); err != nil {
			return h.e.E(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return h.e.E(err)
	}
	h.logger.Debugf("recorded run %d for mailbox %s", id, r.Mailbox)
	return nil
}

// LastRun returns the most recent pass of a mailbox, or nil if it was
// never synchronized.
func (h *History) LastRun(account, mailbox string) (*RunInfo, error) {
	row := h.db.QueryRow(`select id, account, mailbox, uidvalidity, query, dryrun, found, stored, lastuid, started, finished, error from syncrun where account = ? and mailbox = ? order by id desc limit 1`, account, mailbox)

	var (
		ri                RunInfo
		uidvalidity       int64
		lastuid           int64
		started, finished int64
		errstr            sql.NullString
	)
	err := row.Scan(&ri.ID, &ri.Account, &ri.Mailbox, &uidvalidity, &ri.Query, &ri.DryRun, &ri.Found, &ri.Stored, &lastuid, &started, &finished, &errstr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, h.e.E(err)
	}
	ri.UIDValidity = uint32(uidvalidity)
	ri.LastUID = uint32(lastuid)
	ri.Started = time.Unix(0, started)
	ri.Finished = time.Unix(0, finished)
	ri.Error = errstr.String
	return &ri, nil
}

// Messages returns the messages stored by a pass ordered by uid.
func (h *History) Messages(run int64) ([]StoredMessage, error) {
	rows, err := h.db.Query(`select uid, size, messageid, subject, date from message where run = ? order by uid`, run)
	if err != nil {
		return nil, h.e.E(err)
	}
	defer rows.Close()

	messages := make([]StoredMessage, 0)
	for rows.Next() {
		var (
			m    StoredMessage
			uid  int64
			date sql.NullInt64
		)
		if err := rows.Scan(&uid, &m.Size, &m.MessageID, &m.Subject, &date); err != nil {
			return nil, h.e.E(err)
		}
		m.UID = uint32(uid)
		if date.Valid {
			m.Date = time.Unix(date.Int64, 0)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, h.e.E(err)
	}
	return messages, nil
}

func (ri *RunInfo) String() string {
	s := fmt.Sprintf("%s: query %s, found %d, stored %d, lastuid %d", ri.Finished.Format(time.RFC3339), ri.Query, ri.Found, ri.Stored, ri.LastUID)
	if ri.DryRun {
		s += " (dry run)"
	}
	if ri.Error != "" {
		s += ", error: " + ri.Error
	}
	return s
}
