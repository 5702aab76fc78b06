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
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgotti/gomailbackup/config"
	"github.com/sgotti/gomailbackup/errors"
	"github.com/sgotti/gomailbackup/log"
)

// Account synchronizes every selected mailbox of a configured account.
type Account struct {
	globalconfig *config.Config
	config       *config.AccountConfig
	name         string
	patterns     []*RegexpPattern
	store        LocalStore
	history      *History
	dial         func() (RemoteClient, error)
	logger       *log.Logger
	e            *errors.Error
	dryrun       bool
}

// NewAccount builds the runner of an account. history may be nil.
func NewAccount(globalconfig *config.Config, accountconfig *config.AccountConfig, history *History, dryrun bool) (a *Account, err error) {
	name := accountconfig.Name
	logprefix := fmt.Sprintf("account: %s", name)
	errprefix := fmt.Sprintf("account: %s", name)
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(errprefix)

	patterns, err := RegexpsFromPatterns(accountconfig.RegexpPatterns)
	if err != nil {
		return nil, e.E(err)
	}

	store, err := NewMaildirStore(globalconfig, accountconfig, dryrun)
	if err != nil {
		return nil, e.E(err)
	}

	a = &Account{
		globalconfig: globalconfig,
		config:       accountconfig,
		name:         name,
		patterns:     patterns,
		store:        store,
		history:      history,
		logger:       logger,
		e:            e,
		dryrun:       dryrun,
	}
	a.dial = func() (RemoteClient, error) {
		return NewImapSession(globalconfig, accountconfig)
	}
	return a, nil
}

func (a *Account) Name() string {
	return a.name
}

func (a *Account) options() SyncOptions {
	return SyncOptions{
		Account:           a.name,
		UIDValidityPolicy: a.config.UIDValidityPolicy,
		DryRun:            a.dryrun,
		LogLevel:          a.globalconfig.LogLevel,
	}
}

func (a *Account) getSyncFolders(remote RemoteClient) (folders []*Mailfolder, err error) {
	all, err := remote.ListMailboxes()
	if err != nil {
		return nil, err
	}
	FilterFolders(a.patterns, all)

	folders = make([]*Mailfolder, 0, len(all))
	for _, f := range all {
		if !f.Excluded {
			folders = append(folders, f)
		}
	}
	return folders, nil
}

// Sync runs one pass over every selected mailbox. A failing mailbox doesn't
// stop the others; the returned error is set only when the whole account
// failed (connection errors). Results of the mailboxes attempted are
// always returned.
func (a *Account) Sync(ctx context.Context) ([]*SyncResult, error) {
	remote, err := a.dial()
	if err != nil {
		return nil, a.e.E(err)
	}

	folders, err := a.getSyncFolders(remote)
	if err != nil {
		remote.Close()
		return nil, a.e.E(err)
	}
	a.logger.Infof("folders: %s", folders)

	concurrentsyncs := int(a.globalconfig.Concurrentsyncs)
	if concurrentsyncs > len(folders) {
		concurrentsyncs = len(folders)
	}
	if concurrentsyncs <= 1 {
		defer remote.Close()
		return a.syncSequential(ctx, remote, folders)
	}
	return a.syncParallel(ctx, remote, folders, concurrentsyncs)
}

func (a *Account) syncSequential(ctx context.Context, remote RemoteClient, folders []*Mailfolder) ([]*SyncResult, error) {
	results := make([]*SyncResult, 0, len(folders))
	for _, folder := range folders {
		if ctx.Err() != nil {
			break
		}
		result := a.SyncFolder(remote, folder)
		results = append(results, result)
		if errors.Is(result.Err, errors.ErrConnection) {
			return results, a.e.E(result.Err)
		}
	}
	return results, nil
}

// syncParallel runs up to n mailbox passes at a time, each one on a session
// of its own taken from a pool.
func (a *Account) syncParallel(ctx context.Context, first RemoteClient, folders []*Mailfolder, n int) ([]*SyncResult, error) {
	pool := make(chan RemoteClient, n)
	pool <- first
	for i := 1; i < n; i++ {
		remote, err := a.dial()
		if err != nil {
			a.logger.Warningf("cannot open session %d, going on with %d: %s", i+1, i, err)
			break
		}
		pool <- remote
	}
	defer func() {
		close(pool)
		for remote := range pool {
			remote.Close()
		}
	}()

	results := make([]*SyncResult, len(folders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for i, folder := range folders {
		i, folder := i, folder
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			remote := <-pool
			defer func() { pool <- remote }()

			results[i] = a.SyncFolder(remote, folder)
			if errors.Is(results[i].Err, errors.ErrConnection) {
				return results[i].Err
			}
			return nil
		})
	}
	err := g.Wait()

	done := make([]*SyncResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			done = append(done, r)
		}
	}
	if err != nil {
		return done, a.e.E(err)
	}
	return done, nil
}

// SyncFolder runs a single mailbox pass on remote and records it in the
// history.
func (a *Account) SyncFolder(remote RemoteClient, folder *Mailfolder) *SyncResult {
	a.logger.Debug("Syncing folder: ", folder)

	var result *SyncResult
	m, err := NewMailboxSync(remote, a.store, folder, a.options())
	if err != nil {
		now := time.Now()
		result = &SyncResult{
			Account:  a.name,
			Mailbox:  folder.String(),
			DryRun:   a.dryrun,
			Started:  now,
			Finished: now,
			Err:      err,
		}
	} else {
		result, _ = m.Sync()
	}

	if result.Err != nil {
		a.logger.Errorf("Sync of folder %s failed with error: %s", folder, result.Err)
	} else if result.Stored > 0 || result.Found > 0 {
		a.logger.Infof("folder %s: found %d, stored %d, lastuid %d", folder, result.Found, result.Stored, result.LastUID)
	}

	if a.history != nil {
		if err := a.history.Record(result); err != nil {
			a.logger.Errorf("cannot record sync of folder %s: %s", folder, err)
		}
	}
	return result
}

// Run syncs the account every interval until ctx is done. Failures are
// logged and retried on the next round.
func (a *Account) Run(ctx context.Context, interval time.Duration) error {
	for {
		results, err := a.Sync(ctx)
		if err != nil {
			a.logger.Errorf("sync failed: %s", err)
		} else {
			a.logger.Infof("synced %d folders, %d failed", len(results), len(FailedResults(results)))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// List prints the mailboxes of the account, the excluded ones and the last
// recorded pass of each mailbox.
func (a *Account) List(w io.Writer) (err error) {
	remote, err := a.dial()
	if err != nil {
		return a.e.E(err)
	}
	defer remote.Close()

	folders, err := remote.ListMailboxes()
	if err != nil {
		return a.e.E(err)
	}
	FilterFolders(a.patterns, folders)

	fmt.Fprintf(w, "Account: %s\n", a.name)
	for _, folder := range folders {
		fmt.Fprintf(w, "\t%s", folder)
		if folder.Excluded {
			fmt.Fprintf(w, " (excluded)")
		}
		fmt.Fprintf(w, "\n")

		if a.history == nil || folder.Excluded {
			continue
		}
		ri, err := a.history.LastRun(a.name, folder.String())
		if err != nil {
			return a.e.E(err)
		}
		if ri == nil {
			fmt.Fprintf(w, "\t\tnever synced\n")
		} else {
			fmt.Fprintf(w, "\t\tlast sync: %s\n", ri)
		}
	}
	return nil
}

// FailedResults returns the results with an error.
func FailedResults(results []*SyncResult) []*SyncResult {
	failed := make([]*SyncResult, 0)
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
