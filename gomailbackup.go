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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/sgotti/gomailbackup/config"
	"github.com/sgotti/gomailbackup/log"
	"github.com/sgotti/gomailbackup/mailsync"
)

var opts struct {
	Configfile  string   `short:"c" long:"config" description:"Config file location. Default: ~/.gomailbackuprc"`
	Debug       bool     `short:"d" long:"debug" description:"Enable full debug logs. Overrides log levels in configuration file"`
	DryRun      bool     `short:"n" long:"dryrun" description:"Do not fetch or store anything but just log what will be done"`
	List        bool     `short:"l" long:"list" description:"List accounts, their mailboxes and their last sync and then exit"`
	Watch       bool     `short:"w" long:"watch" description:"Keep running and sync every syncinterval"`
	AccountList []string `short:"a" long:"account" description:"Limit the accounts to the specified. Use this option multiple times to specify multiple accounts."`
}

func askPassword(accountconf *config.AccountConfig) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("no password configured for account \"%s\" and stdin is not a terminal", accountconf.Name)
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s (account %s): ", accountconf.Username, accountconf.Host, accountconf.Name)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	accountconf.Password = string(password)
	return nil
}

func selectedAccounts(globalconfig *config.Config) []*config.AccountConfig {
	accounts := make([]*config.AccountConfig, 0, len(globalconfig.Accounts))
	for _, accountconf := range globalconfig.Accounts {
		if opts.AccountList != nil && !config.StringInSlice(accountconf.Name, opts.AccountList) {
			continue
		}
		accounts = append(accounts, accountconf)
	}
	return accounts
}

func main() {
	logger := log.GetLogger("main", "info")
	u, err := user.Current()
	if err != nil {
		logger.Errorf("Cannot determine current user")
		os.Exit(1)
	}

	var parser = flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if opts.Configfile == "" {
		opts.Configfile = filepath.Join(u.HomeDir, ".gomailbackuprc")
	}

	globalconfig, err := config.ParseConfig(opts.Configfile)
	if err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(1)
	}

	if opts.Debug {
		globalconfig.LogLevel = "debug"
		globalconfig.DebugImap = true
	}

	err = config.VerifyConfig(globalconfig)
	if err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(1)
	}

	logger = log.GetLogger("main", globalconfig.LogLevel)

	history, err := mailsync.OpenHistory(globalconfig)
	if err != nil {
		logger.Errorf("Error: %s", err)
		os.Exit(1)
	}
	defer history.Close()

	accounts := make([]*mailsync.Account, 0)
	for _, accountconf := range selectedAccounts(globalconfig) {
		if accountconf.Password == "" {
			if err := askPassword(accountconf); err != nil {
				logger.Errorf("Error: %s", err)
				os.Exit(1)
			}
		}
		account, err := mailsync.NewAccount(globalconfig, accountconf, history, opts.DryRun)
		if err != nil {
			logger.Errorf("Error creating account \"%s\": %s", accountconf.Name, err)
			continue
		}
		accounts = append(accounts, account)
	}
	if len(accounts) == 0 {
		logger.Errorf("No account to sync")
		os.Exit(1)
	}

	if opts.List {
		for _, account := range accounts {
			if err := account.List(os.Stdout); err != nil {
				logger.Errorf("Error: %s", err)
			}
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Watch {
		g, gctx := errgroup.WithContext(ctx)
		for _, account := range accounts {
			account := account
			g.Go(func() error {
				return account.Run(gctx, globalconfig.SyncInterval.Duration)
			})
		}
		g.Wait()
		logger.Println("Sync stopped")
		return
	}

	var (
		mu     sync.Mutex
		failed int
	)
	var wg sync.WaitGroup
	for _, account := range accounts {
		account := account
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := account.Sync(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Errorf("Sync of account %s failed: %s", account.Name(), err)
				failed++
			}
			for _, r := range mailsync.FailedResults(results) {
				logger.Errorf("Sync of account %s, folder %s failed: %s", account.Name(), r.Mailbox, r.Err)
				failed++
			}
			logger.Println("Sync exited:", account.Name())
		}()
	}
	wg.Wait()

	if failed > 0 {
		history.Close()
		os.Exit(1)
	}
}
