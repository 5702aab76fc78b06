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

package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

const (
	PolicyFail   = "fail"
	PolicyResync = "resync"

	AuthLogin     = "login"
	AuthPlain     = "plain"
	AuthSASLLogin = "sasl-login"
)

type Config struct {
	Accounts        []*AccountConfig `toml:"account" yaml:"account"`
	Metadatadir     string           `toml:"metadatadir" yaml:"metadatadir"`
	LogLevel        string           `toml:"loglevel" yaml:"loglevel"`
	DebugImap       bool             `toml:"debugimap" yaml:"debugimap"`
	Concurrentsyncs uint8            `toml:"concurrentsyncs" yaml:"concurrentsyncs"`
	SyncInterval    Duration         `toml:"syncinterval" yaml:"syncinterval"`
}

type AccountConfig struct {
	Name string `toml:"name" yaml:"name"`

	// Imap options
	Host               string `toml:"host" yaml:"host"`
	Port               uint16 `toml:"port" yaml:"port"`
	Username           string `toml:"username" yaml:"username"`
	Password           string `toml:"password" yaml:"password"`
	Starttls           bool   `toml:"starttls" yaml:"starttls"`
	Tls                bool   `toml:"tls" yaml:"tls"`
	Validateservercert bool   `toml:"validateservercert" yaml:"validateservercert"`
	Auth               string `toml:"auth" yaml:"auth"`

	// Folders Patterns matching.
	// The format is:
	// /pattern/
	// !/pattern/
	RegexpPatterns []string `toml:"regexppatterns" yaml:"regexppatterns"`

	// Maildir options
	Maildir   string `toml:"maildir" yaml:"maildir"`
	InboxPath string `toml:"inboxpath" yaml:"inboxpath"`
	// "/" for nested directories, "." for Maildir++ style folders
	Separator string `toml:"separator" yaml:"separator"`

	// What to do when the server UIDVALIDITY of a mailbox changed: "fail"
	// or "resync".
	UIDValidityPolicy string `toml:"uidvaliditypolicy" yaml:"uidvaliditypolicy"`
}

// Duration is a time.Duration read from strings like "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func defaultAccountConfig() AccountConfig {
	return AccountConfig{
		Validateservercert: true,
		Auth:               AuthLogin,
		InboxPath:          "INBOX",
		Separator:          "/",
		UIDValidityPolicy:  PolicyFail,
	}
}

func defaultConfig() (*Config, error) {
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	return &Config{
		Metadatadir:     filepath.Join(u.HomeDir, ".gomailbackup"),
		LogLevel:        "info",
		DebugImap:       false,
		Concurrentsyncs: 1,
		SyncInterval:    Duration{10 * time.Minute},
	}, nil
}

// ParseConfig reads a TOML configuration file, or a YAML one when the file
// name ends in .yml or .yaml.
func ParseConfig(conffilepath string) (conf *Config, err error) {
	data, err := os.ReadFile(conffilepath)
	if err != nil {
		return nil, err
	}

	conf, err = defaultConfig()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(conffilepath)) {
	case ".yml", ".yaml":
		err = parseYAML(data, conf)
	default:
		err = parseTOML(data, conf)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %s", conffilepath, err)
	}

	for _, accountconf := range conf.Accounts {
		accountconf.Maildir = expandHome(accountconf.Maildir)
	}
	conf.Metadatadir = expandHome(conf.Metadatadir)
	return conf, nil
}

func parseTOML(data []byte, conf *Config) error {
	// Decode once to know how many accounts there are, prefill them with
	// the defaults and decode again on top of them.
	var raw struct {
		Accounts []map[string]interface{} `toml:"account"`
	}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return err
	}
	conf.Accounts = prefilledAccounts(len(raw.Accounts))

	md, err := toml.Decode(string(data), conf)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown configuration keys: %v", undecoded)
	}
	return nil
}

func parseYAML(data []byte, conf *Config) error {
	if err := yaml.UnmarshalStrict(data, conf); err != nil {
		return err
	}

	// yaml replaces slices instead of decoding into them, so every account
	// is decoded again on top of the defaults.
	var raw struct {
		Accounts []yaml.MapSlice `yaml:"account"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	conf.Accounts = prefilledAccounts(len(raw.Accounts))
	for i, item := range raw.Accounts {
		b, err := yaml.Marshal(item)
		if err != nil {
			return err
		}
		if err := yaml.UnmarshalStrict(b, conf.Accounts[i]); err != nil {
			return err
		}
	}
	return nil
}

func prefilledAccounts(n int) []*AccountConfig {
	accounts := make([]*AccountConfig, 0, n)
	for i := 0; i < n; i++ {
		accountconfig := defaultAccountConfig()
		accounts = append(accounts, &accountconfig)
	}
	return accounts
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	u, err := user.Current()
	if err != nil {
		return path
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(path, "~"))
}

func VerifyConfig(config *Config) (err error) {
	validloglevels := []string{"error", "warning", "info", "debug"}
	if !StringInSlice(config.LogLevel, validloglevels) {
		return fmt.Errorf("Wrong log level: \"%s\". Valid levels are: %s", config.LogLevel, validloglevels)
	}

	if config.Metadatadir == "" {
		return fmt.Errorf("metadatadir option is empty")
	}

	if config.SyncInterval.Duration < 0 {
		return fmt.Errorf("syncinterval must be positive.")
	}

	if len(config.Accounts) == 0 {
		return fmt.Errorf("No account defined")
	}

	names := make(map[string]bool)
	for _, accountconf := range config.Accounts {
		if err = VerifyAccountConfig(accountconf); err != nil {
			return err
		}
		if names[accountconf.Name] {
			return fmt.Errorf("Duplicate account name: \"%s\"", accountconf.Name)
		}
		names[accountconf.Name] = true
	}
	return nil
}

// VerifyAccountConfig checks a single account. An empty password is
// accepted: it's asked on the terminal.
func VerifyAccountConfig(config *AccountConfig) (err error) {
	if config.Name == "" {
		return fmt.Errorf("Account name is empty")
	}
	errprefix := fmt.Sprintf("[Account: %s] ", config.Name)

	if config.Host == "" {
		return fmt.Errorf(errprefix + "host option is empty")
	}
	if config.Username == "" {
		return fmt.Errorf(errprefix + "username option is empty")
	}
	if config.Tls && config.Starttls {
		return fmt.Errorf(errprefix + "Both tls and starttls enabled. Only one of them is permitted.")
	}

	validauths := []string{AuthLogin, AuthPlain, AuthSASLLogin}
	if !StringInSlice(config.Auth, validauths) {
		return fmt.Errorf(errprefix+"Wrong auth: \"%s\". Valid auths are: %s", config.Auth, validauths)
	}

	if config.Maildir == "" {
		return fmt.Errorf(errprefix + "maildir option is empty")
	}

	validseparators := []string{"/", "."}
	if !StringInSlice(config.Separator, validseparators) {
		return fmt.Errorf(errprefix+"Wrong separator: \"%s\". Valid separators are: %s", config.Separator, validseparators)
	}

	if config.InboxPath == "" {
		return fmt.Errorf(errprefix + "inboxpath option is empty")
	}

	validpolicies := []string{PolicyFail, PolicyResync}
	if !StringInSlice(config.UIDValidityPolicy, validpolicies) {
		return fmt.Errorf(errprefix+"Wrong uidvaliditypolicy: \"%s\". Valid policies are: %s", config.UIDValidityPolicy, validpolicies)
	}

	for _, pattern := range config.RegexpPatterns {
		if err := validatePattern(pattern); err != nil {
			return fmt.Errorf(errprefix+"Wrong pattern \"%s\": %s", pattern, err)
		}
	}
	return nil
}

// validatePattern checks the /re/ and !/re/ syntax. The patterns are
// compiled again by the mailsync package.
func validatePattern(pattern string) error {
	res := strings.TrimPrefix(pattern, "!")
	if !strings.HasPrefix(res, "/") || !strings.HasSuffix(res, "/") || len(res) < 2 {
		return fmt.Errorf("pattern must look like /re/ or !/re/")
	}
	_, err := regexp.Compile(res[1 : len(res)-1])
	return err
}

func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
