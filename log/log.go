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

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	outputMu sync.RWMutex
	output   io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
)

// SetOutput redirects every logger created afterwards to w.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

type Logger struct {
	zl zerolog.Logger
}

func GetLogger(prefix string, loglevel string) *Logger {
	level, err := LogLevelToPriority(loglevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	outputMu.RLock()
	w := output
	outputMu.RUnlock()

	zl := zerolog.New(w).Level(level).With().Timestamp().Str("prefix", prefix).Logger()
	return &Logger{zl: zl}
}

func (l *Logger) Debug(v ...interface{})                   { l.zl.Debug().Msg(fmt.Sprint(v...)) }
func (l *Logger) Debugf(format string, v ...interface{})   { l.zl.Debug().Msgf(format, v...) }
func (l *Logger) Info(v ...interface{})                    { l.zl.Info().Msg(fmt.Sprint(v...)) }
func (l *Logger) Infof(format string, v ...interface{})    { l.zl.Info().Msgf(format, v...) }
func (l *Logger) Warning(v ...interface{})                 { l.zl.Warn().Msg(fmt.Sprint(v...)) }
func (l *Logger) Warningf(format string, v ...interface{}) { l.zl.Warn().Msgf(format, v...) }
func (l *Logger) Error(v ...interface{})                   { l.zl.Error().Msg(fmt.Sprint(v...)) }
func (l *Logger) Errorf(format string, v ...interface{})   { l.zl.Error().Msgf(format, v...) }

// Println and Printf always log, whatever the level.
func (l *Logger) Println(v ...interface{}) {
	l.zl.Log().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l *Logger) Printf(format string, v ...interface{}) {
	l.zl.Log().Msgf(format, v...)
}

var (
	LogLevelMap = map[string]zerolog.Level{
		"error":   zerolog.ErrorLevel,
		"warning": zerolog.WarnLevel,
		"info":    zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
	}
)

func LogLevelToPriority(loglevel string) (zerolog.Level, error) {
	if l, ok := LogLevelMap[loglevel]; ok {
		return l, nil
	}
	err := fmt.Errorf("Wrong log level: %s", loglevel)
	return zerolog.NoLevel, err
}
