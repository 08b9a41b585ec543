// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging is the printf-style logger shared by the gsplat commands.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	logger   = newLogger(os.Stderr)
	exitFunc = os.Exit

	errorColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetOutput redirects log output. Colors are only used for terminals.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
	f, ok := w.(*os.File)
	color.NoColor = !ok || !isatty.IsTerminal(f.Fd())
}

// SetVerbose enables debug messages.
func SetVerbose(v bool) {
	if v {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// Logger exposes the underlying logrus logger for packages that log with fields.
func Logger() *logrus.Logger {
	return logger
}

func Debug(f string, a ...any) {
	logger.Debugf(f, a...)
}

func Info(f string, a ...any) {
	logger.Infof(f, a...)
}

func Warn(f string, a ...any) {
	logger.Warn(warnColor.Sprintf(f, a...))
}

func Error(f string, a ...any) {
	logger.Error(errorColor.Sprintf(f, a...))
}

// Fatal logs the message and exits with status 1.
func Fatal(f string, a ...any) {
	logger.Error(errorColor.Sprint(fmt.Sprintf(f, a...)))
	exitFunc(1)
}
