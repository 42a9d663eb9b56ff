// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package rstripepkg

import (
	"io"
	"io/ioutil"
	"os"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

var loggerLogFile *os.File

func initializeLogger() (err error) {
	var (
		writers []io.Writer
	)

	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
	})
	logger.SetLevel(logrus.TraceLevel)

	writers = make([]io.Writer, 0, 2)

	if "" != globals.config.LogFilePath {
		loggerLogFile, err = os.OpenFile(globals.config.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if nil != err {
			return
		}
		writers = append(writers, loggerLogFile)
	}
	if globals.config.LogToConsole {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(ioutil.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	err = nil
	return
}

func uninitializeLogger() {
	if nil != loggerLogFile {
		_ = loggerLogFile.Close()
		loggerLogFile = nil
	}
	logger = nil
}

func logFatal(err error) {
	logger.Fatalf("%v", err)
}

func logFatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

func logError(err error) {
	logger.Errorf("%v", err)
}

func logErrorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

func logWarn(err error) {
	logger.Warnf("%v", err)
}

func logWarnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func logInfo(err error) {
	logger.Infof("%v", err)
}

func logInfof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func logTrace(err error) {
	if globals.config.TraceEnabled {
		logger.Tracef("%v", err)
	}
}

func logTracef(format string, args ...interface{}) {
	if globals.config.TraceEnabled {
		logger.Tracef(format, args...)
	}
}
