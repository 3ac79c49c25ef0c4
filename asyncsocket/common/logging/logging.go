/*
 * Copyright (c) 2025, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package logging provides a logrus-backed common.Logger.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the
// underlying logging packages.
type ContextLogger struct {
	*logrus.Logger
	component string
}

// NewContextLogger creates a ContextLogger writing JSON lines to writer at
// the given level. component, when not blank, is added to every log line.
func NewContextLogger(writer io.Writer, level logrus.Level, component string) *ContextLogger {
	return &ContextLogger{
		Logger: &logrus.Logger{
			Out:       writer,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
		component: component,
	}
}

// InitLogging creates a ContextLogger from a level name, such as "debug" or
// "warning", and an optional log file name. When logFilename is blank, logs
// are written to stderr.
func InitLogging(logLevel, logFilename, component string) (*ContextLogger, error) {

	if logLevel == "" {
		logLevel = "info"
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr

	if logFilename != "" {
		logWriter, err = os.OpenFile(
			logFilename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return NewContextLogger(logWriter, level, component), nil
}

// WithTrace adds a "trace" field containing the caller's function name
// and source file line number.
func (logger *ContextLogger) WithTrace() common.LogTrace {
	return logger.entry(stacktrace.GetParentFunctionName(), nil)
}

// WithTraceFields adds a "trace" field containing the caller's function name
// and source file line number. Any existing "trace" field is renamed to
// "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return logger.entry(stacktrace.GetParentFunctionName(), fields)
}

// LogMetric logs a metric event with the given fields at info level.
func (logger *ContextLogger) LogMetric(metric string, fields common.LogFields) {
	data := make(logrus.Fields, len(fields)+2)
	for name, value := range fields {
		data[name] = value
	}
	data["event_name"] = metric
	if logger.component != "" {
		data["component"] = logger.component
	}
	logger.WithFields(data).Info(customJSONFormatterMetric)
}

func (logger *ContextLogger) entry(trace string, fields common.LogFields) *logrus.Entry {
	data := make(logrus.Fields, len(fields)+2)
	for name, value := range fields {
		data[name] = value
	}
	if t, ok := data["trace"]; ok {
		data["fields.trace"] = t
	}
	data["trace"] = trace
	if logger.component != "" {
		data["component"] = logger.component
	}
	return logger.WithFields(data)
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter.
//
// The changes are:
// - "time" is renamed to "timestamp"
// - metric lines omit the standard "msg" and "level" fields
type CustomJSONFormatter struct {
}

const customJSONFormatterMetric = "CustomJSONFormatter.Metric"

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			// https://github.com/Sirupsen/logrus/issues/137
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if entry.Message != customJSONFormatterMetric {

		if m, ok := data["msg"]; ok {
			data["fields.msg"] = m
		}

		if l, ok := data["level"]; ok {
			data["fields.level"] = l
		}

		data["msg"] = entry.Message
		data["level"] = entry.Level.String()
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Tracef("failed to marshal fields to JSON: %v", err)
	}

	return append(serialized, '\n'), nil
}
