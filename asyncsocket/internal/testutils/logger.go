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

package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/stacktrace"
)

// TestLogger is a common.Logger that prints to stdout and records metrics
// and warning/error counts for inspection by tests.
type TestLogger struct {
	logLevelDebug int32
	component     string

	mutex    sync.Mutex
	metrics  map[string][]common.LogFields
	warnings int
	errors   int
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		metrics: make(map[string][]common.LogFields),
	}
}

func NewTestLoggerWithComponent(component string) *TestLogger {
	logger := NewTestLogger()
	logger.component = component
	return logger
}

func (logger *TestLogger) WithTrace() common.LogTrace {
	return &testLoggerTrace{
		logger: logger,
		trace:  stacktrace.GetParentFunctionName(),
	}
}

func (logger *TestLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return &testLoggerTrace{
		logger: logger,
		trace:  stacktrace.GetParentFunctionName(),
		fields: fields,
	}
}

func (logger *TestLogger) LogMetric(metric string, fields common.LogFields) {

	logger.mutex.Lock()
	logger.metrics[metric] = append(logger.metrics[metric], fields)
	logger.mutex.Unlock()

	jsonFields, _ := json.Marshal(fields)
	fmt.Printf(
		"[%s]%s METRIC: %s: %s\n",
		time.Now().UTC().Format(time.RFC3339),
		logger.componentPrefix(),
		metric,
		string(jsonFields))
}

// GetMetrics returns all fields logged for the named metric.
func (logger *TestLogger) GetMetrics(metric string) []common.LogFields {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	return append([]common.LogFields(nil), logger.metrics[metric]...)
}

// WarningCount returns the number of warnings logged.
func (logger *TestLogger) WarningCount() int {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	return logger.warnings
}

// ErrorCount returns the number of errors logged.
func (logger *TestLogger) ErrorCount() int {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	return logger.errors
}

func (logger *TestLogger) IsLogLevelDebug() bool {
	return atomic.LoadInt32(&logger.logLevelDebug) == 1
}

func (logger *TestLogger) SetLogLevelDebug(logLevelDebug bool) {
	value := int32(0)
	if logLevelDebug {
		value = 1
	}
	atomic.StoreInt32(&logger.logLevelDebug, value)
}

func (logger *TestLogger) componentPrefix() string {
	if len(logger.component) > 0 {
		return fmt.Sprintf("[%s]", logger.component)
	}
	return ""
}

type testLoggerTrace struct {
	logger *TestLogger
	trace  string
	fields common.LogFields
}

func (logger *testLoggerTrace) log(priority, message string) {
	now := time.Now().UTC().Format(time.RFC3339)
	component := logger.logger.componentPrefix()
	if len(logger.fields) == 0 {
		fmt.Printf(
			"[%s]%s %s: %s: %s\n",
			now, component, priority, logger.trace, message)
	} else {
		fields := common.LogFields{}
		for k, v := range logger.fields {
			switch v := v.(type) {
			case error:
				// Workaround for Go issue 5161: error types marshal to "{}"
				fields[k] = v.Error()
			default:
				fields[k] = v
			}
		}
		jsonFields, _ := json.Marshal(fields)
		fmt.Printf(
			"[%s]%s %s: %s: %s %s\n",
			now, component, priority, logger.trace, message, string(jsonFields))
	}
}

func (logger *testLoggerTrace) Debug(args ...interface{}) {
	if !logger.logger.IsLogLevelDebug() {
		return
	}
	logger.log("DEBUG", fmt.Sprint(args...))
}

func (logger *testLoggerTrace) Info(args ...interface{}) {
	logger.log("INFO", fmt.Sprint(args...))
}

func (logger *testLoggerTrace) Warning(args ...interface{}) {
	logger.logger.mutex.Lock()
	logger.logger.warnings++
	logger.logger.mutex.Unlock()
	logger.log("WARNING", fmt.Sprint(args...))
}

func (logger *testLoggerTrace) Error(args ...interface{}) {
	logger.logger.mutex.Lock()
	logger.logger.errors++
	logger.logger.mutex.Unlock()
	logger.log("ERROR", fmt.Sprint(args...))
}
