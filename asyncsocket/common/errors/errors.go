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

/*

Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages.

The standard library Is/As/New helpers are re-exported so that callers need
only one errors import.

*/
package errors

import (
	std_errors "errors"
	"fmt"
	"runtime"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/stacktrace"
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	return traceAt(2, std_errors.New(message))
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	return traceAt(2, fmt.Errorf(format, args...))
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return traceAt(2, err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %s: %w", stacktrace.GetFunctionName(pc), line, message, err)
}

// TraceCaller wraps err with the stack frame of the caller's caller. It is
// for helpers that construct errors on behalf of the function that invoked
// them.
func TraceCaller(err error) error {
	if err == nil {
		return nil
	}
	return traceAt(3, err)
}

func traceAt(skip int, err error) error {
	pc, _, line, _ := runtime.Caller(skip)
	return fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, err)
}

// New is errors.New.
func New(message string) error {
	return std_errors.New(message)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return std_errors.Is(err, target)
}

// As is errors.As.
func As(err error, target interface{}) bool {
	return std_errors.As(err, target)
}
