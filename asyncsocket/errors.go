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

package asyncsocket

import (
	"fmt"
	"syscall"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
)

// ErrorCode is the error vocabulary reported by socket operations and
// delivered to error handlers.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = iota

	// ErrorCodeGeneric is an operating system error; the errno is
	// available via OSErrorCode or Socket.GetGenericErrno.
	ErrorCodeGeneric

	ErrorCodeInvalid
	ErrorCodeConnect
	ErrorCodeNotConnected
	ErrorCodeBusy
	ErrorCodeBind
	ErrorCodeBindAddressInUse
	ErrorCodeListen
	ErrorCodeAccept
	ErrorCodeRemoteDisconnect
	ErrorCodeTimeout
	ErrorCodeClosed
	ErrorCodeHandshake
)

func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeSuccess:
		return "success"
	case ErrorCodeGeneric:
		return "generic"
	case ErrorCodeInvalid:
		return "invalid"
	case ErrorCodeConnect:
		return "connect"
	case ErrorCodeNotConnected:
		return "not connected"
	case ErrorCodeBusy:
		return "busy"
	case ErrorCodeBind:
		return "bind"
	case ErrorCodeBindAddressInUse:
		return "bind address in use"
	case ErrorCodeListen:
		return "listen"
	case ErrorCodeAccept:
		return "accept"
	case ErrorCodeRemoteDisconnect:
		return "remote disconnect"
	case ErrorCodeTimeout:
		return "timeout"
	case ErrorCodeClosed:
		return "closed"
	case ErrorCodeHandshake:
		return "handshake"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(code))
}

// Error is the concrete error type returned by socket operations.
//
// Errors match the ErrXXX sentinels, by code, with errors.Is.
type Error struct {
	Code  ErrorCode
	Errno syscall.Errno
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.cause == nil && t.Code == e.Code
}

var (
	ErrGeneric          = &Error{Code: ErrorCodeGeneric}
	ErrInvalid          = &Error{Code: ErrorCodeInvalid}
	ErrConnect          = &Error{Code: ErrorCodeConnect}
	ErrNotConnected     = &Error{Code: ErrorCodeNotConnected}
	ErrBusy             = &Error{Code: ErrorCodeBusy}
	ErrBind             = &Error{Code: ErrorCodeBind}
	ErrBindAddressInUse = &Error{Code: ErrorCodeBindAddressInUse}
	ErrListen           = &Error{Code: ErrorCodeListen}
	ErrAccept           = &Error{Code: ErrorCodeAccept}
	ErrRemoteDisconnect = &Error{Code: ErrorCodeRemoteDisconnect}
	ErrTimeout          = &Error{Code: ErrorCodeTimeout}
	ErrClosed           = &Error{Code: ErrorCodeClosed}
	ErrHandshake        = &Error{Code: ErrorCodeHandshake}
)

// newError returns an *Error with the given code, wrapped with the stack
// frame of the function that called newError. The errno of an operating
// system cause is retained.
func newError(code ErrorCode, cause error) error {
	e := &Error{Code: code, cause: cause}
	var errno syscall.Errno
	if cause != nil && errors.As(cause, &errno) {
		e.Errno = errno
	}
	return errors.TraceCaller(e)
}

// Code returns the ErrorCode of err. nil is ErrorCodeSuccess and errors not
// originating in this package are ErrorCodeGeneric.
func Code(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorCodeGeneric
}

// OSErrorCode returns the operating system errno underlying err, or 0.
func OSErrorCode(err error) syscall.Errno {
	var e *Error
	if errors.As(err, &e) && e.Errno != 0 {
		return e.Errno
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
