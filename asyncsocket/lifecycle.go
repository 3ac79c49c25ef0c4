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
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
)

func tcpClose(s *Socket) error {

	t := s.tcp

	switch s.state {

	case StateClosed:
		return newError(ErrorCodeClosed, errors.TraceNew("already closed"))

	case StateListening:
		s.disarm(t.acceptRegistration)
		t.acceptRegistration = nil

	case StateConnecting:
		s.cancelConnect()

	case StateConnected:
		if timeout := s.flushOnCloseTimeout; timeout > 0 && t.sendQueue.Length() > 0 {
			// Flush at most once, even if Close is reentered from a
			// callback or error handler during the flush.
			s.flushOnCloseTimeout = 0
			err := tcpFlush(s, timeout)
			if err != nil {
				s.logger.WithTraceFields(s.logFields()).Warning(
					"flush on close failed: ", err)
			}
			if s.state == StateClosed {
				return nil
			}
		}
		if s.state == StateConnected {
			tcpCancelCallbacksForClose(s)
		}
		if s.state == StateClosed {
			// Closed by a send callback invoked from the drain.
			return nil
		}
	}

	s.disarmReceive()
	s.disarmSend()
	s.clearReceive()

	if t.transport != nil && t.fd != -1 && t.blockingWaiters == 0 {
		t.transport.shutdown()
	}

	s.state = StateClosed
	t.closeDescriptor()

	s.registry.socketClosed(s)

	if callback := s.closeCallback; callback != nil {
		s.closeCallback = nil
		callback(s)
	}

	s.releaseCreationReference()
	return nil
}

func tcpCancelCallbacksForClose(s *Socket) error {

	switch s.state {
	case StateCallbacksCancelled, StateClosed:
		return nil
	case StateConnected:
	default:
		return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}

	s.state = StateCallbacksCancelled

	s.disarmReceive()
	s.clearReceive()
	s.disarmSend()
	s.drainSendQueueForClose()

	return nil
}

// cancelConnect stops a connect in progress: its readiness registrations,
// timers, and any sub-operation goroutine.
func (s *Socket) cancelConnect() {
	t := s.tcp
	s.cancelConnectRegistrations()
	if op := t.operation; op != nil {
		op.cancel()
		// The operation's completion is still delivered, to release its
		// resources, but it is ignored.
		t.wake()
	}
}

func (s *Socket) cancelConnectRegistrations() {
	t := s.tcp
	s.disarm(t.connectRegistration)
	t.connectRegistration = nil
	s.disarm(t.connectCheckRegistration)
	t.connectCheckRegistration = nil
	s.disarm(t.connectTimeoutRegistration)
	t.connectTimeoutRegistration = nil
}
