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
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/reactor"
)

// maxCompletionsPerEvent bounds the receive callbacks invoked for a single
// readiness event, so that one busy socket cannot monopolize the reactor.
const maxCompletionsPerEvent = 16

// receiveRequest is the single outstanding receive request. generation
// changes whenever a request is installed or cleared, which is how the
// receive loop detects that a callback installed a new request.
type receiveRequest struct {
	buffer     []byte
	filled     int
	partial    bool
	callback   ReceiveCallback
	generation uint64
}

func (s *Socket) installReceive(buffer []byte, partial bool, callback ReceiveCallback) {
	s.recv = receiveRequest{
		buffer:     buffer,
		partial:    partial,
		callback:   callback,
		generation: s.recv.generation + 1,
	}
}

func (s *Socket) clearReceive() {
	s.recv = receiveRequest{generation: s.recv.generation + 1}
}

func tcpReceive(s *Socket, buffer []byte, partial bool, callback ReceiveCallback) error {

	if len(buffer) == 0 || callback == nil {
		return newError(ErrorCodeInvalid, errors.TraceNew("missing buffer or callback"))
	}
	if s.errorHandler == nil {
		return newError(ErrorCodeInvalid, errors.TraceNew("receive requires an error handler"))
	}
	if s.state != StateConnected {
		return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}
	if s.inBlockingRecv && !s.inRecvLoop {
		return newError(ErrorCodeBusy, errors.TraceNew("blocking receive in progress"))
	}
	if s.recv.callback != nil && !s.inRecvLoop {
		// Only the request's own callback, once it is satisfied, may
		// replace it.
		return newError(ErrorCodeBusy, errors.TraceNew("receive already pending"))
	}

	s.installReceive(buffer, partial, callback)

	if s.inRecvLoop {
		// The receive loop continues with the new request. A CancelReceive
		// earlier in the same callback removed readable interest, which must
		// be restored for when the loop next would block.
		if s.tcp.recvRegistration == nil {
			return s.armReceive()
		}
		return nil
	}

	return s.armReceive()
}

// armReceive ensures readable interest for the installed request. Bytes
// already buffered within the transport will not cause the descriptor to
// become readable, so they are dispatched from a zero delay timer.
func (s *Socket) armReceive() error {

	t := s.tcp
	if t.recvDisplaced {
		return nil
	}

	if t.recvRegistration == nil {
		r, err := s.armDevice(reactor.Read, true, s.receiveReady)
		if err != nil {
			s.clearReceive()
			return newError(ErrorCodeGeneric, errors.Trace(err))
		}
		t.recvRegistration = r
	}

	if t.transport.pending() > 0 && t.recvPendingRegistration == nil {
		r, err := s.armTimer(0, s.receivePendingReady)
		if err != nil {
			return newError(ErrorCodeGeneric, errors.Trace(err))
		}
		t.recvPendingRegistration = r
	}

	return nil
}

func (s *Socket) disarmReceive() {
	t := s.tcp
	s.disarm(t.recvRegistration)
	t.recvRegistration = nil
	s.disarm(t.recvPendingRegistration)
	t.recvPendingRegistration = nil
}

// displaceReceive removes readable interest for the duration of a blocking
// operation.
func (s *Socket) displaceReceive() bool {
	t := s.tcp
	if t.recvRegistration == nil && t.recvPendingRegistration == nil {
		return false
	}
	s.disarmReceive()
	t.recvDisplaced = true
	return true
}

func (s *Socket) restoreReceive() {
	s.tcp.recvDisplaced = false
	if s.state != StateConnected || s.recv.callback == nil {
		return
	}
	err := s.armReceive()
	if err != nil {
		s.handleError(err)
	}
}

func (s *Socket) receivePendingReady() {
	s.tcp.recvPendingRegistration = nil
	s.receiveReady()
}

// receiveReady handles readable events from the reactor.
func (s *Socket) receiveReady() {
	err := s.fillReceive()
	if err != nil && Code(err) != ErrorCodeBusy {
		s.handleError(err)
	}
}

// fillReceive reads into the installed request, invoking its callback each
// time it is satisfied, until the transport would block, the request is
// cancelled, or the socket leaves StateConnected. Transport errors are
// returned. fillReceive is not reentrant; a nested call fails with
// ErrorCodeBusy.
func (s *Socket) fillReceive() error {

	if s.inRecvLoop {
		return newError(ErrorCodeBusy, errors.TraceNew("receive callback in progress"))
	}
	s.inRecvLoop = true
	defer func() {
		s.inRecvLoop = false
	}()

	t := s.tcp
	completions := 0

	for s.state == StateConnected && s.recv.callback != nil {

		if completions >= maxCompletionsPerEvent {
			if t.transport.pending() > 0 && t.recvPendingRegistration == nil && !t.recvDisplaced {
				r, err := s.armTimer(0, s.receivePendingReady)
				if err != nil {
					return newError(ErrorCodeGeneric, errors.Trace(err))
				}
				t.recvPendingRegistration = r
			}
			return nil
		}

		request := &s.recv
		n, err := t.transport.read(request.buffer[request.filled:])
		if err == errWouldBlock {
			return nil
		}
		if err != nil {
			return newError(transportErrorCode(err), err)
		}

		request.filled += n
		s.registry.addBytesReceived(n)

		if request.filled < len(request.buffer) && !request.partial {
			continue
		}

		completions++
		if !s.completeReceive() {
			return nil
		}
	}

	return nil
}

// completeReceive invokes the request callback and applies the post
// callback transition. It returns true when receiving should continue.
func (s *Socket) completeReceive() bool {

	request := s.recv
	request.callback(s, request.buffer, request.filled)

	switch {
	case s.state != StateConnected:
		// Closed, or callbacks cancelled, within the callback.
		return false
	case s.recv.callback == nil:
		// Cancelled within the callback.
		return false
	case s.recv.generation != request.generation:
		// A new request was installed within the callback.
		return true
	}

	// Otherwise the same request is re-armed, from the start of its buffer.
	s.recv.filled = 0
	return true
}

func tcpCancelReceive(s *Socket, cancelOnSend bool) (CancelledReceive, error) {

	if s.inBlockingRecv {
		return CancelledReceive{}, newError(
			ErrorCodeBusy, errors.TraceNew("blocking receive in progress"))
	}
	if !cancelOnSend && s.tcp.sendQueue.Length() > 0 {
		return CancelledReceive{}, newError(
			ErrorCodeInvalid, errors.TraceNew("sends pending"))
	}

	cancelled := CancelledReceive{
		Buffer:   s.recv.buffer,
		Filled:   s.recv.filled,
		Callback: s.recv.callback,
	}

	s.disarmReceive()
	s.clearReceive()

	return cancelled, nil
}
