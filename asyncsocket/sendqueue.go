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
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/reactor"
)

// sendBuffer is a send queue entry. submitted counts the bytes of buffer
// handed to the transport.
type sendBuffer struct {
	buffer    []byte
	submitted int
	callback  SendCallback
}

func transportErrorCode(err error) ErrorCode {
	if isRemoteDisconnect(err) {
		return ErrorCodeRemoteDisconnect
	}
	return ErrorCodeGeneric
}

func tcpSend(s *Socket, buffer []byte, callback SendCallback) error {

	if len(buffer) == 0 || callback == nil {
		return newError(ErrorCodeInvalid, errors.TraceNew("missing buffer or callback"))
	}
	if s.state != StateConnected {
		return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}

	t := s.tcp
	wasEmpty := t.sendQueue.Length() == 0
	t.sendQueue.Add(&sendBuffer{buffer: buffer, callback: callback})

	// When the queue was not empty, or is being written by a callback loop
	// or blocking operation, the new entry is picked up in turn.
	if !wasEmpty ||
		t.draining ||
		t.inBlockingSend ||
		t.sendDisplaced ||
		t.sendRegistration != nil ||
		t.sendTimerRegistration != nil {
		return nil
	}

	if t.sendLowLatency {
		return s.sendImmediately()
	}

	return s.armSendWritable()
}

// sendImmediately writes the sole queued buffer from the calling goroutine.
// The completion callback, and any write error, are always deferred to the
// reactor, so neither is delivered from within Send.
func (s *Socket) sendImmediately() error {

	t := s.tcp
	head := t.sendQueue.Peek().(*sendBuffer)

	n, err := t.transport.write(head.buffer)
	if n > 0 {
		head.submitted += n
		s.registry.addBytesSent(n)
	}
	if err != nil && err != errWouldBlock {
		// The buffer remains queued; its callback is invoked when the
		// socket is closed.
		sendErr := newError(transportErrorCode(err), err)
		r, err := s.armTimer(0, func() {
			s.tcp.sendTimerRegistration = nil
			if s.state == StateConnected {
				s.handleError(sendErr)
			}
		})
		if err != nil {
			return newError(ErrorCodeGeneric, errors.Trace(err))
		}
		t.sendTimerRegistration = r
		return nil
	}

	if head.submitted < len(head.buffer) {
		t.sendBufferFull = true
		return s.armSendWritable()
	}

	r, err := s.armTimer(0, s.sendTimerReady)
	if err != nil {
		return newError(ErrorCodeGeneric, errors.Trace(err))
	}
	t.sendTimerRegistration = r
	return nil
}

func (s *Socket) armSendWritable() error {
	t := s.tcp
	if t.sendRegistration != nil {
		return nil
	}
	r, err := s.armDevice(reactor.Write, true, s.sendReady)
	if err != nil {
		return newError(ErrorCodeGeneric, errors.Trace(err))
	}
	t.sendRegistration = r
	return nil
}

func (s *Socket) disarmSend() {
	t := s.tcp
	s.disarm(t.sendRegistration)
	t.sendRegistration = nil
	s.disarm(t.sendTimerRegistration)
	t.sendTimerRegistration = nil
}

func (s *Socket) sendTimerReady() {
	s.tcp.sendTimerRegistration = nil
	s.sendReady()
}

// sendReady handles send readiness from the reactor.
func (s *Socket) sendReady() {
	if s.state != StateConnected {
		s.disarmSend()
		return
	}
	err := s.drainSendQueue()
	if err != nil {
		s.handleError(err)
	}
}

// drainSendQueue writes queued buffers until the queue is empty or the
// transport would block, invoking each completion callback in order, and
// then updates the send readiness registration.
func (s *Socket) drainSendQueue() error {
	t := s.tcp
	wasDraining := t.draining
	t.draining = true
	err := s.writeSendQueue()
	t.draining = wasDraining
	if err != nil {
		return err
	}
	if s.state == StateConnected {
		return s.updateSendInterest()
	}
	return nil
}

// writeSendQueue performs the writes for drainSendQueue. A callback may
// close the socket, in which case the remaining entries are left to the
// close path.
func (s *Socket) writeSendQueue() error {

	t := s.tcp

	for t.sendQueue.Length() > 0 {

		head := t.sendQueue.Peek().(*sendBuffer)

		if head.submitted < len(head.buffer) {
			n, err := t.transport.write(head.buffer[head.submitted:])
			if n > 0 {
				head.submitted += n
				s.registry.addBytesSent(n)
			}
			if err == errWouldBlock {
				t.sendBufferFull = true
				return nil
			}
			if err != nil {
				return newError(transportErrorCode(err), err)
			}
			if head.submitted < len(head.buffer) {
				continue
			}
		}

		t.sendQueue.Remove()
		head.callback(s, head.buffer, head.submitted)

		if s.state != StateConnected {
			return nil
		}
	}

	err := t.transport.flush()
	if err == errWouldBlock {
		t.sendBufferFull = true
		return nil
	}
	if err != nil {
		return newError(transportErrorCode(err), err)
	}

	t.sendBufferFull = false
	return nil
}

// updateSendInterest arms send readiness while queued or transport
// buffered output remains, and disarms it otherwise.
func (s *Socket) updateSendInterest() error {
	t := s.tcp
	if t.draining || t.inBlockingSend || t.sendDisplaced {
		return nil
	}
	if t.sendQueue.Length() == 0 && !t.sendBufferFull {
		s.disarm(t.sendRegistration)
		t.sendRegistration = nil
		return nil
	}
	if t.sendTimerRegistration != nil {
		return nil
	}
	return s.armSendWritable()
}

// displaceSend removes send readiness interest for the duration of a
// blocking operation.
func (s *Socket) displaceSend() bool {
	t := s.tcp
	if t.sendRegistration == nil && t.sendTimerRegistration == nil {
		return false
	}
	s.disarmSend()
	t.sendDisplaced = true
	return true
}

func (s *Socket) restoreSend() {
	t := s.tcp
	t.sendDisplaced = false
	if s.state != StateConnected {
		return
	}
	err := s.updateSendInterest()
	if err != nil {
		s.handleError(err)
	}
}

// drainSendQueueForClose invokes the callback of every queued buffer, in
// order, with the number of bytes submitted so far.
func (s *Socket) drainSendQueueForClose() {
	t := s.tcp
	s.AddRef()
	defer s.Release()
	for t.sendQueue.Length() > 0 {
		head := t.sendQueue.Remove().(*sendBuffer)
		head.callback(s, head.buffer, head.submitted)
	}
	t.sendBufferFull = false
}

func tcpIsSendBufferFull(s *Socket) (bool, error) {
	if s.state != StateConnected {
		return false, newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}
	t := s.tcp
	return t.sendBufferFull && t.sendQueue.Length() > 0, nil
}

func tcpFlush(s *Socket, timeout time.Duration) error {

	if s.state != StateConnected {
		return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}

	t := s.tcp
	if t.inBlockingSend {
		return newError(ErrorCodeBusy, errors.TraceNew("blocking send in progress"))
	}

	deadline := deadlineFor(timeout)

	for {
		wasDraining := t.draining
		t.draining = true
		err := s.writeSendQueue()
		t.draining = wasDraining
		if err != nil {
			return err
		}
		if s.state != StateConnected {
			return newError(ErrorCodeClosed, errors.TraceNew("closed during flush"))
		}
		if t.sendQueue.Length() == 0 && !t.sendBufferFull {
			return s.updateSendInterest()
		}
		err = s.waitDevice(reactor.Write, deadline)
		if err != nil {
			s.updateSendInterest()
			return err
		}
		if s.state != StateConnected {
			return newError(ErrorCodeClosed, errors.TraceNew("closed during flush"))
		}
	}
}
