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
	"golang.org/x/sys/unix"
)

// deadlineFor converts a timeout to an absolute deadline. A negative
// timeout is no deadline, represented by the zero time.
func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

var errWoken = errors.New("wait interrupted")

// pollDescriptor waits until fd is ready for events, wakeFd is readable, or
// the deadline passes. Interrupted polls are resumed with the remaining
// time. Readiness includes error and hangup conditions, which the caller
// discovers on its next read or write.
func pollDescriptor(fd int, events int16, wakeFd int, deadline time.Time) error {
	for {
		timeout := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return newError(ErrorCodeTimeout, errors.TraceNew("deadline exceeded"))
			}
			// Round up so the poll does not return just short of the
			// deadline.
			timeout = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		pollFds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		if wakeFd != -1 {
			pollFds = append(pollFds, unix.PollFd{Fd: int32(wakeFd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(pollFds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return newError(ErrorCodeGeneric, errors.Trace(err))
		}
		if n == 0 {
			continue
		}
		if len(pollFds) > 1 && pollFds[1].Revents != 0 {
			return errWoken
		}
		return nil
	}
}

// waitDevice blocks until the descriptor is ready for direction or the
// deadline passes. The socket lock is released while waiting, so other
// goroutines, including the reactor, may operate on the socket; callers
// must re-check state after waitDevice returns.
func (s *Socket) waitDevice(direction reactor.Direction, deadline time.Time) error {

	t := s.tcp
	if t.fd == -1 {
		return newError(ErrorCodeClosed, errors.TraceNew("no descriptor"))
	}

	wakeFd, err := t.ensureWakePipe()
	if err != nil {
		return newError(ErrorCodeGeneric, errors.Trace(err))
	}

	events := int16(unix.POLLIN)
	if direction == reactor.Write {
		events = unix.POLLOUT
	}

	s.AddRef()
	defer s.Release()

	t.blockingWaiters++
	fd := t.fd
	depth := s.suspendLock()

	err = pollDescriptor(fd, events, wakeFd, deadline)

	s.resumeLock(depth)
	t.blockingWaiters--
	t.finishDeferredClose()

	if s.state == StateClosed || err == errWoken {
		return newError(ErrorCodeClosed, errors.TraceNew("closed while waiting"))
	}
	return err
}

func tcpRecvBlocking(
	s *Socket, buffer []byte, partial bool, timeout time.Duration) (int, error) {

	if len(buffer) == 0 {
		return 0, newError(ErrorCodeInvalid, errors.TraceNew("empty buffer"))
	}
	if s.state != StateConnected {
		return 0, newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}
	if s.inBlockingRecv {
		return 0, newError(ErrorCodeBusy, errors.TraceNew("blocking receive in progress"))
	}
	if s.recv.callback != nil && !s.inRecvLoop {
		return 0, newError(ErrorCodeInvalid, errors.TraceNew("asynchronous receive pending"))
	}

	deadline := deadlineFor(timeout)
	t := s.tcp

	s.inBlockingRecv = true
	displaced := s.displaceReceive()
	defer func() {
		s.inBlockingRecv = false
		if displaced {
			s.restoreReceive()
		}
	}()

	filled := 0
	for filled < len(buffer) {
		n, err := t.transport.read(buffer[filled:])
		if err == errWouldBlock {
			if partial && filled > 0 {
				break
			}
			err = s.waitDevice(reactor.Read, deadline)
			if err != nil {
				return filled, err
			}
			if s.state != StateConnected {
				return filled, newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
			}
			continue
		}
		if err != nil {
			return filled, newError(transportErrorCode(err), err)
		}
		filled += n
		s.registry.addBytesReceived(n)
		if partial {
			break
		}
	}

	return filled, nil
}

func tcpSendBlocking(s *Socket, buffer []byte, timeout time.Duration) (int, error) {

	if len(buffer) == 0 {
		return 0, newError(ErrorCodeInvalid, errors.TraceNew("empty buffer"))
	}
	if s.state != StateConnected {
		return 0, newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}

	t := s.tcp
	if t.inBlockingSend {
		return 0, newError(ErrorCodeBusy, errors.TraceNew("blocking send in progress"))
	}
	if t.sendQueue.Length() > 0 && !t.draining {
		return 0, newError(ErrorCodeInvalid, errors.TraceNew("asynchronous send pending"))
	}

	deadline := deadlineFor(timeout)

	t.inBlockingSend = true
	displaced := s.displaceSend()
	defer func() {
		t.inBlockingSend = false
		if displaced {
			s.restoreSend()
		}
	}()

	wait := func() error {
		err := s.waitDevice(reactor.Write, deadline)
		if err != nil {
			return err
		}
		if s.state != StateConnected {
			return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
		}
		return nil
	}

	sent := 0
	for sent < len(buffer) {
		n, err := t.transport.write(buffer[sent:])
		if n > 0 {
			sent += n
			s.registry.addBytesSent(n)
		}
		if err == errWouldBlock {
			err = wait()
			if err != nil {
				return sent, err
			}
			continue
		}
		if err != nil {
			return sent, newError(transportErrorCode(err), err)
		}
	}

	for {
		err := t.transport.flush()
		if err == nil {
			break
		}
		if err != errWouldBlock {
			return sent, newError(transportErrorCode(err), err)
		}
		err = wait()
		if err != nil {
			return sent, err
		}
	}

	return sent, nil
}

func tcpWaitForConnection(s *Socket, timeout time.Duration) error {

	deadline := deadlineFor(timeout)
	t := s.tcp

	switch s.state {

	case StateConnected:
		return nil

	case StateListening:
		for {
			accepted, err := s.acceptOnce()
			if err != nil {
				return err
			}
			if accepted {
				return nil
			}
			err = s.waitDevice(reactor.Read, deadline)
			if err != nil {
				return err
			}
			if s.state != StateListening {
				return newError(ErrorCodeClosed, errors.TraceNew("listener closed"))
			}
		}

	case StateConnecting:
		for s.state == StateConnecting {

			if op := t.operation; op != nil {
				err := s.waitOperation(op, deadline)
				if err != nil {
					return err
				}
				s.finishOperation(op)
				continue
			}

			if t.connectRegistration == nil {
				// The connect attempt failed and was reported to the
				// error handler, which left the socket open.
				break
			}

			err := s.waitDevice(reactor.Write, deadline)
			if err != nil {
				return err
			}
			if s.state != StateConnecting {
				break
			}
			s.disarm(t.connectRegistration)
			t.connectRegistration = nil
			s.completeConnect()
		}
		if s.state == StateConnected {
			return nil
		}
		return newError(ErrorCodeConnect, errors.Tracef("connection failed: state %s", s.state))
	}

	return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
}

// waitOperation waits, with the socket lock released, for a sub-operation
// goroutine to finish.
func (s *Socket) waitOperation(op *asyncOperation, deadline time.Time) error {

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	s.AddRef()
	defer s.Release()

	depth := s.suspendLock()
	var err error
	select {
	case <-op.done:
	case <-expired:
		err = newError(ErrorCodeTimeout, errors.Tracef("%s deadline exceeded", op.name))
	}
	s.resumeLock(depth)

	return err
}

func tcpDoOneMsg(s *Socket, read bool, timeout time.Duration) error {

	if s.state != StateConnected {
		return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}

	deadline := deadlineFor(timeout)
	t := s.tcp

	if read {
		if s.recv.callback == nil {
			return newError(ErrorCodeInvalid, errors.TraceNew("no receive request"))
		}
		if s.inRecvLoop || s.inBlockingRecv {
			return newError(ErrorCodeBusy, errors.TraceNew("receive in progress"))
		}
		displaced := s.displaceReceive()
		defer func() {
			if displaced {
				s.restoreReceive()
			}
		}()
		if t.transport.pending() == 0 {
			err := s.waitDevice(reactor.Read, deadline)
			if err != nil {
				return err
			}
			if s.state != StateConnected {
				return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
			}
		}
		return s.fillReceive()
	}

	if t.sendQueue.Length() == 0 && !t.sendBufferFull {
		return nil
	}
	if t.inBlockingSend || t.draining {
		return newError(ErrorCodeBusy, errors.TraceNew("send in progress"))
	}
	displaced := s.displaceSend()
	defer func() {
		if displaced {
			s.restoreSend()
		}
	}()
	err := s.waitDevice(reactor.Write, deadline)
	if err != nil {
		return err
	}
	if s.state != StateConnected {
		return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}
	return s.drainSendQueue()
}
