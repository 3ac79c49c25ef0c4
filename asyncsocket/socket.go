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
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/parameters"
)

// State is the lifecycle state of a socket.
type State int

const (
	StateListening State = iota
	StateConnecting
	StateConnected
	StateCallbacksCancelled
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateCallbacksCancelled:
		return "callbacks-cancelled"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(state))
}

// SendCallback is invoked, in submission order, for each buffer passed to
// Send. sent is len(buffer) on completion, or the number of bytes handed
// to the transport when the send was abandoned by Close.
type SendCallback func(s *Socket, buffer []byte, sent int)

// ReceiveCallback is invoked when a receive request is satisfied. The valid
// data is buffer[:filled].
type ReceiveCallback func(s *Socket, buffer []byte, filled int)

// ErrorHandler receives asynchronous errors. Without an ErrorHandler, a
// socket closes itself on error.
type ErrorHandler func(s *Socket, err error)

// ConnectCallback is invoked when an outgoing connection, or a TLS upgrade,
// is established. Failures are reported to the ErrorHandler instead.
type ConnectCallback func(s *Socket)

// AcceptCallback is invoked with each connection accepted by a listener.
// The callee owns the creation reference of the new socket and must
// eventually Close it.
type AcceptCallback func(s *Socket)

// CloseCallback is invoked once, when the socket is closed.
type CloseCallback func(s *Socket)

// Socket is an asynchronous stream socket.
//
// Sockets are reference counted. Creation returns a socket holding one
// reference, which is dropped by Close. Pending callbacks, and every
// operation in progress, hold their own references, so a socket remains
// valid for the duration of any callback.
//
// When a socket has a Lock, callers must hold it when invoking socket
// operations; callbacks are always invoked with it held by the reactor
// goroutine. Sockets without a Lock must be used only from the goroutine
// running the reactor.
type Socket struct {
	id           uint64
	refCount     int32
	registry     *Registry
	lock         *Lock
	adapter      reactorAdapter
	capabilities *capabilities
	logger       common.Logger
	params       parameters.ParametersAccessor
	createdAt    time.Time

	state               State
	creationReleased    bool
	destroyed           bool
	errorHandler        ErrorHandler
	closeCallback       CloseCallback
	flushOnCloseTimeout time.Duration
	genericErrno        syscall.Errno

	recv           receiveRequest
	inRecvLoop     bool
	inBlockingRecv bool

	tcp *tcpSocket
}

// ID returns the socket's unique identifier.
func (s *Socket) ID() uint64 {
	return s.id
}

// AddRef adds a reference to the socket.
func (s *Socket) AddRef() {
	atomic.AddInt32(&s.refCount, 1)
}

// tryAddRef adds a reference unless the count has already reached zero, in
// which case the socket is being destroyed and must not be revived.
func (s *Socket) tryAddRef() bool {
	for {
		count := atomic.LoadInt32(&s.refCount)
		if count <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.refCount, count, count+1) {
			return true
		}
	}
}

// Release drops a reference. When the last reference is dropped, the
// socket is destroyed.
func (s *Socket) Release() {
	count := atomic.AddInt32(&s.refCount, -1)
	if count > 0 {
		return
	}
	if count < 0 {
		s.logger.WithTraceFields(
			common.LogFields{"socketID": s.id}).Error("reference count underflow")
		return
	}
	s.destroy()
}

func (s *Socket) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.capabilities.destroy != nil {
		s.capabilities.destroy(s)
	}
	s.state = StateClosed
	s.registry.remove(s)
}

// Lock acquires the socket's Lock, if any, and pins a reference which is
// dropped by Unlock.
func (s *Socket) Lock() {
	s.AddRef()
	if s.lock != nil {
		s.lock.Lock()
	}
}

// Unlock releases the socket's Lock and the reference pinned by Lock. The
// socket may be destroyed by Unlock.
func (s *Socket) Unlock() {
	if s.lock != nil {
		s.lock.Unlock()
	}
	s.Release()
}

func (s *Socket) lockForCallback() {
	if s.lock != nil {
		s.lock.Lock()
	}
}

func (s *Socket) unlockForCallback() {
	if s.lock != nil {
		s.lock.Unlock()
	}
}

// suspendLock fully releases the Lock held by the calling goroutine while a
// blocking operation waits. The returned depth is passed to resumeLock.
func (s *Socket) suspendLock() int {
	if s.lock == nil {
		return 0
	}
	return s.lock.suspend()
}

func (s *Socket) resumeLock(depth int) {
	if s.lock != nil {
		s.lock.resume(depth)
	}
}

func (s *Socket) assertLocked() {
	if s.lock != nil && !s.lock.IsHeld() {
		panic("asyncsocket: socket operation invoked without holding its lock")
	}
}

// Supports reports whether the socket's backend implements op.
func (s *Socket) Supports(op Operation) bool {
	return s != nil && s.capabilities.supports(op)
}

// enter performs the checks common to all operations and pins a reference
// for the duration of the operation. The caller must Release when enter
// succeeds.
func (s *Socket) enter(op Operation) error {
	if s == nil {
		return newError(ErrorCodeInvalid, errors.TraceNew("nil socket"))
	}
	if !s.capabilities.supports(op) {
		return newError(
			ErrorCodeInvalid,
			errors.Tracef("operation %d unsupported by %s socket", op, s.capabilities.name))
	}
	s.assertLocked()
	s.AddRef()
	return nil
}

// GetState returns the socket's lifecycle state.
func (s *Socket) GetState() State {
	s.assertLocked()
	return s.state
}

// GetGenericErrno returns the errno of the most recent operating system
// error reported by the socket.
func (s *Socket) GetGenericErrno() syscall.Errno {
	return s.genericErrno
}

// SetErrorHandler sets the handler for asynchronous errors. A nil handler
// restores the default, which closes the socket on error.
func (s *Socket) SetErrorHandler(handler ErrorHandler) error {
	if s == nil {
		return newError(ErrorCodeInvalid, errors.TraceNew("nil socket"))
	}
	s.assertLocked()
	s.errorHandler = handler
	return nil
}

// SetCloseOptions configures Close. A positive flushTimeout causes Close to
// first flush queued sends, waiting up to flushTimeout. closeCallback, when
// not nil, is invoked once the socket is closed.
func (s *Socket) SetCloseOptions(flushTimeout time.Duration, closeCallback CloseCallback) error {
	if s == nil {
		return newError(ErrorCodeInvalid, errors.TraceNew("nil socket"))
	}
	s.assertLocked()
	s.flushOnCloseTimeout = flushTimeout
	s.closeCallback = closeCallback
	return nil
}

// handleError reports an asynchronous error to the error handler or, when
// there is none, closes the socket.
func (s *Socket) handleError(err error) {
	s.AddRef()
	defer s.Release()
	if errno := OSErrorCode(err); errno != 0 {
		s.genericErrno = errno
	}
	s.registry.logSocketError(s, err)
	if s.errorHandler != nil {
		s.errorHandler(s, err)
		return
	}
	if s.state != StateClosed {
		s.capabilities.close(s)
	}
}

// releaseCreationReference drops the reference returned by the socket
// constructor. It is called exactly once, by Close.
func (s *Socket) releaseCreationReference() {
	if s.creationReleased {
		return
	}
	s.creationReleased = true
	s.Release()
}

// Send queues buffer for transmission. callback is invoked, in submission
// order, when buffer has been handed to the transport or abandoned by
// Close. buffer must not be modified until then.
func (s *Socket) Send(buffer []byte, callback SendCallback) error {
	if err := s.enter(OperationSend); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.send(s, buffer, callback)
}

// Receive installs a receive request for exactly len(buffer) bytes. A
// pending request must first be cancelled, except from within its own
// callback, where Receive replaces it. After callback returns, the request is
// automatically re-armed, from the start of buffer, unless the callback
// installed a new request, cancelled receives, or closed the socket.
//
// An ErrorHandler must be set before calling Receive.
func (s *Socket) Receive(buffer []byte, callback ReceiveCallback) error {
	if err := s.enter(OperationReceive); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.receive(s, buffer, false, callback)
}

// ReceivePartial is Receive, except that callback fires as soon as any data
// is available.
func (s *Socket) ReceivePartial(buffer []byte, callback ReceiveCallback) error {
	if err := s.enter(OperationReceive); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.receive(s, buffer, true, callback)
}

// CancelledReceive describes the receive request removed by CancelReceive.
type CancelledReceive struct {
	Buffer   []byte
	Filled   int
	Callback ReceiveCallback
}

// CancelReceive removes the current receive request. Unless cancelOnSend is
// set, CancelReceive fails when sends are pending.
func (s *Socket) CancelReceive(cancelOnSend bool) (CancelledReceive, error) {
	if err := s.enter(OperationCancelReceive); err != nil {
		return CancelledReceive{}, err
	}
	defer s.Release()
	return s.capabilities.cancelReceive(s, cancelOnSend)
}

// SendBlocking writes all of buffer, blocking for up to timeout. A negative
// timeout waits indefinitely. The number of bytes written is returned
// along with any error.
func (s *Socket) SendBlocking(buffer []byte, timeout time.Duration) (int, error) {
	if err := s.enter(OperationSendBlocking); err != nil {
		return 0, err
	}
	defer s.Release()
	return s.capabilities.sendBlocking(s, buffer, timeout)
}

// RecvBlocking reads into buffer, blocking for up to timeout. When partial
// is set, RecvBlocking returns as soon as any data is read; otherwise it
// fills buffer. A negative timeout waits indefinitely.
func (s *Socket) RecvBlocking(buffer []byte, partial bool, timeout time.Duration) (int, error) {
	if err := s.enter(OperationRecvBlocking); err != nil {
		return 0, err
	}
	defer s.Release()
	return s.capabilities.recvBlocking(s, buffer, partial, timeout)
}

// Flush writes all queued sends, blocking for up to timeout.
func (s *Socket) Flush(timeout time.Duration) error {
	if err := s.enter(OperationFlush); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.flush(s, timeout)
}

// IsSendBufferFull reports whether queued sends are waiting for the
// transport to accept more data.
func (s *Socket) IsSendBufferFull() (bool, error) {
	if err := s.enter(OperationIsSendBufferFull); err != nil {
		return false, err
	}
	defer s.Release()
	return s.capabilities.isSendBufferFull(s)
}

// Close closes the socket and drops the creation reference. Pending send
// callbacks are invoked, with the number of bytes sent, before Close
// returns. Closing a closed socket fails with ErrorCodeClosed.
func (s *Socket) Close() error {
	if err := s.enter(OperationClose); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.close(s)
}

// CancelCallbacksForClose cancels receives and completes pending sends, as
// Close does, without closing the socket. No further callbacks are invoked
// except for the remaining pending send callbacks, which are invoked
// before CancelCallbacksForClose returns.
func (s *Socket) CancelCallbacksForClose() error {
	if err := s.enter(OperationCancelCallbacksForClose); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.cancelCallbacksForClose(s)
}

// WaitForConnection blocks, for up to timeout, until a connecting socket is
// connected or a listening socket accepts a connection.
func (s *Socket) WaitForConnection(timeout time.Duration) error {
	if err := s.enter(OperationWaitForConnection); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.waitForConnection(s, timeout)
}

// DoOneMsg blocks, for up to timeout, until one readiness event is
// processed for the pending receive request, when read is set, or for the
// send queue.
func (s *Socket) DoOneMsg(read bool, timeout time.Duration) error {
	if err := s.enter(OperationDoOneMsg); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.doOneMsg(s, read, timeout)
}

// SetOption sets a socket option.
func (s *Socket) SetOption(option Option, value int) error {
	if err := s.enter(OperationSetOption); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.setOption(s, option, value)
}

// GetOption returns the value of a socket option.
func (s *Socket) GetOption(option Option) (int, error) {
	if err := s.enter(OperationGetOption); err != nil {
		return 0, err
	}
	defer s.Release()
	return s.capabilities.getOption(s, option)
}

// RemoteAddr returns the address of the peer.
func (s *Socket) RemoteAddr() (net.Addr, error) {
	if err := s.enter(OperationRemoteAddr); err != nil {
		return nil, err
	}
	defer s.Release()
	return s.capabilities.remoteAddr(s)
}

// LocalAddr returns the local address of the socket.
func (s *Socket) LocalAddr() (net.Addr, error) {
	if err := s.enter(OperationLocalAddr); err != nil {
		return nil, err
	}
	defer s.Release()
	return s.capabilities.localAddr(s)
}

// Port returns the local port of the socket.
func (s *Socket) Port() (int, error) {
	addr, err := s.LocalAddr()
	if err != nil {
		return 0, err
	}
	return common.PortFromAddr(addr), nil
}

// StartTLS upgrades a connected socket to TLS. A config with a
// CertificatePEM selects the server role. callback is invoked when the
// handshake completes; while it is in progress the socket is in
// StateConnecting. Sends and receives must not be pending.
func (s *Socket) StartTLS(config *TLSConfig, callback ConnectCallback) error {
	if err := s.enter(OperationStartTLS); err != nil {
		return err
	}
	defer s.Release()
	return s.capabilities.startTLS(s, config, callback)
}

func (s *Socket) logFields() common.LogFields {
	return common.LogFields{
		"socketID": s.id,
		"backend":  s.capabilities.name,
		"state":    s.state.String(),
	}
}
