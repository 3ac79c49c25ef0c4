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
	"net"
	"time"
)

// Operation identifies a socket operation for capability queries.
type Operation int

const (
	OperationSend Operation = iota
	OperationReceive
	OperationCancelReceive
	OperationSendBlocking
	OperationRecvBlocking
	OperationFlush
	OperationIsSendBufferFull
	OperationClose
	OperationCancelCallbacksForClose
	OperationWaitForConnection
	OperationDoOneMsg
	OperationSetOption
	OperationGetOption
	OperationRemoteAddr
	OperationLocalAddr
	OperationStartTLS
)

// capabilities is a backend's operation table. Absent entries are
// unsupported operations, which fail with ErrorCodeInvalid. A socket's
// table is fixed for its lifetime.
type capabilities struct {
	name string

	send                    func(s *Socket, buffer []byte, callback SendCallback) error
	receive                 func(s *Socket, buffer []byte, partial bool, callback ReceiveCallback) error
	cancelReceive           func(s *Socket, cancelOnSend bool) (CancelledReceive, error)
	sendBlocking            func(s *Socket, buffer []byte, timeout time.Duration) (int, error)
	recvBlocking            func(s *Socket, buffer []byte, partial bool, timeout time.Duration) (int, error)
	flush                   func(s *Socket, timeout time.Duration) error
	isSendBufferFull        func(s *Socket) (bool, error)
	close                   func(s *Socket) error
	cancelCallbacksForClose func(s *Socket) error
	waitForConnection       func(s *Socket, timeout time.Duration) error
	doOneMsg                func(s *Socket, read bool, timeout time.Duration) error
	setOption               func(s *Socket, option Option, value int) error
	getOption               func(s *Socket, option Option) (int, error)
	remoteAddr              func(s *Socket) (net.Addr, error)
	localAddr               func(s *Socket) (net.Addr, error)
	startTLS                func(s *Socket, config *TLSConfig, callback ConnectCallback) error

	// destroy releases backend resources when the last reference is
	// dropped.
	destroy func(s *Socket)
}

func (c *capabilities) supports(op Operation) bool {
	switch op {
	case OperationSend:
		return c.send != nil
	case OperationReceive:
		return c.receive != nil
	case OperationCancelReceive:
		return c.cancelReceive != nil
	case OperationSendBlocking:
		return c.sendBlocking != nil
	case OperationRecvBlocking:
		return c.recvBlocking != nil
	case OperationFlush:
		return c.flush != nil
	case OperationIsSendBufferFull:
		return c.isSendBufferFull != nil
	case OperationClose:
		return c.close != nil
	case OperationCancelCallbacksForClose:
		return c.cancelCallbacksForClose != nil
	case OperationWaitForConnection:
		return c.waitForConnection != nil
	case OperationDoOneMsg:
		return c.doOneMsg != nil
	case OperationSetOption:
		return c.setOption != nil
	case OperationGetOption:
		return c.getOption != nil
	case OperationRemoteAddr:
		return c.remoteAddr != nil
	case OperationLocalAddr:
		return c.localAddr != nil
	case OperationStartTLS:
		return c.startTLS != nil
	}
	return false
}

var (
	tcpCapabilities      *capabilities
	tlsCapabilities      *capabilities
	proxyCapabilities    *capabilities
	listenerCapabilities *capabilities
)

// The tables are populated in init since the operations they reference
// themselves refer to the tables, when creating accepted sockets.
func init() {

	// tcpCapabilities is the plain stream backend.
	tcpCapabilities = &capabilities{
		name:                    "tcp",
		send:                    tcpSend,
		receive:                 tcpReceive,
		cancelReceive:           tcpCancelReceive,
		sendBlocking:            tcpSendBlocking,
		recvBlocking:            tcpRecvBlocking,
		flush:                   tcpFlush,
		isSendBufferFull:        tcpIsSendBufferFull,
		close:                   tcpClose,
		cancelCallbacksForClose: tcpCancelCallbacksForClose,
		waitForConnection:       tcpWaitForConnection,
		doOneMsg:                tcpDoOneMsg,
		setOption:               tcpSetOption,
		getOption:               tcpGetOption,
		remoteAddr:              tcpRemoteAddr,
		localAddr:               tcpLocalAddr,
		startTLS:                tcpStartTLS,
		destroy:                 tcpDestroy,
	}

	// tlsCapabilities is the TLS stream backend. A TLS socket cannot be
	// upgraded again.
	tlsCapabilities = &capabilities{
		name:                    "tls",
		send:                    tcpSend,
		receive:                 tcpReceive,
		cancelReceive:           tcpCancelReceive,
		sendBlocking:            tcpSendBlocking,
		recvBlocking:            tcpRecvBlocking,
		flush:                   tcpFlush,
		isSendBufferFull:        tcpIsSendBufferFull,
		close:                   tcpClose,
		cancelCallbacksForClose: tcpCancelCallbacksForClose,
		waitForConnection:       tcpWaitForConnection,
		doOneMsg:                tcpDoOneMsg,
		setOption:               tcpSetOption,
		getOption:               tcpGetOption,
		remoteAddr:              tcpRemoteAddr,
		localAddr:               tcpLocalAddr,
		destroy:                 tcpDestroy,
	}

	// proxyCapabilities is the backend for streams tunneled through an
	// upstream proxy. The remote address is the tunneled destination.
	proxyCapabilities = &capabilities{
		name:                    "proxy",
		send:                    tcpSend,
		receive:                 tcpReceive,
		cancelReceive:           tcpCancelReceive,
		sendBlocking:            tcpSendBlocking,
		recvBlocking:            tcpRecvBlocking,
		flush:                   tcpFlush,
		isSendBufferFull:        tcpIsSendBufferFull,
		close:                   tcpClose,
		cancelCallbacksForClose: tcpCancelCallbacksForClose,
		waitForConnection:       tcpWaitForConnection,
		doOneMsg:                tcpDoOneMsg,
		setOption:               tcpSetOption,
		getOption:               tcpGetOption,
		remoteAddr:              proxyRemoteAddr,
		localAddr:               tcpLocalAddr,
		startTLS:                tcpStartTLS,
		destroy:                 tcpDestroy,
	}

	// listenerCapabilities is the backend for listening sockets, which
	// transfer no data.
	listenerCapabilities = &capabilities{
		name:              "listener",
		close:             tcpClose,
		waitForConnection: tcpWaitForConnection,
		setOption:         tcpSetOption,
		getOption:         tcpGetOption,
		localAddr:         tcpLocalAddr,
		destroy:           tcpDestroy,
	}
}
