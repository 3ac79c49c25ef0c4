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
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/parameters"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/reactor"
	"golang.org/x/sys/unix"
)

// ListenOptions configures Registry.Listen.
type ListenOptions struct {

	// Network is "tcp", "tcp4", "tcp6" or "unix". The default is "tcp".
	Network string

	// Lock, when set, is shared by the listener and all accepted sockets.
	// Listen acquires it while setting up the listener; the caller may
	// already hold it.
	Lock *Lock

	// TLS, when set, must contain a certificate. Each accepted socket
	// completes a server TLS handshake before it is passed to the accept
	// callback; sockets failing the handshake are closed.
	TLS *TLSConfig

	ErrorHandler ErrorHandler
}

// Listen creates a listening socket bound to address, a host:port with an
// IP literal or empty host, or a path for the "unix" network. callback is
// invoked with each accepted connection.
func (r *Registry) Listen(
	address string, options *ListenOptions, callback AcceptCallback) (*Socket, error) {

	if options == nil {
		options = &ListenOptions{}
	}
	if callback == nil {
		return nil, newError(ErrorCodeInvalid, errors.TraceNew("missing accept callback"))
	}
	network := options.Network
	if network == "" {
		network = "tcp"
	}
	if !validNetwork(network) {
		return nil, newError(ErrorCodeInvalid, errors.Tracef("unsupported network: %s", network))
	}
	if options.TLS != nil && !options.TLS.isServer() {
		return nil, newError(ErrorCodeInvalid, errors.TraceNew("TLS listener requires a certificate"))
	}

	sockaddr, err := resolveSockaddr(network, address)
	if err != nil {
		return nil, newError(ErrorCodeInvalid, errors.Trace(err))
	}

	s := r.newSocket(listenerCapabilities, options.Lock, network, StateListening)

	s.AddRef()
	defer s.Release()

	s.lockForCallback()
	err = s.startListening(sockaddr, options, callback)
	if err != nil {
		s.capabilities.close(s)
	}
	s.unlockForCallback()

	if err != nil {
		return nil, err
	}

	r.logger.WithTraceFields(s.logFields()).Debug("listening on ", address)

	return s, nil
}

func (s *Socket) startListening(
	sockaddr unix.Sockaddr, options *ListenOptions, callback AcceptCallback) error {

	t := s.tcp

	fd, err := newDescriptor(sockaddr)
	if err != nil {
		return newError(ErrorCodeListen, errors.Trace(err))
	}
	t.fd = fd

	if !t.isUnix() {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err != nil {
			return newError(ErrorCodeBind, errors.Trace(err))
		}
	}

	err = unix.Bind(fd, sockaddr)
	if err == unix.EADDRINUSE {
		return newError(ErrorCodeBindAddressInUse, errors.Trace(err))
	} else if err != nil {
		return newError(ErrorCodeBind, errors.Trace(err))
	}

	err = unix.Listen(fd, s.params.Int(parameters.ListenBacklog))
	if err != nil {
		return newError(ErrorCodeListen, errors.Trace(err))
	}

	t.acceptCallback = callback
	t.tlsConfig = options.TLS
	s.errorHandler = options.ErrorHandler

	r, err := s.armDevice(reactor.Read, true, s.acceptReady)
	if err != nil {
		return newError(ErrorCodeGeneric, errors.Trace(err))
	}
	t.acceptRegistration = r

	return nil
}

func (s *Socket) acceptReady() {
	for i := 0; i < maxCompletionsPerEvent && s.state == StateListening; i++ {
		accepted, err := s.acceptOnce()
		if err != nil {
			s.handleError(err)
			return
		}
		if !accepted {
			return
		}
	}
}

// acceptOnce accepts at most one pending connection, returning false when
// there is none. The new socket shares the listener's Lock. Plain sockets
// are passed to the accept callback immediately; TLS sockets after their
// handshake.
func (s *Socket) acceptOnce() (bool, error) {

	t := s.tcp

	var fd int
	var sockaddr unix.Sockaddr
	for {
		var err error
		fd, sockaddr, err = unix.Accept4(t.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err == unix.EAGAIN {
			return false, nil
		}
		if err != nil {
			return false, newError(ErrorCodeAccept, errors.Trace(err))
		}
		break
	}

	capabilities := tcpCapabilities
	if t.tlsConfig != nil {
		capabilities = tlsCapabilities
	}

	child := s.registry.newSocket(capabilities, s.lock, t.network, StateConnected)
	child.tcp.attach(fd, nil)
	if sockaddr != nil {
		child.tcp.remoteAddr = sockaddrToAddr(sockaddr)
	}
	child.applyDefaultOptions()

	child.tcp.established = true
	s.registry.socketAccepted(child)

	callback := t.acceptCallback

	if t.tlsConfig == nil {
		callback(child)
		return true, nil
	}

	child.state = StateConnecting
	child.tcp.connectCallback = func(c *Socket) {
		if s.state != StateListening {
			c.capabilities.close(c)
			return
		}
		callback(c)
	}
	err := child.startHandshake(t.tlsConfig, child.finishConnect)
	if err != nil {
		s.logger.WithTraceFields(child.logFields()).Warning(
			"server handshake not started: ", err)
		child.capabilities.close(child)
	}

	return true, nil
}
