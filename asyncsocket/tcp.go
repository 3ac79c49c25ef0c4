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
	"strconv"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/parameters"
	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// tcpSocket is the stream backend state, for TCP and Unix domain
// descriptors, plain or TLS.
type tcpSocket struct {
	fd        int
	network   string
	transport transport

	sendQueue             *queue.Queue
	sendRegistration      *registration
	sendTimerRegistration *registration
	sendBufferFull        bool
	sendLowLatency        bool
	draining              bool
	inBlockingSend        bool
	sendDisplaced         bool

	recvRegistration        *registration
	recvPendingRegistration *registration
	recvDisplaced           bool

	connectCallback            ConnectCallback
	connectRegistration        *registration
	connectCheckRegistration   *registration
	connectTimeoutRegistration *registration
	operation                  *asyncOperation
	tlsConfig                  *TLSConfig
	tlsActive                  bool
	targetAddress              string
	established                bool

	acceptCallback     AcceptCallback
	acceptRegistration *registration

	// wakeReader and wakeWriter are a pipe used to interrupt goroutines
	// blocked polling fd, when the socket is closed.
	wakeReader      int
	wakeWriter      int
	blockingWaiters int
	closeDeferred   bool

	remoteAddr net.Addr
}

func newTCPSocket(network string) *tcpSocket {
	return &tcpSocket{
		fd:         -1,
		network:    network,
		sendQueue:  queue.New(),
		wakeReader: -1,
		wakeWriter: -1,
	}
}

// attach takes ownership of a connected, non-blocking descriptor.
func (t *tcpSocket) attach(fd int, prebuffered []byte) {
	t.fd = fd
	t.transport = newPrebufferedTransport(fd, prebuffered)
}

func (t *tcpSocket) isUnix() bool {
	return t.network == "unix"
}

// ensureWakePipe creates the wake pipe on first use.
func (t *tcpSocket) ensureWakePipe() (int, error) {
	if t.wakeReader != -1 {
		return t.wakeReader, nil
	}
	var fds [2]int
	err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		return -1, errors.Trace(err)
	}
	t.wakeReader, t.wakeWriter = fds[0], fds[1]
	return t.wakeReader, nil
}

// wake interrupts any goroutines blocked polling the descriptor. The pipe
// is left readable, so all current and future waiters are released.
func (t *tcpSocket) wake() {
	if t.wakeWriter != -1 {
		unix.Write(t.wakeWriter, []byte{0})
	}
}

// closeDescriptor closes the descriptor, or defers the close until the last
// blocking waiter has returned.
func (t *tcpSocket) closeDescriptor() {
	if t.fd == -1 {
		return
	}
	if t.blockingWaiters > 0 {
		t.closeDeferred = true
		t.wake()
		return
	}
	unix.Close(t.fd)
	t.fd = -1
}

// finishDeferredClose completes a close deferred by closeDescriptor, once
// no blocking waiters remain.
func (t *tcpSocket) finishDeferredClose() {
	if t.closeDeferred && t.blockingWaiters == 0 {
		t.closeDeferred = false
		unix.Close(t.fd)
		t.fd = -1
	}
}

func (t *tcpSocket) closeWakePipe() {
	if t.wakeReader != -1 {
		unix.Close(t.wakeReader)
		unix.Close(t.wakeWriter)
		t.wakeReader, t.wakeWriter = -1, -1
	}
}

func tcpDestroy(s *Socket) {
	t := s.tcp
	if t.blockingWaiters > 0 {
		// Not expected: waiters hold references.
		t.closeDeferred = true
		t.wake()
		return
	}
	if t.fd != -1 {
		unix.Close(t.fd)
		t.fd = -1
	}
	t.closeWakePipe()
	t.transport = nil
}

// newDescriptor creates a non-blocking stream socket for the address family
// of sockaddr.
func newDescriptor(sockaddr unix.Sockaddr) (int, error) {
	family := unix.AF_INET
	switch sockaddr.(type) {
	case *unix.SockaddrInet6:
		family = unix.AF_INET6
	case *unix.SockaddrUnix:
		family = unix.AF_UNIX
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Trace(err)
	}
	return fd, nil
}

// resolveSockaddr converts an address, which must be an IP literal and port
// for TCP networks or a path for "unix", to a Sockaddr. An empty TCP host
// is the unspecified address.
func resolveSockaddr(network, address string) (unix.Sockaddr, error) {

	if network == "unix" {
		if address == "" {
			return nil, errors.TraceNew("missing unix socket path")
		}
		return &unix.SockaddrUnix{Name: address}, nil
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var ip net.IP
	if host == "" {
		if network == "tcp6" {
			ip = net.IPv6unspecified
		} else {
			ip = net.IPv4zero
		}
	} else {
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, errors.Tracef("not an IP address: %s", host)
		}
	}

	return ipSockaddr(network, ip, int(port))
}

func ipSockaddr(network string, ip net.IP, port int) (unix.Sockaddr, error) {
	if ip4 := ip.To4(); ip4 != nil && network != "tcp6" {
		sockaddr := &unix.SockaddrInet4{Port: port}
		copy(sockaddr.Addr[:], ip4)
		return sockaddr, nil
	}
	ip16 := ip.To16()
	if ip16 == nil || network == "tcp4" {
		return nil, errors.Tracef("unsupported address for %s: %s", network, ip)
	}
	sockaddr := &unix.SockaddrInet6{Port: port}
	copy(sockaddr.Addr[:], ip16)
	return sockaddr, nil
}

func sockaddrToAddr(sockaddr unix.Sockaddr) net.Addr {
	switch sa := sockaddr.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	}
	return nil
}

// applyDefaultOptions sets the parameter-configured options on a new
// connected descriptor.
func (s *Socket) applyDefaultOptions() {
	t := s.tcp
	t.sendLowLatency = s.params.Bool(parameters.SendLowLatency)
	if t.isUnix() {
		return
	}
	if s.params.Bool(parameters.TCPNoDelay) {
		err := unix.SetsockoptInt(t.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err != nil {
			s.logger.WithTraceFields(s.logFields()).Warning(
				"set TCP_NODELAY failed: ", errors.Trace(err))
		}
	}
	if period := s.params.Duration(parameters.TCPKeepAlivePeriod); period > 0 {
		err := setKeepAlive(t.fd, period)
		if err != nil {
			s.logger.WithTraceFields(s.logFields()).Warning(
				"set keep-alive failed: ", errors.Trace(err))
		}
	}
}

func setKeepAlive(fd int, period time.Duration) error {
	if period <= 0 {
		return errors.Trace(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 0))
	}
	seconds := int((period + time.Second - 1) / time.Second)
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if err == nil {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds)
	}
	if err == nil {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds)
	}
	return errors.Trace(err)
}

// Option is a socket option.
type Option int

const (
	// OptionSendLowLatency, when non-zero, attempts each Send immediately
	// from the calling goroutine when the send queue is empty.
	OptionSendLowLatency Option = iota

	OptionTCPNoDelay

	// OptionTCPKeepAlive is the keep-alive period in seconds; 0 disables
	// keep-alives.
	OptionTCPKeepAlive

	OptionSendBufferSize
	OptionReceiveBufferSize
)

func tcpSetOption(s *Socket, option Option, value int) error {
	t := s.tcp
	if option == OptionSendLowLatency {
		t.sendLowLatency = value != 0
		return nil
	}
	if t.fd == -1 {
		return newError(ErrorCodeNotConnected, errors.TraceNew("no descriptor"))
	}
	var err error
	switch option {
	case OptionTCPNoDelay:
		flag := 0
		if value != 0 {
			flag = 1
		}
		err = unix.SetsockoptInt(t.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, flag)
	case OptionTCPKeepAlive:
		err = setKeepAlive(t.fd, time.Duration(value)*time.Second)
	case OptionSendBufferSize:
		err = unix.SetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, value)
	case OptionReceiveBufferSize:
		err = unix.SetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, value)
	default:
		return newError(ErrorCodeInvalid, errors.Tracef("unknown option %d", option))
	}
	if err != nil {
		return newError(ErrorCodeGeneric, errors.Trace(err))
	}
	return nil
}

func tcpGetOption(s *Socket, option Option) (int, error) {
	t := s.tcp
	if option == OptionSendLowLatency {
		if t.sendLowLatency {
			return 1, nil
		}
		return 0, nil
	}
	if t.fd == -1 {
		return 0, newError(ErrorCodeNotConnected, errors.TraceNew("no descriptor"))
	}
	var value int
	var err error
	switch option {
	case OptionTCPNoDelay:
		value, err = unix.GetsockoptInt(t.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	case OptionTCPKeepAlive:
		value, err = unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
		if err == nil && value != 0 {
			value, err = unix.GetsockoptInt(t.fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE)
		}
	case OptionSendBufferSize:
		value, err = unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	case OptionReceiveBufferSize:
		value, err = unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	default:
		return 0, newError(ErrorCodeInvalid, errors.Tracef("unknown option %d", option))
	}
	if err != nil {
		return 0, newError(ErrorCodeGeneric, errors.Trace(err))
	}
	return value, nil
}

func tcpRemoteAddr(s *Socket) (net.Addr, error) {
	t := s.tcp
	if t.remoteAddr != nil {
		return t.remoteAddr, nil
	}
	if t.fd == -1 || s.state == StateListening {
		return nil, newError(ErrorCodeNotConnected, errors.TraceNew("no peer"))
	}
	sockaddr, err := unix.Getpeername(t.fd)
	if err != nil {
		return nil, newError(ErrorCodeNotConnected, errors.Trace(err))
	}
	t.remoteAddr = sockaddrToAddr(sockaddr)
	return t.remoteAddr, nil
}

// proxyRemoteAddr returns the tunneled destination rather than the proxy.
func proxyRemoteAddr(s *Socket) (net.Addr, error) {
	t := s.tcp
	if t.targetAddress == "" {
		return nil, newError(ErrorCodeNotConnected, errors.TraceNew("no target"))
	}
	host, portStr, err := net.SplitHostPort(t.targetAddress)
	if err != nil {
		return nil, newError(ErrorCodeGeneric, errors.Trace(err))
	}
	port, _ := strconv.Atoi(portStr)
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: port}, nil
	}
	return &hostAddr{address: t.targetAddress}, nil
}

// hostAddr is a net.Addr for an unresolved host name destination.
type hostAddr struct {
	address string
}

func (a *hostAddr) Network() string { return "tcp" }
func (a *hostAddr) String() string  { return a.address }

func tcpLocalAddr(s *Socket) (net.Addr, error) {
	t := s.tcp
	if t.fd == -1 {
		return nil, newError(ErrorCodeNotConnected, errors.TraceNew("no descriptor"))
	}
	sockaddr, err := unix.Getsockname(t.fd)
	if err != nil {
		return nil, newError(ErrorCodeGeneric, errors.Trace(err))
	}
	return sockaddrToAddr(sockaddr), nil
}
