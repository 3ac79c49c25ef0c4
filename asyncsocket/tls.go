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
	"crypto/x509"
	"net"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/parameters"
	tls "github.com/Psiphon-Labs/psiphon-tls"
	utls "github.com/Psiphon-Labs/utls"
	"golang.org/x/sys/unix"
)

// maxTLSWrite is the largest plaintext passed to the TLS engine in one
// write, the maximum TLS record payload.
const maxTLSWrite = 16384

// TLSConfig configures a TLS session. A config with CertificatePEM is a
// server config; otherwise it is a client config.
type TLSConfig struct {

	// ServerName is the client's SNI and verification name.
	ServerName string

	// SkipVerify disables client verification of the server certificate.
	SkipVerify bool

	// RootCAsPEM, when set, replaces the system roots for client
	// verification.
	RootCAsPEM []byte

	// ClientHelloProfile selects the client hello: "golang" (the default),
	// "chrome", "firefox" or "randomized".
	ClientHelloProfile string

	CertificatePEM []byte
	PrivateKeyPEM  []byte
}

func (config *TLSConfig) isServer() bool {
	return len(config.CertificatePEM) > 0
}

func (config *TLSConfig) clientHelloID() (utls.ClientHelloID, error) {
	switch config.ClientHelloProfile {
	case "", "golang":
		return utls.HelloGolang, nil
	case "chrome":
		return utls.HelloChrome_Auto, nil
	case "firefox":
		return utls.HelloFirefox_Auto, nil
	case "randomized":
		return utls.HelloRandomized, nil
	}
	return utls.ClientHelloID{}, errors.Tracef(
		"unknown client hello profile: %s", config.ClientHelloProfile)
}

// tlsEngine is the subset of the client and server TLS connection types
// used by the socket.
type tlsEngine interface {
	Handshake() error
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

func newTLSEngine(conn net.Conn, config *TLSConfig) (tlsEngine, error) {

	if config.isServer() {
		certificate, err := tls.X509KeyPair(config.CertificatePEM, config.PrivateKeyPEM)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return tls.Server(conn, &tls.Config{
			Certificates: []tls.Certificate{certificate},
		}), nil
	}

	helloID, err := config.clientHelloID()
	if err != nil {
		return nil, errors.Trace(err)
	}

	utlsConfig := &utls.Config{
		ServerName:         config.ServerName,
		InsecureSkipVerify: config.SkipVerify,
	}
	if len(config.RootCAsPEM) > 0 {
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(config.RootCAsPEM) {
			return nil, errors.TraceNew("invalid root CAs")
		}
		utlsConfig.RootCAs = roots
	}

	return utls.UClient(conn, utlsConfig, helloID), nil
}

// wouldBlockError is returned to the TLS engine by a non-blocking
// descriptorConn. Temporary read errors are not retained by the engine, so
// a subsequent read resumes the record.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "operation would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var _ net.Error = wouldBlockError{}

// descriptorConn is the net.Conn beneath a TLS engine. During the
// handshake, which runs in its own goroutine, it blocks by polling the
// descriptor and the socket's wake pipe. Afterwards it is non-blocking:
// reads return wouldBlockError and writes that the descriptor cannot
// accept are retained in outbound until flushed.
//
// The descriptor is owned by the socket; Close does not close it.
type descriptorConn struct {
	plainTransport
	wakeFd      int
	blocking    bool
	deadline    time.Time
	prebuffered []byte
	outbound    []byte
	writeErr    error
}

func (conn *descriptorConn) Read(b []byte) (int, error) {
	if len(conn.prebuffered) > 0 {
		n := copy(b, conn.prebuffered)
		conn.prebuffered = conn.prebuffered[n:]
		return n, nil
	}
	for {
		n, err := conn.read(b)
		if err != errWouldBlock {
			return n, err
		}
		if !conn.blocking {
			return 0, wouldBlockError{}
		}
		err = pollDescriptor(conn.fd, unix.POLLIN, conn.wakeFd, conn.deadline)
		if err != nil {
			return 0, err
		}
	}
}

func (conn *descriptorConn) Write(b []byte) (int, error) {

	if conn.writeErr != nil {
		return 0, conn.writeErr
	}

	if !conn.blocking {
		// The engine treats any write error as fatal, so all data is
		// accepted and the remainder is flushed as the descriptor
		// becomes writable.
		remaining := b
		if len(conn.outbound) == 0 {
			n, err := conn.write(b)
			if err != nil && err != errWouldBlock {
				conn.writeErr = err
				return n, err
			}
			remaining = b[n:]
		}
		conn.outbound = append(conn.outbound, remaining...)
		return len(b), nil
	}

	written := 0
	for written < len(b) {
		n, err := conn.write(b[written:])
		written += n
		if err == errWouldBlock {
			err = pollDescriptor(conn.fd, unix.POLLOUT, conn.wakeFd, conn.deadline)
		}
		if err != nil {
			conn.writeErr = err
			return written, err
		}
	}
	return written, nil
}

// flushOutbound writes retained output. It returns errWouldBlock while
// output remains.
func (conn *descriptorConn) flushOutbound() error {
	if conn.writeErr != nil {
		return conn.writeErr
	}
	for len(conn.outbound) > 0 {
		n, err := conn.write(conn.outbound)
		if err == errWouldBlock {
			return err
		}
		if err != nil {
			conn.writeErr = err
			return err
		}
		conn.outbound = conn.outbound[n:]
	}
	conn.outbound = nil
	return nil
}

func (conn *descriptorConn) Close() error {
	return nil
}

func (conn *descriptorConn) LocalAddr() net.Addr {
	sockaddr, err := unix.Getsockname(conn.fd)
	if err != nil {
		return nil
	}
	return sockaddrToAddr(sockaddr)
}

func (conn *descriptorConn) RemoteAddr() net.Addr {
	sockaddr, err := unix.Getpeername(conn.fd)
	if err != nil {
		return nil
	}
	return sockaddrToAddr(sockaddr)
}

func (conn *descriptorConn) SetDeadline(t time.Time) error {
	if conn.blocking {
		conn.deadline = t
	}
	return nil
}

func (conn *descriptorConn) SetReadDeadline(t time.Time) error {
	return conn.SetDeadline(t)
}

func (conn *descriptorConn) SetWriteDeadline(t time.Time) error {
	return conn.SetDeadline(t)
}

// tlsTransport reads and writes through a TLS engine. Decrypted data is
// staged so that a single engine read, which consumes at most one record,
// may satisfy several small receive requests.
type tlsTransport struct {
	conn     *descriptorConn
	engine   tlsEngine
	staging  []byte
	staged   []byte
	readErr  error
	mayRead  bool
	closed   bool
}

func newTLSTransport(conn *descriptorConn, engine tlsEngine, stagingSize int) *tlsTransport {
	return &tlsTransport{
		conn:    conn,
		engine:  engine,
		staging: make([]byte, stagingSize),
		// The handshake may have read application data along with its
		// final flight.
		mayRead: true,
	}
}

func (t *tlsTransport) read(buffer []byte) (int, error) {
	if len(t.staged) == 0 {
		err := t.fill()
		if err != nil {
			return 0, err
		}
	}
	n := copy(buffer, t.staged)
	t.staged = t.staged[n:]
	return n, nil
}

func (t *tlsTransport) fill() error {
	if t.readErr != nil {
		return t.readErr
	}
	n, err := t.engine.Read(t.staging)
	if n > 0 {
		t.staged = t.staging[:n]
		t.mayRead = true
		return nil
	}
	t.mayRead = false
	if err == nil {
		return errWouldBlock
	}
	if _, ok := err.(wouldBlockError); ok {
		return errWouldBlock
	}
	if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
		return errWouldBlock
	}
	t.readErr = err
	return err
}

func (t *tlsTransport) write(buffer []byte) (int, error) {
	err := t.conn.flushOutbound()
	if err != nil {
		return 0, err
	}
	if len(buffer) > maxTLSWrite {
		buffer = buffer[:maxTLSWrite]
	}
	return t.engine.Write(buffer)
}

func (t *tlsTransport) flush() error {
	return t.conn.flushOutbound()
}

// pending reports staged plaintext. After a successful engine read, the
// engine may also hold complete records that were read from the descriptor
// along with the last one, which are reported as a single pending byte.
func (t *tlsTransport) pending() int {
	if len(t.staged) > 0 {
		return len(t.staged)
	}
	if t.mayRead && t.readErr == nil {
		return 1
	}
	return 0
}

func (t *tlsTransport) shutdown() {
	if t.closed {
		return
	}
	t.closed = true
	t.conn.blocking = false
	t.engine.Close()
	t.conn.flushOutbound()
}

// startHandshake runs a TLS handshake over the socket's descriptor in a
// sub-operation goroutine. On success the socket's transport is replaced by
// a TLS transport and onSuccess is invoked; failures are reported with
// ErrorCodeHandshake. The socket must be in StateConnecting.
func (s *Socket) startHandshake(config *TLSConfig, onSuccess func()) error {

	t := s.tcp

	isServer := config.isServer()
	if isServer && !s.registry.acquireHandshake() {
		return newError(ErrorCodeHandshake, errors.TraceNew("too many concurrent handshakes"))
	}
	releaseHandshake := func() {
		if isServer {
			s.registry.releaseHandshake()
		}
	}

	wakeFd, err := t.ensureWakePipe()
	if err != nil {
		releaseHandshake()
		return newError(ErrorCodeGeneric, errors.Trace(err))
	}

	conn := &descriptorConn{
		plainTransport: plainTransport{fd: t.fd},
		wakeFd:         wakeFd,
		blocking:       true,
	}
	if timeout := s.params.Duration(parameters.TLSHandshakeTimeout); timeout > 0 {
		conn.deadline = time.Now().Add(timeout)
	}
	if prebuffered, ok := t.transport.(*prebufferedTransport); ok {
		conn.prebuffered = prebuffered.buffered
		prebuffered.buffered = nil
	}

	engine, err := newTLSEngine(conn, config)
	if err != nil {
		releaseHandshake()
		return newError(ErrorCodeHandshake, errors.Trace(err))
	}

	op := newAsyncOperation("TLS handshake")
	op.usesDescriptor = true
	op.onComplete = func(err error) {
		if err != nil {
			s.failConnect(newError(ErrorCodeHandshake, err))
			return
		}
		conn.blocking = false
		conn.deadline = time.Time{}
		t.transport = newTLSTransport(
			conn, engine, s.params.Int(parameters.TLSStagingBufferSize))
		t.tlsActive = true
		onSuccess()
	}

	s.startOperation(op, func() error {
		defer releaseHandshake()
		return errors.Trace(engine.Handshake())
	})

	return nil
}

func tcpStartTLS(s *Socket, config *TLSConfig, callback ConnectCallback) error {

	if config == nil {
		return newError(ErrorCodeInvalid, errors.TraceNew("missing TLS config"))
	}
	if s.state != StateConnected {
		return newError(ErrorCodeNotConnected, errors.Tracef("state %s", s.state))
	}

	t := s.tcp
	if t.tlsActive {
		return newError(ErrorCodeInvalid, errors.TraceNew("TLS already active"))
	}
	if t.sendQueue.Length() > 0 || s.recv.callback != nil {
		return newError(ErrorCodeInvalid, errors.TraceNew("operations pending"))
	}
	if t.inBlockingSend || s.inBlockingRecv || t.operation != nil {
		return newError(ErrorCodeBusy, errors.TraceNew("operation in progress"))
	}

	// StartTLS may be called from a send or receive callback, in which case
	// the callback loop stops once the state leaves StateConnected.

	s.state = StateConnecting
	t.connectCallback = callback

	err := s.startHandshake(config, s.finishConnect)
	if err != nil {
		s.state = StateConnected
		t.connectCallback = nil
		return err
	}

	return nil
}
