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
	"io"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("operation would block")

// transport moves stream bytes over a non-blocking descriptor. Reads and
// writes return errWouldBlock when no progress can be made without waiting
// for readiness; read returns io.EOF on orderly remote shutdown.
type transport interface {
	read(buffer []byte) (int, error)
	write(buffer []byte) (int, error)

	// flush writes any output buffered within the transport. It returns
	// errWouldBlock while buffered output remains.
	flush() error

	// pending returns the number of bytes buffered within the transport
	// which may be read without the descriptor becoming readable.
	pending() int

	// shutdown performs any protocol level closing handshake, best effort.
	// The descriptor is not closed.
	shutdown()
}

// plainTransport reads and writes the descriptor directly.
type plainTransport struct {
	fd int
}

func (t *plainTransport) read(buffer []byte) (int, error) {
	for {
		n, err := unix.Read(t.fd, buffer)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, errWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (t *plainTransport) write(buffer []byte) (int, error) {
	for {
		// MSG_NOSIGNAL suppresses SIGPIPE for writes to a reset peer. The
		// descriptor may also be a non-socket in tests.
		n, err := unix.SendmsgN(t.fd, buffer, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.ENOTSOCK {
			n, err = unix.Write(t.fd, buffer)
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, errWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (t *plainTransport) flush() error {
	return nil
}

func (t *plainTransport) pending() int {
	return 0
}

func (t *plainTransport) shutdown() {
}

// prebufferedTransport delivers bytes that were read from the descriptor
// before the transport took ownership of it, such as data that followed an
// upstream proxy's handshake response, ahead of any subsequent reads.
type prebufferedTransport struct {
	plainTransport
	buffered []byte
}

func newPrebufferedTransport(fd int, buffered []byte) transport {
	if len(buffered) == 0 {
		return &plainTransport{fd: fd}
	}
	return &prebufferedTransport{
		plainTransport: plainTransport{fd: fd},
		buffered:       buffered,
	}
}

func (t *prebufferedTransport) read(buffer []byte) (int, error) {
	if len(t.buffered) > 0 {
		n := copy(buffer, t.buffered)
		t.buffered = t.buffered[n:]
		return n, nil
	}
	return t.plainTransport.read(buffer)
}

func (t *prebufferedTransport) pending() int {
	return len(t.buffered)
}

func isRemoteDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE)
}
