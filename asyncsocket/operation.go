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
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
)

// asyncOperation is a connect sub-operation, such as host name resolution,
// upstream proxy negotiation, or a TLS handshake, which runs in its own
// goroutine without the socket lock. Its result is delivered back on the
// reactor goroutine, or to a goroutine blocked in WaitForConnection,
// whichever comes first.
type asyncOperation struct {
	name   string
	done   chan struct{}
	result error

	cancelled int32
	finished  bool

	// usesDescriptor is set when the goroutine performs I/O on the socket
	// descriptor, which must then not be closed until it returns.
	usesDescriptor bool

	// interrupt, when set, is called by cancel to unblock the goroutine.
	interrupt func()

	onComplete func(err error)
	onCancel   func()
}

func newAsyncOperation(name string) *asyncOperation {
	return &asyncOperation{
		name: name,
		done: make(chan struct{}),
	}
}

func (op *asyncOperation) cancel() {
	if !atomic.CompareAndSwapInt32(&op.cancelled, 0, 1) {
		return
	}
	if op.interrupt != nil {
		op.interrupt()
	}
}

func (op *asyncOperation) isCancelled() bool {
	return atomic.LoadInt32(&op.cancelled) == 1
}

// startOperation runs op in a new goroutine. The socket lock must be held.
// The socket stays pinned until finishOperation has run.
func (s *Socket) startOperation(op *asyncOperation, run func() error) {

	t := s.tcp
	t.operation = op
	if op.usesDescriptor {
		t.blockingWaiters++
	}

	s.AddRef()

	// The goroutine does not hold the socket lock.
	logFields := s.logFields()
	logFields["operation"] = op.name

	go func() {
		op.result = run()
		close(op.done)

		_, err := s.armTimer(0, func() { s.finishOperation(op) })
		if err != nil {
			// The reactor is closed. A WaitForConnection caller, or Close,
			// still observes done.
			s.logger.WithTraceFields(logFields).Warning(
				"deliver result failed: ", errors.Trace(err))
		}
	}()
}

// finishOperation applies the result of a completed op. It is called with
// the socket lock held, from the reactor or from WaitForConnection, and
// runs at most once per op.
func (s *Socket) finishOperation(op *asyncOperation) {

	if op.finished {
		return
	}
	op.finished = true

	defer s.Release()

	t := s.tcp
	if t.operation == op {
		t.operation = nil
	}
	if op.usesDescriptor {
		t.blockingWaiters--
		t.finishDeferredClose()
	}

	if op.isCancelled() || s.state != StateConnecting {
		if op.onCancel != nil {
			op.onCancel()
		}
		return
	}

	if op.onComplete != nil {
		op.onComplete(op.result)
	}
}
