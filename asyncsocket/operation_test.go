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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOperationResultAfterReactorClosed(t *testing.T) {

	env := newTestEnv(t, nil)

	s, _ := env.socketPair(nil)

	// With the reactor closed, the result cannot be delivered by a timer.
	// The operation goroutine logs this without touching socket state, and
	// a caller observing done still applies the result.

	require.NoError(t, env.loop.Close())

	completed := false
	cancelled := false
	op := newAsyncOperation("test")
	op.onComplete = func(error) { completed = true }
	op.onCancel = func() { cancelled = true }

	s.startOperation(op, func() error { return nil })

	select {
	case <-op.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("operation did not finish")
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.logger.WarningCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, env.logger.WarningCount())

	s.finishOperation(op)
	s.finishOperation(op)

	// The socket is not connecting, so the result is discarded.

	require.False(t, completed)
	require.True(t, cancelled)
	require.Nil(t, s.tcp.operation)

	require.NoError(t, s.Close())
	require.Equal(t, 0, env.registry.Count())
}
