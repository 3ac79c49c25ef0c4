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

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/reactor"
	"github.com/stretchr/testify/require"
)

func TestReactorAdapter(t *testing.T) {

	eventLoop, err := reactor.NewEventLoop(0)
	require.NoError(t, err)
	defer eventLoop.Close()

	pollLoop, err := reactor.NewPollLoop()
	require.NoError(t, err)
	defer pollLoop.Close()

	for name, loop := range map[string]reactor.Loop{"realtime": eventLoop, "periodic": pollLoop} {
		t.Run(name, func(t *testing.T) {

			adapter, err := newReactorAdapter(loop)
			require.NoError(t, err)

			run := func(duration time.Duration) {
				deadline := time.Now().Add(duration)
				for time.Now().Before(deadline) {
					require.NoError(t, loop.RunOnce(time.Millisecond))
				}
			}

			oneShotCount := 0
			oneShot, err := adapter.armTimer(5*time.Millisecond, func() { oneShotCount++ })
			require.NoError(t, err)

			cancelledCount := 0
			cancelled, err := adapter.armTimer(5*time.Millisecond, func() { cancelledCount++ })
			require.NoError(t, err)
			require.True(t, adapter.disarm(cancelled))
			require.False(t, adapter.disarm(cancelled))

			periodicCount := 0
			periodic, err := adapter.armPeriodic(5*time.Millisecond, func() { periodicCount++ })
			require.NoError(t, err)

			run(100 * time.Millisecond)

			require.Equal(t, 1, oneShotCount)
			require.Equal(t, 0, cancelledCount)
			if periodicCount < 3 {
				t.Fatalf("unexpected periodic count: %d", periodicCount)
			}

			require.False(t, adapter.disarm(oneShot))
			require.True(t, adapter.disarm(periodic))

			fired := periodicCount
			run(20 * time.Millisecond)
			require.Equal(t, fired, periodicCount)

			require.Equal(t, 0, loop.Count())
		})
	}
}

func TestSocketTimerReferences(t *testing.T) {

	for _, loopType := range []string{"realtime", "periodic"} {
		t.Run(loopType, func(t *testing.T) {

			var loop reactor.Loop
			var err error
			if loopType == "realtime" {
				loop, err = reactor.NewEventLoop(0)
			} else {
				loop, err = reactor.NewPollLoop()
			}
			require.NoError(t, err)

			env := newTestEnvWithLoop(t, loop, nil)

			s, _ := env.socketPair(nil)

			// Each live registration pins a reference, so a closed socket
			// with an armed timer is not destroyed until the timer is
			// consumed or disarmed.

			fired := false
			_, err = s.armTimer(5*time.Millisecond, func() { fired = true })
			require.NoError(t, err)

			cancelled, err := s.armTimer(time.Hour, func() { t.Errorf("disarmed timer fired") })
			require.NoError(t, err)

			require.NoError(t, s.Close())
			require.Equal(t, 1, env.registry.Count())

			require.True(t, s.disarm(cancelled))
			require.False(t, s.disarm(cancelled))

			env.pumpUntil(func() bool { return fired })

			require.Equal(t, 0, env.registry.Count())
		})
	}
}

func TestEmulatedPeriodicClaimedBeforeDisarm(t *testing.T) {

	loop, err := reactor.NewEventLoop(0)
	require.NoError(t, err)

	env := newTestEnvWithLoop(t, loop, nil)

	s, _ := env.socketPair(nil)

	r, err := s.armPeriodic(time.Hour, func() { t.Errorf("disarmed timer fired") })
	require.NoError(t, err)

	// The reactor removes a one-shot token before dispatching it. A disarm
	// in that window still suppresses the firing and releases the
	// registration's reference.

	r.armed.mutex.Lock()
	token := r.armed.token
	r.armed.mutex.Unlock()
	require.True(t, loop.Unregister(token))

	require.True(t, s.disarm(r))
	require.False(t, s.disarm(r))

	require.NoError(t, s.Close())
	require.Equal(t, 0, env.registry.Count())
}
