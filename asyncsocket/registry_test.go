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
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/parameters"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/reactor"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func TestRegistryMetrics(t *testing.T) {

	env := newTestEnv(t, nil)

	server := env.startEchoServer(nil, 0)

	for i := 0; i < 2; i++ {
		env.exchange(server.address, nil, "metrics")
	}

	env.pumpUntil(func() bool { return server.acceptedCount() == 2 })

	metrics := env.registry.GetMetrics()

	// The listener, two clients and two accepted sockets.

	require.EqualValues(t, 5, metrics["sockets"])
	require.EqualValues(t, 5, metrics["peak_sockets"])
	require.EqualValues(t, 2, metrics["connected"])
	require.EqualValues(t, 2, metrics["accepted"])
	require.EqualValues(t, 0, metrics["closed"])
	require.EqualValues(t, 28, metrics["bytes_sent"])
	require.EqualValues(t, 28, metrics["bytes_received"])

	env.registry.CloseAll()

	require.Equal(t, 0, env.registry.Count())

	metrics = env.registry.GetMetrics()
	require.EqualValues(t, 5, metrics["closed"])
	require.EqualValues(t, 5, metrics["peak_sockets"])

	closedMetrics := env.logger.GetMetrics("socket_closed")
	require.Len(t, closedMetrics, 5)
	for _, fields := range closedMetrics {
		require.Contains(t, fields, "backend")
		require.Contains(t, fields, "duration")
	}
}

func TestRegistryGet(t *testing.T) {

	env := newTestEnv(t, nil)

	first, _ := env.socketPair(nil)
	second, _ := env.socketPair(nil)

	require.NotEqual(t, first.ID(), second.ID())

	found, ok := env.registry.Get(second.ID())
	require.True(t, ok)
	require.Equal(t, second, found)
	found.Release()

	_, ok = env.registry.Get(second.ID() + 100)
	require.False(t, ok)

	require.NoError(t, first.Close())
	_, ok = env.registry.Get(first.ID())
	require.False(t, ok)

	require.Equal(t, 1, env.registry.Count())

	// A socket whose last reference has been dropped, but which has not yet
	// been removed by destroy, is not returned or revived.

	atomic.StoreInt32(&second.refCount, 0)
	_, ok = env.registry.Get(second.ID())
	require.False(t, ok)
	env.registry.CloseAll()
	require.EqualValues(t, 0, atomic.LoadInt32(&second.refCount))
	require.Equal(t, StateConnected, second.state)

	atomic.StoreInt32(&second.refCount, 1)
	require.NoError(t, second.Close())
	require.Equal(t, 0, env.registry.Count())
}

func TestRegistryErrorLogRateLimit(t *testing.T) {

	env := newTestEnv(t, map[string]interface{}{
		parameters.ErrorLogRateLimit: 0.001,
		parameters.ErrorLogRateBurst: 2,
	})

	s, _ := env.socketPair(&AttachOptions{ErrorHandler: func(*Socket, error) {}})
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.handleError(newError(ErrorCodeGeneric, unix.EIO))
	}

	require.Equal(t, 2, env.logger.WarningCount())
	require.EqualValues(t, 10, env.registry.GetMetrics()["errors"])
	require.Equal(t, unix.EIO, s.GetGenericErrno())
}

func TestRegistryDNSCacheDisabled(t *testing.T) {

	env := newTestEnv(t, map[string]interface{}{
		parameters.DNSCacheTTL: "0s",
	})

	env.registry.setCachedResolution("example.com", nil)
	_, ok := env.registry.getCachedResolution("example.com")
	require.False(t, ok)
	require.EqualValues(t, 0, env.registry.GetMetrics()["dns_cache_entries"])
}

func TestNewRegistryRequiresTimers(t *testing.T) {

	_, err := NewRegistry(deviceOnlyReactor{}, nil, nil)
	require.Error(t, err)
}

// deviceOnlyReactor is a Reactor without timer support.
type deviceOnlyReactor struct{}

func (deviceOnlyReactor) RegisterDevice(
	fd int, direction reactor.Direction, periodic bool, callback reactor.Callback) (reactor.Token, error) {
	return 0, nil
}

func (deviceOnlyReactor) Unregister(token reactor.Token) bool {
	return false
}

func TestRegistryRunWithReactor(t *testing.T) {

	env := newTestEnv(t, nil)

	server := env.startEchoServer(nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runResult := make(chan error, 1)
	go func() {
		runResult <- env.loop.Run(ctx)
	}()

	// With the reactor running on another goroutine, operations from this
	// goroutine hold the socket Lock.

	lock := NewLock()
	replied := make(chan string, 1)
	s, err := env.registry.Connect(
		server.address,
		&ConnectOptions{Lock: lock, ErrorHandler: func(*Socket, error) {}},
		func(s *Socket) {
			s.Receive(make([]byte, 4), func(s *Socket, buffer []byte, filled int) {
				replied <- string(buffer[:filled])
				s.CancelReceive(true)
			})
			s.Send([]byte("ping"), func(*Socket, []byte, int) {})
		})
	require.NoError(t, err)

	select {
	case reply := <-replied:
		require.Equal(t, "ping", reply)
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply")
	}

	s.Lock()
	require.NoError(t, s.Close())
	s.Unlock()

	cancel()
	require.NoError(t, <-runResult)
}

func TestConcurrentBlockingClients(t *testing.T) {

	env := newTestEnv(t, nil)

	server := env.startEchoServer(nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runResult := make(chan error, 1)
	go func() {
		runResult <- env.loop.Run(ctx)
	}()

	clientCount := 10

	var group errgroup.Group
	for i := 0; i < clientCount; i++ {
		message := []byte(fmt.Sprintf("client %d", i))
		group.Go(func() error {

			lock := NewLock()
			s, err := env.registry.Connect(server.address, &ConnectOptions{Lock: lock}, nil)
			if err != nil {
				return err
			}

			s.Lock()
			defer s.Unlock()

			err = s.WaitForConnection(5 * time.Second)
			if err != nil {
				return err
			}

			_, err = s.SendBlocking(message, 5*time.Second)
			if err != nil {
				return err
			}

			reply := make([]byte, len(message))
			_, err = s.RecvBlocking(reply, false, 5*time.Second)
			if err != nil {
				return err
			}
			if !bytes.Equal(message, reply) {
				return fmt.Errorf("unexpected reply: %s", reply)
			}

			return s.Close()
		})
	}

	require.NoError(t, group.Wait())

	cancel()
	require.NoError(t, <-runResult)

	require.EqualValues(t, clientCount, env.registry.GetMetrics()["connected"])
}
