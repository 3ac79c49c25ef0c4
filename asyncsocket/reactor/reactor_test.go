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

package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestLoops(t *testing.T) map[string]Loop {
	eventLoop, err := NewEventLoop(16)
	if err != nil {
		t.Fatalf("NewEventLoop failed: %s", err)
	}
	pollLoop, err := NewPollLoop()
	if err != nil {
		t.Fatalf("NewPollLoop failed: %s", err)
	}
	t.Cleanup(func() {
		eventLoop.Close()
		pollLoop.Close()
	})
	return map[string]Loop{
		"epoll": eventLoop,
		"poll":  pollLoop,
	}
}

func makePipe(t *testing.T) (int, int) {
	var fds [2]int
	err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		t.Fatalf("Pipe2 failed: %s", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestDeviceRegistration(t *testing.T) {

	for name, l := range newTestLoops(t) {
		t.Run(name, func(t *testing.T) {

			readFd, writeFd := makePipe(t)

			var oneShotCount, periodicCount int32

			oneShotToken, err := l.RegisterDevice(readFd, Read, false, func() {
				atomic.AddInt32(&oneShotCount, 1)
			})
			if err != nil {
				t.Fatalf("RegisterDevice failed: %s", err)
			}

			periodicToken, err := l.RegisterDevice(readFd, Read, true, func() {
				atomic.AddInt32(&periodicCount, 1)
			})
			if err != nil {
				t.Fatalf("RegisterDevice failed: %s", err)
			}

			// Nothing is readable yet.

			err = l.RunOnce(10 * time.Millisecond)
			if err != nil {
				t.Fatalf("RunOnce failed: %s", err)
			}
			if atomic.LoadInt32(&oneShotCount) != 0 || atomic.LoadInt32(&periodicCount) != 0 {
				t.Fatalf("unexpected callback before readiness")
			}

			unix.Write(writeFd, []byte("x"))

			// Level-triggered: the unread byte keeps the descriptor ready.

			for i := 0; i < 3; i++ {
				err = l.RunOnce(time.Second)
				if err != nil {
					t.Fatalf("RunOnce failed: %s", err)
				}
			}

			if n := atomic.LoadInt32(&oneShotCount); n != 1 {
				t.Fatalf("unexpected one-shot count: %d", n)
			}
			if n := atomic.LoadInt32(&periodicCount); n != 3 {
				t.Fatalf("unexpected periodic count: %d", n)
			}

			if l.Unregister(oneShotToken) {
				t.Fatalf("Unregister of fired one-shot succeeded")
			}
			if !l.Unregister(periodicToken) {
				t.Fatalf("Unregister of periodic failed")
			}
			if l.Unregister(periodicToken) {
				t.Fatalf("second Unregister succeeded")
			}
			if l.Count() != 0 {
				t.Fatalf("unexpected registration count: %d", l.Count())
			}
		})
	}
}

func TestWriteReadiness(t *testing.T) {

	for name, l := range newTestLoops(t) {
		t.Run(name, func(t *testing.T) {

			_, writeFd := makePipe(t)

			fired := false
			_, err := l.RegisterDevice(writeFd, Write, false, func() { fired = true })
			if err != nil {
				t.Fatalf("RegisterDevice failed: %s", err)
			}

			err = l.RunOnce(time.Second)
			if err != nil {
				t.Fatalf("RunOnce failed: %s", err)
			}
			if !fired {
				t.Fatalf("write readiness not reported")
			}
		})
	}
}

func TestUnregisterWithinDispatch(t *testing.T) {

	for name, l := range newTestLoops(t) {
		t.Run(name, func(t *testing.T) {

			readFd, writeFd := makePipe(t)

			var second Token
			secondFired := false

			_, err := l.RegisterDevice(readFd, Read, false, func() {
				if !l.Unregister(second) {
					t.Errorf("Unregister failed")
				}
			})
			if err != nil {
				t.Fatalf("RegisterDevice failed: %s", err)
			}

			second, err = l.RegisterDevice(readFd, Read, false, func() { secondFired = true })
			if err != nil {
				t.Fatalf("RegisterDevice failed: %s", err)
			}

			unix.Write(writeFd, []byte("x"))

			err = l.RunOnce(time.Second)
			if err != nil {
				t.Fatalf("RunOnce failed: %s", err)
			}
			if secondFired {
				t.Fatalf("unregistered callback fired")
			}
		})
	}
}

func TestRealtimeTimers(t *testing.T) {

	l, err := NewEventLoop(0)
	if err != nil {
		t.Fatalf("NewEventLoop failed: %s", err)
	}
	defer l.Close()

	var order []int

	_, err = l.RegisterRealtime(30*time.Millisecond, func() { order = append(order, 2) })
	if err != nil {
		t.Fatalf("RegisterRealtime failed: %s", err)
	}
	_, err = l.RegisterRealtime(0, func() { order = append(order, 1) })
	if err != nil {
		t.Fatalf("RegisterRealtime failed: %s", err)
	}
	cancelled, err := l.RegisterRealtime(10*time.Millisecond, func() { order = append(order, 3) })
	if err != nil {
		t.Fatalf("RegisterRealtime failed: %s", err)
	}
	if !l.Unregister(cancelled) {
		t.Fatalf("Unregister failed")
	}

	start := time.Now()
	for len(order) < 2 && time.Since(start) < 2*time.Second {
		err = l.RunOnce(-1)
		if err != nil {
			t.Fatalf("RunOnce failed: %s", err)
		}
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected timer order: %v", order)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("timer fired early")
	}
	if l.Count() != 0 {
		t.Fatalf("one-shot timers not consumed")
	}
}

func TestPeriodicTimers(t *testing.T) {

	l, err := NewPollLoop()
	if err != nil {
		t.Fatalf("NewPollLoop failed: %s", err)
	}
	defer l.Close()

	count := 0
	token, err := l.RegisterPeriodic(5*time.Millisecond, func() { count++ })
	if err != nil {
		t.Fatalf("RegisterPeriodic failed: %s", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for count < 3 && time.Now().Before(deadline) {
		err = l.RunOnce(-1)
		if err != nil {
			t.Fatalf("RunOnce failed: %s", err)
		}
	}
	if count < 3 {
		t.Fatalf("periodic timer fired %d times", count)
	}

	if !l.Unregister(token) {
		t.Fatalf("Unregister failed")
	}

	fired := count
	err = l.RunOnce(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("RunOnce failed: %s", err)
	}
	if count != fired {
		t.Fatalf("timer fired after Unregister")
	}
}

func TestRunWakesForRegistration(t *testing.T) {

	for name, l := range newTestLoops(t) {
		t.Run(name, func(t *testing.T) {

			ctx, cancel := context.WithCancel(context.Background())
			runResult := make(chan error, 1)
			go func() {
				runResult <- l.Run(ctx)
			}()

			readFd, writeFd := makePipe(t)

			// Register from another goroutine while Run is blocked with no
			// timers pending.

			time.Sleep(10 * time.Millisecond)

			fired := make(chan struct{}, 1)
			_, err := l.RegisterDevice(readFd, Read, false, func() {
				fired <- struct{}{}
			})
			if err != nil {
				t.Fatalf("RegisterDevice failed: %s", err)
			}

			unix.Write(writeFd, []byte("x"))

			select {
			case <-fired:
			case <-time.After(2 * time.Second):
				t.Fatalf("callback not invoked")
			}

			cancel()

			select {
			case err := <-runResult:
				if err != nil {
					t.Fatalf("Run failed: %s", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("Run did not stop")
			}
		})
	}
}

func TestClosedLoop(t *testing.T) {

	l, err := NewEventLoop(0)
	if err != nil {
		t.Fatalf("NewEventLoop failed: %s", err)
	}

	err = l.Close()
	if err != nil {
		t.Fatalf("Close failed: %s", err)
	}

	_, err = l.RegisterRealtime(0, func() {})
	if err == nil {
		t.Fatalf("RegisterRealtime succeeded on closed loop")
	}

	err = l.RunOnce(0)
	if err == nil {
		t.Fatalf("RunOnce succeeded on closed loop")
	}

	// Close is idempotent.
	err = l.Close()
	if err != nil {
		t.Fatalf("second Close failed: %s", err)
	}
}
