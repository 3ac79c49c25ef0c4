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

/*
Package reactor provides single-goroutine readiness and timer event loops.

A reactor delivers callbacks for file descriptor readiness and timers. All
callbacks run on the goroutine calling Run or RunOnce. Registration and
unregistration are safe from any goroutine.

Two loops are provided, with different timer semantics:

  - EventLoop, backed by epoll, supports arbitrary one-shot realtime timers
    (RealtimeTimers).
  - PollLoop, backed by poll(2), supports only periodic timers
    (PeriodicTimers); a one-shot timer must be emulated by unregistering the
    periodic timer when it first fires.

Device registrations are level-triggered. A periodic device registration
fires on every loop iteration in which the descriptor is ready, until it is
unregistered. A one-shot device or timer registration is removed before its
callback runs, after which Unregister returns false.
*/
package reactor

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"golang.org/x/sys/unix"
)

// Direction is the readiness direction of a device registration.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Callback is invoked on the loop goroutine.
type Callback func()

// Token identifies a registration. The zero Token is never issued.
type Token uint64

// Reactor is the device registration interface common to all loops.
type Reactor interface {

	// RegisterDevice registers callback for readiness of fd in direction.
	RegisterDevice(fd int, direction Direction, periodic bool, callback Callback) (Token, error)

	// Unregister removes a device or timer registration. It returns false
	// when the registration does not exist, including when a one-shot
	// registration has already fired.
	Unregister(token Token) bool
}

// RealtimeTimers is implemented by reactors supporting one-shot timers.
type RealtimeTimers interface {
	RegisterRealtime(delay time.Duration, callback Callback) (Token, error)
}

// PeriodicTimers is implemented by reactors supporting periodic timers.
type PeriodicTimers interface {
	RegisterPeriodic(period time.Duration, callback Callback) (Token, error)
}

// Loop is a reactor with its dispatch methods, implemented by both
// EventLoop and PollLoop.
type Loop interface {
	Reactor
	RunOnce(timeout time.Duration) error
	Run(ctx context.Context) error
	Wake()
	Count() int
	Close() error
}

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = errors.New("reactor closed")

type interestMask int

const (
	interestRead interestMask = 1 << iota
	interestWrite
)

// waiter is the readiness demultiplexer used by a loop.
type waiter interface {
	update(fd int, previous, current interestMask) error
	wait(timeout time.Duration, ready func(fd int, readable, writable bool)) error
	close() error
}

type device struct {
	token     Token
	fd        int
	direction Direction
	periodic  bool
	callback  Callback
}

type timer struct {
	token    Token
	when     time.Time
	period   time.Duration
	callback Callback
	index    int
}

type readyEvent struct {
	fd       int
	readable bool
	writable bool
}

// loop is the registration table and dispatch logic shared by EventLoop and
// PollLoop.
type loop struct {
	mutex     sync.Mutex
	waiter    waiter
	wakeRead  int
	wakeWrite int
	closed    bool
	waiting   bool
	nextToken Token
	devices   map[Token]*device
	fdDevices map[int]map[Token]*device
	timers    map[Token]*timer
	timerHeap timerHeap
	ready     []readyEvent
	running   sync.Mutex
}

func newLoop(w waiter) (*loop, error) {

	var pipe [2]int
	err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		return nil, errors.Trace(err)
	}

	l := &loop{
		waiter:    w,
		wakeRead:  pipe[0],
		wakeWrite: pipe[1],
		devices:   make(map[Token]*device),
		fdDevices: make(map[int]map[Token]*device),
		timers:    make(map[Token]*timer),
	}

	err = w.update(l.wakeRead, 0, interestRead)
	if err != nil {
		unix.Close(pipe[0])
		unix.Close(pipe[1])
		return nil, errors.Trace(err)
	}

	return l, nil
}

func (l *loop) allocateToken() Token {
	l.nextToken++
	return l.nextToken
}

// RegisterDevice implements Reactor.
func (l *loop) RegisterDevice(
	fd int, direction Direction, periodic bool, callback Callback) (Token, error) {

	if fd < 0 || callback == nil {
		return 0, errors.TraceNew("invalid device registration")
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return 0, errors.Trace(ErrClosed)
	}

	previous := l.fdInterest(fd)

	d := &device{
		token:     l.allocateToken(),
		fd:        fd,
		direction: direction,
		periodic:  periodic,
		callback:  callback,
	}

	fdDevices, ok := l.fdDevices[fd]
	if !ok {
		fdDevices = make(map[Token]*device)
		l.fdDevices[fd] = fdDevices
	}
	fdDevices[d.token] = d
	l.devices[d.token] = d

	current := l.fdInterest(fd)
	if current != previous {
		err := l.waiter.update(fd, previous, current)
		if err != nil {
			l.removeDevice(d)
			return 0, errors.Trace(err)
		}
	}

	l.wakeIfWaiting()

	return d.token, nil
}

func (l *loop) registerTimer(delay, period time.Duration, callback Callback) (Token, error) {

	if callback == nil {
		return 0, errors.TraceNew("invalid timer registration")
	}
	if delay < 0 {
		delay = 0
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return 0, errors.Trace(ErrClosed)
	}

	t := &timer{
		token:    l.allocateToken(),
		when:     time.Now().Add(delay),
		period:   period,
		callback: callback,
	}
	l.timers[t.token] = t
	heap.Push(&l.timerHeap, t)

	l.wakeIfWaiting()

	return t.token, nil
}

// Unregister implements Reactor.
func (l *loop) Unregister(token Token) bool {

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if d, ok := l.devices[token]; ok {
		l.removeDevice(d)
		return true
	}

	if t, ok := l.timers[token]; ok {
		l.removeTimer(t)
		return true
	}

	return false
}

func (l *loop) fdInterest(fd int) interestMask {
	var mask interestMask
	for _, d := range l.fdDevices[fd] {
		if d.direction == Read {
			mask |= interestRead
		} else {
			mask |= interestWrite
		}
	}
	return mask
}

// removeDevice must be called with the mutex held.
func (l *loop) removeDevice(d *device) {
	previous := l.fdInterest(d.fd)
	delete(l.devices, d.token)
	fdDevices := l.fdDevices[d.fd]
	delete(fdDevices, d.token)
	if len(fdDevices) == 0 {
		delete(l.fdDevices, d.fd)
	}
	current := l.fdInterest(d.fd)
	if current != previous {
		// The descriptor may already be closed by its owner, in which case
		// the kernel has dropped it from the interest set.
		_ = l.waiter.update(d.fd, previous, current)
	}
}

// removeTimer must be called with the mutex held.
func (l *loop) removeTimer(t *timer) {
	delete(l.timers, t.token)
	if t.index >= 0 {
		heap.Remove(&l.timerHeap, t.index)
	}
}

func (l *loop) wakeIfWaiting() {
	if l.waiting {
		l.wake()
	}
}

func (l *loop) wake() {
	var b [1]byte
	// EAGAIN means a wakeup is already pending.
	_, _ = unix.Write(l.wakeWrite, b[:])
}

func (l *loop) drainWake() {
	var buffer [64]byte
	for {
		n, err := unix.Read(l.wakeRead, buffer[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// RunOnce waits up to timeout for events and dispatches the callbacks for
// all ready devices and due timers. A negative timeout waits until the next
// timer or event.
func (l *loop) RunOnce(timeout time.Duration) error {

	l.running.Lock()
	defer l.running.Unlock()

	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return errors.Trace(ErrClosed)
	}
	waitTimeout := timeout
	if len(l.timerHeap) > 0 {
		untilNext := time.Until(l.timerHeap[0].when)
		if untilNext < 0 {
			untilNext = 0
		}
		if waitTimeout < 0 || untilNext < waitTimeout {
			waitTimeout = untilNext
		}
	}
	l.waiting = true
	l.mutex.Unlock()

	l.ready = l.ready[:0]
	err := l.waiter.wait(waitTimeout, func(fd int, readable, writable bool) {
		l.ready = append(l.ready, readyEvent{fd: fd, readable: readable, writable: writable})
	})

	l.mutex.Lock()
	l.waiting = false
	if l.closed {
		l.mutex.Unlock()
		return errors.Trace(ErrClosed)
	}
	if err != nil && err != unix.EINTR {
		l.mutex.Unlock()
		return errors.Trace(err)
	}

	var due []Token
	for _, event := range l.ready {
		if event.fd == l.wakeRead {
			l.drainWake()
			continue
		}
		for _, d := range l.fdDevices[event.fd] {
			if (d.direction == Read && event.readable) ||
				(d.direction == Write && event.writable) {
				due = append(due, d.token)
			}
		}
	}

	now := time.Now()
	for len(l.timerHeap) > 0 && !l.timerHeap[0].when.After(now) {
		t := l.timerHeap[0]
		due = append(due, t.token)
		if t.period > 0 {
			t.when = t.when.Add(t.period)
			if t.when.Before(now) {
				t.when = now.Add(t.period)
			}
			heap.Fix(&l.timerHeap, 0)
		} else {
			heap.Pop(&l.timerHeap)
		}
	}
	l.mutex.Unlock()

	// Dispatch in registration order so that, for example, a callback
	// registered first for a descriptor runs first.
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	for _, token := range due {
		callback := l.claim(token)
		if callback != nil {
			callback()
		}
	}

	return nil
}

// claim returns the callback to invoke for token, or nil if the registration
// was removed by an earlier callback in the same dispatch. One-shot
// registrations are removed here, before their callback runs.
func (l *loop) claim(token Token) Callback {

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if d, ok := l.devices[token]; ok {
		if !d.periodic {
			l.removeDevice(d)
		}
		return d.callback
	}

	if t, ok := l.timers[token]; ok {
		if t.period == 0 {
			delete(l.timers, t.token)
		}
		return t.callback
	}

	return nil
}

// Run dispatches events until ctx is done or the loop is closed.
func (l *loop) Run(ctx context.Context) error {

	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	for ctx.Err() == nil {
		err := l.RunOnce(-1)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return errors.Trace(err)
		}
	}
	return nil
}

// Wake interrupts a blocked RunOnce.
func (l *loop) Wake() {
	l.wake()
}

// Count returns the number of live device and timer registrations.
func (l *loop) Count() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.devices) + len(l.timers)
}

// Close releases the loop's descriptors. Pending registrations are dropped
// without their callbacks being invoked. Close waits for any in-progress
// RunOnce to return.
func (l *loop) Close() error {

	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return nil
	}
	l.closed = true
	l.wake()
	l.mutex.Unlock()

	l.running.Lock()
	defer l.running.Unlock()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.devices = make(map[Token]*device)
	l.fdDevices = make(map[int]map[Token]*device)
	l.timers = make(map[Token]*timer)
	l.timerHeap = nil

	err := l.waiter.close()
	unix.Close(l.wakeRead)
	unix.Close(l.wakeWrite)
	return errors.Trace(err)
}

// timerHeap is a min-heap of timers ordered by deadline.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].token < h[j].token
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func durationToMilliseconds(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	// Round up so that a sub-millisecond timeout does not become a busy poll.
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
