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
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"golang.org/x/sys/unix"
)

// EventLoop is an epoll reactor with one-shot realtime timers.
type EventLoop struct {
	*loop
}

// NewEventLoop creates an EventLoop. maxEvents bounds the number of
// readiness events collected per iteration.
func NewEventLoop(maxEvents int) (*EventLoop, error) {

	if maxEvents < 1 {
		maxEvents = 128
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Trace(err)
	}

	w := &epollWaiter{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
	}

	l, err := newLoop(w)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Trace(err)
	}

	return &EventLoop{loop: l}, nil
}

// RegisterRealtime registers a one-shot timer that fires once after delay.
func (e *EventLoop) RegisterRealtime(delay time.Duration, callback Callback) (Token, error) {
	token, err := e.registerTimer(delay, 0, callback)
	return token, errors.Trace(err)
}

type epollWaiter struct {
	epfd   int
	events []unix.EpollEvent
}

func (w *epollWaiter) update(fd int, previous, current interestMask) error {

	var events uint32
	if current&interestRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if current&interestWrite != 0 {
		events |= unix.EPOLLOUT
	}

	event := &unix.EpollEvent{Events: events, Fd: int32(fd)}

	var err error
	switch {
	case previous == 0 && current != 0:
		err = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, event)
	case current == 0:
		err = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	default:
		err = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, event)
	}
	return errors.Trace(err)
}

func (w *epollWaiter) wait(
	timeout time.Duration, ready func(fd int, readable, writable bool)) error {

	n, err := unix.EpollWait(w.epfd, w.events, durationToMilliseconds(timeout))
	if err != nil {
		if err == unix.EINTR {
			return err
		}
		return errors.Trace(err)
	}

	for i := 0; i < n; i++ {
		events := w.events[i].Events
		failed := events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		ready(
			int(w.events[i].Fd),
			failed || events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			failed || events&unix.EPOLLOUT != 0)
	}

	return nil
}

func (w *epollWaiter) close() error {
	return errors.Trace(unix.Close(w.epfd))
}
