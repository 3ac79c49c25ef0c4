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
	"sort"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"golang.org/x/sys/unix"
)

// PollLoop is a poll(2) reactor supporting only periodic timers.
type PollLoop struct {
	*loop
}

// NewPollLoop creates a PollLoop.
func NewPollLoop() (*PollLoop, error) {

	w := &pollWaiter{
		interest: make(map[int]interestMask),
	}

	l, err := newLoop(w)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &PollLoop{loop: l}, nil
}

// RegisterPeriodic registers a timer that fires every period until it is
// unregistered. The first firing is one period from now.
func (p *PollLoop) RegisterPeriodic(period time.Duration, callback Callback) (Token, error) {
	if period <= 0 {
		// A zero period would fire on every iteration without ever
		// blocking; the shortest supported period is one millisecond.
		period = time.Millisecond
	}
	token, err := p.registerTimer(period, period, callback)
	return token, errors.Trace(err)
}

type pollWaiter struct {
	mutex    sync.Mutex
	interest map[int]interestMask
	fds      []unix.PollFd
}

func (w *pollWaiter) update(fd int, previous, current interestMask) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if current == 0 {
		delete(w.interest, fd)
	} else {
		w.interest[fd] = current
	}
	return nil
}

func (w *pollWaiter) wait(
	timeout time.Duration, ready func(fd int, readable, writable bool)) error {

	w.mutex.Lock()
	w.fds = w.fds[:0]
	for fd, mask := range w.interest {
		var events int16
		if mask&interestRead != 0 {
			events |= unix.POLLIN
		}
		if mask&interestWrite != 0 {
			events |= unix.POLLOUT
		}
		w.fds = append(w.fds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	w.mutex.Unlock()

	// Stable order keeps dispatch deterministic for a given interest set.
	sort.Slice(w.fds, func(i, j int) bool { return w.fds[i].Fd < w.fds[j].Fd })

	n, err := unix.Poll(w.fds, durationToMilliseconds(timeout))
	if err != nil {
		if err == unix.EINTR {
			return err
		}
		return errors.Trace(err)
	}
	if n == 0 {
		return nil
	}

	for _, pollFd := range w.fds {
		revents := pollFd.Revents
		if revents == 0 {
			continue
		}
		// POLLNVAL is reported for a descriptor closed while registered;
		// the owner is expected to unregister it.
		failed := revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
		ready(
			int(pollFd.Fd),
			failed || revents&unix.POLLIN != 0,
			failed || revents&unix.POLLOUT != 0)
	}

	return nil
}

func (w *pollWaiter) close() error {
	return nil
}
