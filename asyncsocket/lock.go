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
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// Lock is a reentrant mutual exclusion lock which may be shared by a group
// of sockets so that their callbacks and operations are serialized
// together. Sockets accepted from a listener share the listener's Lock.
//
// Callbacks are invoked with the Lock held by the reactor goroutine, so a
// callback may itself Lock and Unlock. Each Lock must be paired with an
// Unlock on the same goroutine.
type Lock struct {
	mutex sync.Mutex
	owner int64
	depth int
}

// NewLock creates a Lock.
func NewLock() *Lock {
	return &Lock{}
}

func (l *Lock) Lock() {
	id := goid.Get()
	if atomic.LoadInt64(&l.owner) == id {
		l.depth++
		return
	}
	l.mutex.Lock()
	atomic.StoreInt64(&l.owner, id)
	l.depth = 1
}

func (l *Lock) Unlock() {
	if atomic.LoadInt64(&l.owner) != goid.Get() {
		panic("asyncsocket: Unlock of a Lock not held by the calling goroutine")
	}
	l.depth--
	if l.depth > 0 {
		return
	}
	atomic.StoreInt64(&l.owner, 0)
	l.mutex.Unlock()
}

// IsHeld reports whether the Lock is held by the calling goroutine.
func (l *Lock) IsHeld() bool {
	return atomic.LoadInt64(&l.owner) == goid.Get()
}

// suspend fully releases a Lock held by the calling goroutine, at any
// depth, and returns the depth for resume.
func (l *Lock) suspend() int {
	if !l.IsHeld() {
		panic("asyncsocket: suspend of a Lock not held by the calling goroutine")
	}
	depth := l.depth
	l.depth = 0
	atomic.StoreInt64(&l.owner, 0)
	l.mutex.Unlock()
	return depth
}

// resume reacquires a Lock released by suspend.
func (l *Lock) resume(depth int) {
	l.mutex.Lock()
	atomic.StoreInt64(&l.owner, goid.Get())
	l.depth = depth
}
