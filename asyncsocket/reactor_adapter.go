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
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/reactor"
)

// reactorAdapter presents one-shot and periodic timers, along with device
// registrations, over either reactor flavor. The flavor is selected once,
// when the adapter is created.
type reactorAdapter interface {
	armDevice(fd int, direction reactor.Direction, periodic bool, callback reactor.Callback) (*armed, error)
	armTimer(delay time.Duration, callback reactor.Callback) (*armed, error)
	armPeriodic(period time.Duration, callback reactor.Callback) (*armed, error)

	// disarm cancels a registration. It returns true only when the
	// registration was live and its callback will not be invoked again.
	disarm(a *armed) bool
}

// armed is an adapter registration. The underlying reactor token may change
// over the life of an emulated timer.
type armed struct {
	mutex   sync.Mutex
	token   reactor.Token
	stopped bool

	// emulated is set for periodic timers built from one-shot timers.
	// exhausted is set when such a timer could not be re-registered.
	emulated  bool
	exhausted bool
}

func newReactorAdapter(r reactor.Reactor) (reactorAdapter, error) {
	switch timers := r.(type) {
	case reactor.RealtimeTimers:
		return &realtimeAdapter{reactor: r, timers: timers}, nil
	case reactor.PeriodicTimers:
		return &periodicAdapter{reactor: r, timers: timers}, nil
	}
	return nil, errors.TraceNew("reactor supports no timers")
}

func armDevice(
	r reactor.Reactor,
	fd int,
	direction reactor.Direction,
	periodic bool,
	callback reactor.Callback) (*armed, error) {

	a := &armed{}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	token, err := r.RegisterDevice(fd, direction, periodic, callback)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.token = token
	return a, nil
}

func disarm(r reactor.Reactor, a *armed) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.stopped {
		return false
	}
	a.stopped = true
	return r.Unregister(a.token)
}

// realtimeAdapter uses native one-shot timers and emulates periodic timers
// by re-registering a one-shot timer each time it fires.
type realtimeAdapter struct {
	reactor reactor.Reactor
	timers  reactor.RealtimeTimers
}

func (adapter *realtimeAdapter) armDevice(
	fd int, direction reactor.Direction, periodic bool, callback reactor.Callback) (*armed, error) {
	return armDevice(adapter.reactor, fd, direction, periodic, callback)
}

func (adapter *realtimeAdapter) armTimer(
	delay time.Duration, callback reactor.Callback) (*armed, error) {

	a := &armed{}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	token, err := adapter.timers.RegisterRealtime(delay, callback)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.token = token
	return a, nil
}

func (adapter *realtimeAdapter) armPeriodic(
	period time.Duration, callback reactor.Callback) (*armed, error) {

	a := &armed{emulated: true}

	var fire reactor.Callback
	fire = func() {
		a.mutex.Lock()
		if a.stopped || a.exhausted {
			a.mutex.Unlock()
			return
		}
		token, err := adapter.timers.RegisterRealtime(period, fire)
		if err != nil {
			// The reactor is closed; this is the last firing.
			a.exhausted = true
		} else {
			a.token = token
		}
		a.mutex.Unlock()
		callback()
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	token, err := adapter.timers.RegisterRealtime(period, fire)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.token = token
	return a, nil
}

func (adapter *realtimeAdapter) disarm(a *armed) bool {
	if !a.emulated {
		return disarm(adapter.reactor, a)
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.stopped {
		return false
	}
	a.stopped = true
	if a.exhausted {
		return true
	}
	// When the current one-shot token has already been claimed by the
	// reactor, Unregister fails, but fire observes stopped and suppresses
	// the callback. Either way the callback is not invoked again.
	adapter.reactor.Unregister(a.token)
	return true
}

// periodicAdapter uses native periodic timers and emulates one-shot timers
// by unregistering the periodic timer before its first callback runs.
type periodicAdapter struct {
	reactor reactor.Reactor
	timers  reactor.PeriodicTimers
}

func (adapter *periodicAdapter) armDevice(
	fd int, direction reactor.Direction, periodic bool, callback reactor.Callback) (*armed, error) {
	return armDevice(adapter.reactor, fd, direction, periodic, callback)
}

func (adapter *periodicAdapter) armTimer(
	delay time.Duration, callback reactor.Callback) (*armed, error) {

	a := &armed{}

	fire := func() {
		a.mutex.Lock()
		if a.stopped {
			a.mutex.Unlock()
			return
		}
		a.stopped = true
		adapter.reactor.Unregister(a.token)
		a.mutex.Unlock()
		callback()
	}

	// a.mutex is held until the token is recorded, so fire cannot observe
	// an unset token.
	a.mutex.Lock()
	defer a.mutex.Unlock()
	token, err := adapter.timers.RegisterPeriodic(delay, fire)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.token = token
	return a, nil
}

func (adapter *periodicAdapter) armPeriodic(
	period time.Duration, callback reactor.Callback) (*armed, error) {

	a := &armed{}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	token, err := adapter.timers.RegisterPeriodic(period, callback)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.token = token
	return a, nil
}

func (adapter *periodicAdapter) disarm(a *armed) bool {
	return disarm(adapter.reactor, a)
}

// registration is a socket's reactor interest. Each live registration holds
// a socket reference: disarming a live registration releases it, and a
// one-shot registration releases it after its callback runs.
type registration struct {
	armed     *armed
	oneShot   bool
	cancelled bool
}

func (s *Socket) wrapCallback(r *registration, handler func()) reactor.Callback {
	return func() {
		s.lockForCallback()
		fire := !r.cancelled
		if r.oneShot {
			r.cancelled = true
		}
		if fire {
			handler()
		}
		s.unlockForCallback()
		if r.oneShot {
			s.Release()
		}
	}
}

func (s *Socket) armDevice(
	direction reactor.Direction, periodic bool, handler func()) (*registration, error) {

	r := &registration{oneShot: !periodic}
	s.AddRef()
	a, err := s.adapter.armDevice(s.tcp.fd, direction, periodic, s.wrapCallback(r, handler))
	if err != nil {
		s.Release()
		return nil, errors.Trace(err)
	}
	r.armed = a
	return r, nil
}

// armTimer arms a one-shot timer. armTimer may be called without holding
// the socket lock, from any goroutine.
func (s *Socket) armTimer(delay time.Duration, handler func()) (*registration, error) {

	r := &registration{oneShot: true}
	s.AddRef()
	a, err := s.adapter.armTimer(delay, s.wrapCallback(r, handler))
	if err != nil {
		s.Release()
		return nil, errors.Trace(err)
	}
	r.armed = a
	return r, nil
}

func (s *Socket) armPeriodic(period time.Duration, handler func()) (*registration, error) {

	r := &registration{}
	s.AddRef()
	a, err := s.adapter.armPeriodic(period, s.wrapCallback(r, handler))
	if err != nil {
		s.Release()
		return nil, errors.Trace(err)
	}
	r.armed = a
	return r, nil
}

// disarm cancels r, which may be nil. It returns true when r was live.
func (s *Socket) disarm(r *registration) bool {
	if r == nil || r.cancelled {
		return false
	}
	r.cancelled = true
	if s.adapter.disarm(r.armed) {
		s.Release()
		return true
	}
	// A one-shot registration that has already been claimed by the reactor
	// releases its reference when its callback runs.
	return false
}
