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
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/parameters"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/reactor"
	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/marusama/semaphore"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	errorLogLimiterCacheSize = 1024
	errorLogLimiterTTL       = 10 * time.Minute
)

// Registry creates sockets on a reactor and owns the state shared by those
// sockets: socket IDs, the table of live sockets, the concurrent TLS
// handshake limit, the host name resolution cache, and metrics.
type Registry struct {
	reactor reactor.Reactor
	adapter reactorAdapter
	params  *parameters.Parameters
	logger  common.Logger

	nextID  uint64
	mutex   sync.Mutex
	sockets map[uint64]*Socket

	handshakes       semaphore.Semaphore
	dnsCache         *lrucache.Cache
	errorLogLimiters *lrucache.Cache

	connectedCount     int64
	acceptedCount      int64
	closedCount        int64
	errorCount         int64
	bytesSent          int64
	bytesReceived      int64
	peakConcurrentOpen int64
}

// NewRegistry creates a Registry. r must implement reactor.RealtimeTimers
// or reactor.PeriodicTimers. params and logger may be nil, for default
// parameters and no logging.
func NewRegistry(
	r reactor.Reactor,
	params *parameters.Parameters,
	logger common.Logger) (*Registry, error) {

	adapter, err := newReactorAdapter(r)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if params == nil {
		params, err = parameters.NewParameters(nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	if logger == nil {
		logger = common.NullLogger{}
	}

	p := params.Get()

	registry := &Registry{
		reactor: r,
		adapter: adapter,
		params:  params,
		logger:  logger,
		sockets: make(map[uint64]*Socket),
		errorLogLimiters: lrucache.NewWithLRU(
			errorLogLimiterTTL, 1*time.Minute, errorLogLimiterCacheSize),
	}

	if limit := p.Int(parameters.MaxConcurrentTLSHandshakes); limit > 0 {
		registry.handshakes = semaphore.New(limit)
	}

	if ttl := p.Duration(parameters.DNSCacheTTL); ttl > 0 {
		registry.dnsCache = lrucache.NewWithLRU(
			ttl, 1*time.Minute, p.Int(parameters.DNSCacheMaxEntries))
	}

	return registry, nil
}

// Reactor returns the reactor the registry's sockets are registered with.
func (r *Registry) Reactor() reactor.Reactor {
	return r.reactor
}

func (r *Registry) newSocket(
	capabilities *capabilities, lock *Lock, network string, state State) *Socket {

	s := &Socket{
		id:           atomic.AddUint64(&r.nextID, 1),
		refCount:     1,
		registry:     r,
		lock:         lock,
		adapter:      r.adapter,
		capabilities: capabilities,
		logger:       r.logger,
		params:       r.params.Get(),
		createdAt:    time.Now(),
		state:        state,
		tcp:          newTCPSocket(network),
	}
	s.flushOnCloseTimeout = s.params.Duration(parameters.FlushOnCloseTimeout)

	r.mutex.Lock()
	r.sockets[s.id] = s
	open := int64(len(r.sockets))
	r.mutex.Unlock()

	for {
		peak := atomic.LoadInt64(&r.peakConcurrentOpen)
		if open <= peak || atomic.CompareAndSwapInt64(&r.peakConcurrentOpen, peak, open) {
			break
		}
	}

	return s
}

// remove is called when a socket is destroyed.
func (r *Registry) remove(s *Socket) {
	r.mutex.Lock()
	delete(r.sockets, s.id)
	r.mutex.Unlock()

	r.logger.WithTraceFields(s.logFields()).Debug("destroyed")
}

// Get returns the live socket with the specified ID, with a reference added.
// The caller must Release the socket.
func (r *Registry) Get(id uint64) (*Socket, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, ok := r.sockets[id]
	if !ok || !s.tryAddRef() {
		return nil, false
	}
	return s, true
}

// Count returns the number of sockets which have not been destroyed.
func (r *Registry) Count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.sockets)
}

// GetMetrics implements common.MetricsSource.
func (r *Registry) GetMetrics() common.LogFields {
	return common.LogFields{
		"sockets":           r.Count(),
		"peak_sockets":      atomic.LoadInt64(&r.peakConcurrentOpen),
		"connected":         atomic.LoadInt64(&r.connectedCount),
		"accepted":          atomic.LoadInt64(&r.acceptedCount),
		"closed":            atomic.LoadInt64(&r.closedCount),
		"errors":            atomic.LoadInt64(&r.errorCount),
		"bytes_sent":        atomic.LoadInt64(&r.bytesSent),
		"bytes_received":    atomic.LoadInt64(&r.bytesReceived),
		"dns_cache_entries": r.dnsCacheEntries(),
	}
}

// CloseAll closes every open socket, acquiring each socket's Lock in turn.
func (r *Registry) CloseAll() {

	r.mutex.Lock()
	sockets := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		if s.tryAddRef() {
			sockets = append(sockets, s)
		}
	}
	r.mutex.Unlock()

	for _, s := range sockets {
		s.Lock()
		if s.state != StateClosed {
			s.capabilities.close(s)
		}
		s.Unlock()
		s.Release()
	}
}

// AttachOptions configures Registry.AttachDescriptor.
type AttachOptions struct {
	Lock         *Lock
	ErrorHandler ErrorHandler
}

// AttachDescriptor creates a connected socket from an existing connected
// stream socket descriptor. The socket takes ownership of fd, which is
// closed when the socket is closed.
func (r *Registry) AttachDescriptor(fd int, options *AttachOptions) (*Socket, error) {

	if options == nil {
		options = &AttachOptions{}
	}

	sockaddr, err := unix.Getsockname(fd)
	if err != nil {
		return nil, newError(ErrorCodeInvalid, errors.Trace(err))
	}
	network := "tcp"
	if _, ok := sockaddr.(*unix.SockaddrUnix); ok {
		network = "unix"
	}

	err = unix.SetNonblock(fd, true)
	if err != nil {
		return nil, newError(ErrorCodeGeneric, errors.Trace(err))
	}

	s := r.newSocket(tcpCapabilities, options.Lock, network, StateConnected)

	s.lockForCallback()
	s.tcp.attach(fd, nil)
	s.tcp.established = true
	s.errorHandler = options.ErrorHandler
	s.applyDefaultOptions()
	s.unlockForCallback()

	r.socketConnected(s)

	return s, nil
}

// logSocketError logs an asynchronous socket error. Repeated errors for the
// same peer are rate limited.
func (r *Registry) logSocketError(s *Socket, err error) {

	atomic.AddInt64(&r.errorCount, 1)

	key := common.IPAddressFromAddr(s.tcp.remoteAddr)
	if key == "" {
		key = s.tcp.targetAddress
	}
	if key == "" {
		key = s.capabilities.name
	}

	var limiter *rate.Limiter
	entry, ok := r.errorLogLimiters.Get(key)
	if ok {
		limiter = entry.(*rate.Limiter)
	} else {
		p := r.params.Get()
		limiter = rate.NewLimiter(
			rate.Limit(p.Float(parameters.ErrorLogRateLimit)),
			p.Int(parameters.ErrorLogRateBurst))
		r.errorLogLimiters.Set(key, limiter, lrucache.DefaultExpiration)
	}
	if !limiter.Allow() {
		return
	}

	fields := s.logFields()
	fields["peer"] = key
	if Code(err) == ErrorCodeRemoteDisconnect {
		r.logger.WithTraceFields(fields).Info("socket error: ", err)
		return
	}
	r.logger.WithTraceFields(fields).Warning("socket error: ", err)
}

func (r *Registry) addBytesSent(n int) {
	atomic.AddInt64(&r.bytesSent, int64(n))
}

func (r *Registry) addBytesReceived(n int) {
	atomic.AddInt64(&r.bytesReceived, int64(n))
}

func (r *Registry) socketConnected(s *Socket) {
	atomic.AddInt64(&r.connectedCount, 1)
	r.logger.WithTraceFields(s.logFields()).Debug("connected")
}

func (r *Registry) socketAccepted(s *Socket) {
	atomic.AddInt64(&r.acceptedCount, 1)
	r.logger.WithTraceFields(s.logFields()).Debug("accepted")
}

func (r *Registry) socketClosed(s *Socket) {
	atomic.AddInt64(&r.closedCount, 1)
	r.logger.LogMetric("socket_closed", common.LogFields{
		"socketID": s.id,
		"backend":  s.capabilities.name,
		"duration": time.Since(s.createdAt).String(),
	})
}

func (r *Registry) acquireHandshake() bool {
	if r.handshakes == nil {
		return true
	}
	return r.handshakes.TryAcquire(1)
}

func (r *Registry) releaseHandshake() {
	if r.handshakes != nil {
		r.handshakes.Release(1)
	}
}

func (r *Registry) getCachedResolution(host string) ([]net.IP, bool) {
	if r.dnsCache == nil {
		return nil, false
	}
	entry, ok := r.dnsCache.Get(host)
	if !ok {
		return nil, false
	}
	return entry.([]net.IP), true
}

func (r *Registry) setCachedResolution(host string, ips []net.IP) {
	if r.dnsCache == nil {
		return
	}
	r.dnsCache.Set(host, ips, lrucache.DefaultExpiration)
}

func (r *Registry) dnsCacheEntries() int {
	if r.dnsCache == nil {
		return 0
	}
	return r.dnsCache.ItemCount()
}
