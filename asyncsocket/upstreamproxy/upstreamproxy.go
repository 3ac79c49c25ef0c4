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

// Package upstreamproxy dials TCP connections through an upstream HTTP
// CONNECT, SOCKS4a or SOCKS5 proxy.
package upstreamproxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// DialFunc is the dial function signature used by upstreamproxy.
type DialFunc func(string, string) (net.Conn, error)

// Error is the type of all errors originating in the proxy negotiation.
type Error struct {
	error
}

func (e *Error) Unwrap() error {
	return e.error
}

func proxyError(err error) error {
	// Avoid multiple upstreamproxy.Error wrapping
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{error: fmt.Errorf("upstreamproxy error: %w", err)}
}

// UpstreamProxyConfig specifies an upstream proxy. ForwardDialFunc is used
// to dial the proxy itself; CustomHeaders are added to HTTP CONNECT
// requests.
type UpstreamProxyConfig struct {
	ForwardDialFunc DialFunc
	ProxyURIString  string
	CustomHeaders   http.Header
}

// UpstreamProxyConfig implements proxy.Dialer interface
// so we can pass it to proxy.FromURL
func (u *UpstreamProxyConfig) Dial(network, addr string) (net.Conn, error) {
	return u.ForwardDialFunc(network, addr)
}

// NewProxyDialFunc returns a DialFunc which establishes connections through
// the configured upstream proxy. When no proxy is configured, the forward
// dialer is returned as-is.
func NewProxyDialFunc(config *UpstreamProxyConfig) DialFunc {
	if config.ProxyURIString == "" {
		return config.ForwardDialFunc
	}
	proxyURI, err := url.Parse(config.ProxyURIString)
	if err != nil {
		return func(network, addr string) (net.Conn, error) {
			return nil, proxyError(fmt.Errorf("proxyURI url.Parse: %v", err))
		}
	}

	dialer, err := proxy.FromURL(proxyURI, config)
	if err != nil {
		return func(network, addr string) (net.Conn, error) {
			return nil, proxyError(fmt.Errorf("proxy.FromURL: %v", err))
		}
	}
	return dialer.Dial
}

// BufferedBytes returns any bytes which were read from the proxy connection
// beyond the end of the proxy handshake response and which have not yet
// been consumed by a Read. The bytes are removed from the conn.
//
// Callers which take over the underlying connection, bypassing conn.Read,
// must deliver these bytes before any subsequently read data.
func BufferedBytes(conn net.Conn) []byte {
	pc, ok := conn.(*proxyConn)
	if !ok {
		return nil
	}
	return pc.takeBuffered()
}

func drainReader(reader *bufio.Reader) []byte {
	if reader == nil || reader.Buffered() == 0 {
		return nil
	}
	buffered, _ := reader.Peek(reader.Buffered())
	out := append([]byte(nil), buffered...)
	reader.Discard(len(out))
	return out
}
