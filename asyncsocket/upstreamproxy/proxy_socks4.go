/*
 * Copyright (c) 2015, Psiphon Inc.
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
 * Copyright (c) 2014, Yawning Angel <yawning at torproject dot org>
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *
 *  * Redistributions of source code must retain the above copyright notice,
 *    this list of conditions and the following disclaimer.
 *
 *  * Redistributions in binary form must reproduce the above copyright notice,
 *    this list of conditions and the following disclaimer in the documentation
 *    and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 *
 * This is inspired by go.net/proxy/socks5.go:
 *
 * Copyright 2011 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style
 * license that can be found in the LICENSE file.
 */

package upstreamproxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"

	"golang.org/x/net/proxy"
)

// socks4Proxy is a SOCKS4a proxy.
type socks4Proxy struct {
	hostPort string
	username string
	forward  proxy.Dialer
}

const (
	socks4Version        = 0x04
	socks4CommandConnect = 0x01
	socks4Null           = 0x00
	socks4ReplyVersion   = 0x00

	socks4Granted                = 0x5a
	socks4Rejected               = 0x5b
	socks4RejectedIdentdFailed   = 0x5c
	socks4RejectedIdentdMismatch = 0x5d

	socks4ReplyLength = 8
)

func newSOCKS4(uri *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	s := new(socks4Proxy)
	s.hostPort = uri.Host
	s.forward = forward
	if uri.User != nil {
		s.username = uri.User.Username()
	}
	return s, nil
}

func (s *socks4Proxy) Dial(network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, proxyError(fmt.Errorf("invalid network type"))
	}

	request, err := s.makeRequest(addr)
	if err != nil {
		return nil, proxyError(err)
	}

	c, err := s.forward.Dial("tcp", s.hostPort)
	if err != nil {
		return nil, proxyError(fmt.Errorf("failed to dial SOCKS4a proxy: %v", err))
	}

	_, err = c.Write(request)
	if err != nil {
		c.Close()
		return nil, proxyError(fmt.Errorf("failed to write to SOCKS4a proxy: %v", err))
	}

	// The reply is read exactly, so no bytes beyond the handshake are
	// consumed from c.
	//
	// +----+----+----+----+----+----+----+----+
	// | VN | CD | DSTPORT |      DSTIP        |
	// +----+----+----+----+----+----+----+----+

	var reply [socks4ReplyLength]byte
	_, err = io.ReadFull(c, reply[:])
	if err != nil {
		c.Close()
		return nil, proxyError(fmt.Errorf("failed to read SOCKS4a proxy response: %v", err))
	}
	if reply[0] != socks4ReplyVersion {
		c.Close()
		return nil, proxyError(fmt.Errorf("proxy returned invalid SOCKS4 version"))
	}
	if reply[1] != socks4Granted {
		c.Close()
		return nil, proxyError(fmt.Errorf("proxy error: %s", socks4ErrorToString(reply[1])))
	}

	return c, nil
}

// makeRequest encodes a SOCKS4a CONNECT request:
//
// +----+----+----+----+----+----+----+----+----+----+....+----+
// | VN | CD | DSTPORT |      DSTIP        | USERID       |NULL|
// +----+----+----+----+----+----+----+----+----+----+....+----+
//
// A destination host name is sent after the user ID, with DSTIP set to
// the invalid address 0.0.0.1.
func (s *socks4Proxy) makeRequest(addr string) ([]byte, error) {

	hostStr, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing destination address: %v", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("failed to parse destination port: %v", err)
	}

	domainDest := ""
	ip := net.ParseIP(hostStr)
	if ip == nil {
		ip = net.IPv4(0, 0, 0, 1)
		domainDest = hostStr
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("destination address is not IPv4")
	}

	request := make([]byte, 0, 10+len(s.username)+len(domainDest))
	request = append(request, socks4Version, socks4CommandConnect)
	request = binary.BigEndian.AppendUint16(request, uint16(port))
	request = append(request, ip4...)
	request = append(request, s.username...)
	request = append(request, socks4Null)
	if domainDest != "" {
		request = append(request, domainDest...)
		request = append(request, socks4Null)
	}
	return request, nil
}

func socks4ErrorToString(code byte) string {
	switch code {
	case socks4Rejected:
		return "request rejected or failed"
	case socks4RejectedIdentdFailed:
		return "request rejected because SOCKS server cannot connect to identd on the client"
	case socks4RejectedIdentdMismatch:
		return "request rejected because the client program and identd report different user-ids"
	default:
		return fmt.Sprintf("unknown failure code %x", code)
	}
}

func init() {
	proxy.RegisterDialerType("socks4a", newSOCKS4)
	proxy.RegisterDialerType("socks4", newSOCKS4)
}
