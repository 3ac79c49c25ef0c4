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

package upstreamproxy

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/require"
)

func runEchoServer(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return listener.Addr().String()
}

// runFakeProxy accepts a single connection and passes it to handler.
func runFakeProxy(t *testing.T, handler func(conn net.Conn)) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	return listener.Addr().String()
}

func dialVia(t *testing.T, proxyURI, addr string) (net.Conn, error) {
	dialer := NewProxyDialFunc(&UpstreamProxyConfig{
		ForwardDialFunc: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, 5*time.Second)
		},
		ProxyURIString: proxyURI,
		CustomHeaders:  http.Header{"X-Test-Header": []string{"value"}},
	})
	return dialer("tcp", addr)
}

func checkEcho(t *testing.T, conn net.Conn) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	message := []byte("hello through the proxy")
	_, err := conn.Write(message)
	require.NoError(t, err)
	echoed := make([]byte, len(message))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	require.Equal(t, message, echoed)
}

func TestHTTPConnectProxy(t *testing.T) {

	echoAddr := runEchoServer(t)

	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxyListener.Close()

	proxyServer := goproxy.NewProxyHttpServer()
	sawHeader := make(chan string, 1)
	proxyServer.OnRequest().HandleConnectFunc(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			select {
			case sawHeader <- ctx.Req.Header.Get("X-Test-Header"):
			default:
			}
			return goproxy.OkConnect, host
		})
	server := &http.Server{Handler: proxyServer}
	go server.Serve(proxyListener)
	defer server.Close()

	conn, err := dialVia(t, "http://"+proxyListener.Addr().String(), echoAddr)
	require.NoError(t, err)
	defer conn.Close()

	checkEcho(t, conn)

	select {
	case value := <-sawHeader:
		require.Equal(t, "value", value)
	case <-time.After(time.Second):
		t.Fatalf("CONNECT handler not invoked")
	}
}

func TestHTTPProxyBufferedBytes(t *testing.T) {

	early := "early bytes"

	proxyAddr := runFakeProxy(t, func(conn net.Conn) {
		_, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		// The target's first bytes arrive in the same segment as the
		// CONNECT response.
		conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n" + early))
		time.Sleep(time.Second)
	})

	conn, err := dialVia(t, "http://"+proxyAddr, "192.0.2.1:443")
	require.NoError(t, err)
	defer conn.Close()

	received := BufferedBytes(conn)
	if len(received) < len(early) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		remaining := make([]byte, len(early)-len(received))
		_, err := io.ReadFull(conn, remaining)
		require.NoError(t, err)
		received = append(received, remaining...)
	}
	require.Equal(t, early, string(received))

	// Buffered bytes are handed over exactly once.
	require.Empty(t, BufferedBytes(conn))
}

func TestHTTPProxyBasicAuth(t *testing.T) {

	username, password := "user", "secret"
	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))

	proxyAddr := runFakeProxy(t, func(conn net.Conn) {
		reader := bufio.NewReader(conn)
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		if req.Header.Get("Proxy-Authorization") == "" {
			conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n" +
				"Proxy-Authenticate: Basic realm=\"test\"\r\n" +
				"Content-Length: 0\r\n\r\n"))
			req, err = http.ReadRequest(reader)
			if err != nil {
				return
			}
		}
		if req.Header.Get("Proxy-Authorization") != expected {
			conn.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
		io.Copy(conn, reader)
	})

	conn, err := dialVia(
		t, fmt.Sprintf("http://%s:%s@%s", username, password, proxyAddr), "192.0.2.1:443")
	require.NoError(t, err)
	defer conn.Close()
}

func TestHTTPProxyAuthWithoutCredentials(t *testing.T) {

	proxyAddr := runFakeProxy(t, func(conn net.Conn) {
		_, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Proxy-Authenticate: Basic realm=\"test\"\r\n" +
			"Content-Length: 0\r\n\r\n"))
	})

	_, err := dialVia(t, "http://"+proxyAddr, "192.0.2.1:443")
	require.Error(t, err)
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
}

func TestSOCKS4aProxy(t *testing.T) {

	echoAddr := runEchoServer(t)
	echoHost, echoPortStr, _ := net.SplitHostPort(echoAddr)

	proxyAddr := runFakeProxy(t, func(conn net.Conn) {
		reader := bufio.NewReader(conn)
		header := make([]byte, 8)
		_, err := io.ReadFull(reader, header)
		if err != nil {
			return
		}
		userID, err := reader.ReadString(socks4Null)
		if err != nil || userID != "psiphon\x00" {
			conn.Write([]byte{socks4ReplyVersion, socks4Rejected, 0, 0, 0, 0, 0, 0})
			return
		}
		port := int(header[2])<<8 | int(header[3])
		ip := net.IP(header[4:8])
		target, err := net.Dial("tcp", net.JoinHostPort(ip.String(), fmt.Sprint(port)))
		if err != nil {
			conn.Write([]byte{socks4ReplyVersion, socks4Rejected, 0, 0, 0, 0, 0, 0})
			return
		}
		defer target.Close()
		conn.Write([]byte{socks4ReplyVersion, socks4Granted, 0, 0, 0, 0, 0, 0})
		go io.Copy(target, reader)
		io.Copy(conn, target)
	})

	conn, err := dialVia(t, "socks4a://psiphon@"+proxyAddr, net.JoinHostPort(echoHost, echoPortStr))
	require.NoError(t, err)
	defer conn.Close()

	require.Empty(t, BufferedBytes(conn))
	checkEcho(t, conn)
}

func TestSOCKS4Request(t *testing.T) {

	s := &socks4Proxy{username: "u"}

	testCases := []struct {
		description string
		addr        string
		expected    []byte
		expectError bool
	}{
		{
			"IPv4 destination",
			"192.0.2.1:80",
			[]byte{4, 1, 0, 80, 192, 0, 2, 1, 'u', 0},
			false,
		},
		{
			"domain destination",
			"example.org:443",
			append([]byte{4, 1, 1, 187, 0, 0, 0, 1, 'u', 0}, []byte("example.org\x00")...),
			false,
		},
		{
			"IPv6 destination",
			"[2001:db8::1]:80",
			nil,
			true,
		},
		{
			"invalid port",
			"192.0.2.1:99999",
			nil,
			true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			request, err := s.makeRequest(testCase.addr)
			if testCase.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, testCase.expected, request)
		})
	}
}

func TestUnsupportedProxyScheme(t *testing.T) {
	_, err := dialVia(t, "gopher://127.0.0.1:1", "192.0.2.1:80")
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
}
