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
	"bytes"
	"net"
	"strconv"
	"testing"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/parameters"
	"github.com/stretchr/testify/require"
)

func generateServerTLSConfig(t *testing.T) *TLSConfig {
	certificate, privateKey, err := common.GenerateSelfSignedCertificate(
		"localhost", "localhost", "127.0.0.1")
	require.NoError(t, err)
	return &TLSConfig{
		CertificatePEM: []byte(certificate),
		PrivateKeyPEM:  []byte(privateKey),
	}
}

func TestTLS(t *testing.T) {

	serverConfig := generateServerTLSConfig(t)

	otherConfig := generateServerTLSConfig(t)

	testCases := []struct {
		name         string
		clientConfig *TLSConfig
	}{
		{"skip verify", &TLSConfig{SkipVerify: true}},
		{"root CA", &TLSConfig{ServerName: "localhost", RootCAsPEM: serverConfig.CertificatePEM}},
		{"chrome", &TLSConfig{SkipVerify: true, ClientHelloProfile: "chrome"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {

			env := newTestEnv(t, nil)

			server := env.startEchoServer(&ListenOptions{TLS: serverConfig}, 0)

			s := env.exchange(server.address, &ConnectOptions{TLS: testCase.clientConfig}, "hello TLS")

			// A large message spans multiple TLS records.

			message := bytes.Repeat([]byte("0123456789abcdef"), 8192)
			var reply []byte
			require.NoError(t, s.Receive(make([]byte, len(message)), func(s *Socket, buffer []byte, filled int) {
				reply = append([]byte(nil), buffer[:filled]...)
				s.CancelReceive(true)
			}))
			require.NoError(t, s.Send(message, func(*Socket, []byte, int) {}))

			env.pumpUntil(func() bool { return reply != nil })
			require.Equal(t, message, reply)

			require.Equal(t, ErrorCodeInvalid, Code(s.StartTLS(testCase.clientConfig, nil)))
		})
	}

	t.Run("untrusted", func(t *testing.T) {

		env := newTestEnv(t, nil)

		server := env.startEchoServer(&ListenOptions{TLS: serverConfig}, 0)

		var recorder errorRecorder
		connected := false
		s, err := env.registry.Connect(
			server.address,
			&ConnectOptions{
				TLS:          &TLSConfig{ServerName: "localhost", RootCAsPEM: otherConfig.CertificatePEM},
				ErrorHandler: recorder.handler,
			},
			func(*Socket) { connected = true })
		require.NoError(t, err)
		defer s.Close()

		env.pumpUntil(func() bool { return len(recorder.errors) > 0 })

		require.False(t, connected)
		require.Equal(t, []ErrorCode{ErrorCodeHandshake}, recorder.codes())
	})
}

func TestStartTLS(t *testing.T) {

	env := newTestEnv(t, nil)

	serverConfig := generateServerTLSConfig(t)

	var serverError error
	listener, err := env.registry.Listen("127.0.0.1:0", nil, func(s *Socket) {
		s.SetErrorHandler(func(s *Socket, err error) {
			serverError = err
			s.Close()
		})

		// Read a plaintext line, then upgrade and echo.

		s.Receive(make([]byte, 9), func(s *Socket, buffer []byte, filled int) {
			if string(buffer[:filled]) != "STARTTLS\n" {
				t.Errorf("unexpected command: %q", buffer[:filled])
			}
			s.CancelReceive(true)
			err := s.StartTLS(serverConfig, func(s *Socket) {
				s.ReceivePartial(make([]byte, 256), func(s *Socket, buffer []byte, filled int) {
					s.Send(append([]byte(nil), buffer[:filled]...), func(*Socket, []byte, int) {})
				})
			})
			if err != nil {
				t.Errorf("StartTLS failed: %s", err)
			}
		})
	})
	require.NoError(t, err)
	defer listener.Close()

	port, err := listener.Port()
	require.NoError(t, err)

	var recorder errorRecorder
	var reply []byte
	upgraded := false

	s, err := env.registry.Connect(
		net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		&ConnectOptions{ErrorHandler: recorder.handler},
		func(s *Socket) {
			s.Send([]byte("STARTTLS\n"), func(s *Socket, _ []byte, _ int) {
				err := s.StartTLS(&TLSConfig{SkipVerify: true}, func(s *Socket) {
					upgraded = true
					s.Receive(make([]byte, 6), func(s *Socket, buffer []byte, filled int) {
						reply = append([]byte(nil), buffer[:filled]...)
						s.CancelReceive(true)
					})
					s.Send([]byte("secret"), func(*Socket, []byte, int) {})
				})
				if err != nil {
					t.Errorf("StartTLS failed: %s", err)
				}
			})
		})
	require.NoError(t, err)
	defer s.Close()

	env.pumpUntil(func() bool {
		return reply != nil || len(recorder.errors) > 0 || serverError != nil
	})

	require.Empty(t, recorder.errors)
	require.NoError(t, serverError)
	require.True(t, upgraded)
	require.Equal(t, "secret", string(reply))
}

func TestStartTLSPreconditions(t *testing.T) {

	env := newTestEnv(t, nil)

	s, _ := env.socketPair(nil)
	defer s.Close()

	err := s.StartTLS(nil, nil)
	require.Equal(t, ErrorCodeInvalid, Code(err))

	require.NoError(t, s.SetErrorHandler(func(*Socket, error) {}))
	require.NoError(t, s.Receive(make([]byte, 1), func(*Socket, []byte, int) {}))

	err = s.StartTLS(&TLSConfig{SkipVerify: true}, nil)
	require.Equal(t, ErrorCodeInvalid, Code(err))
	require.Equal(t, StateConnected, s.GetState())

	require.NoError(t, s.CancelCallbacksForClose())

	err = s.StartTLS(&TLSConfig{SkipVerify: true}, nil)
	require.Equal(t, ErrorCodeNotConnected, Code(err))
}

func TestTLSHandshakeLimit(t *testing.T) {

	env := newTestEnv(t, map[string]interface{}{
		parameters.MaxConcurrentTLSHandshakes: 1,
	})

	require.True(t, env.registry.acquireHandshake())
	require.False(t, env.registry.acquireHandshake())

	// While the limit is reached, accepted TLS sockets are closed without
	// invoking the accept callback.

	server := env.startEchoServer(&ListenOptions{TLS: generateServerTLSConfig(t)}, 0)

	var recorder errorRecorder
	s, err := env.registry.Connect(
		server.address,
		&ConnectOptions{TLS: &TLSConfig{SkipVerify: true}, ErrorHandler: recorder.handler},
		func(*Socket) {})
	require.NoError(t, err)
	defer s.Close()

	env.pumpUntil(func() bool { return len(recorder.errors) > 0 })
	require.Equal(t, []ErrorCode{ErrorCodeHandshake}, recorder.codes())
	require.Equal(t, 0, server.acceptedCount())

	env.registry.releaseHandshake()
	require.True(t, env.registry.acquireHandshake())
	env.registry.releaseHandshake()

	env.exchange(server.address, &ConnectOptions{TLS: &TLSConfig{SkipVerify: true}}, "after limit")
}
