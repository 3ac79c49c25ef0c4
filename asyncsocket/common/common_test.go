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

package common

import (
	"crypto/x509"
	"encoding/pem"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrHelpers(t *testing.T) {

	testCases := []struct {
		addr         net.Addr
		expectedIP   string
		expectedPort int
	}{
		{&net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 443}, "192.0.2.1", 443},
		{&net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 80}, "2001:db8::1", 80},
		{&net.UnixAddr{Name: "/tmp/socket", Net: "unix"}, "", 0},
		{nil, "", 0},
	}

	for _, testCase := range testCases {
		require.Equal(t, testCase.expectedIP, IPAddressFromAddr(testCase.addr))
		require.Equal(t, testCase.expectedPort, PortFromAddr(testCase.addr))
	}
}

func TestIsIPLiteral(t *testing.T) {

	testCases := []struct {
		host     string
		expected bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"[::1]", true},
		{"localhost", false},
		{"example.com", false},
		{"", false},
		{"[]", false},
	}

	for _, testCase := range testCases {
		if IsIPLiteral(testCase.host) != testCase.expected {
			t.Fatalf("unexpected result for %q", testCase.host)
		}
	}
}

func TestConns(t *testing.T) {

	conns := NewConns()

	client, server := net.Pipe()
	defer server.Close()

	require.True(t, conns.Add(client))
	require.False(t, conns.IsClosed())

	conns.CloseAll()
	require.True(t, conns.IsClosed())

	// The tracked conn is closed.
	_, err := client.Write([]byte("x"))
	require.Error(t, err)

	other, otherPeer := net.Pipe()
	defer other.Close()
	defer otherPeer.Close()
	require.False(t, conns.Add(other))
}

func TestGenerateSelfSignedCertificate(t *testing.T) {

	certificatePEM, keyPEM, err := GenerateSelfSignedCertificate(
		"example.org", "example.org", "192.0.2.1")
	require.NoError(t, err)
	require.NotEmpty(t, keyPEM)

	block, _ := pem.Decode([]byte(certificatePEM))
	require.NotNil(t, block)

	certificate, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	require.Equal(t, "example.org", certificate.Subject.CommonName)
	require.Equal(t, []string{"example.org"}, certificate.DNSNames)
	require.Len(t, certificate.IPAddresses, 1)

	// The certificate verifies against itself as a root.

	roots := x509.NewCertPool()
	roots.AddCert(certificate)
	_, err = certificate.Verify(x509.VerifyOptions{
		DNSName: "example.org",
		Roots:   roots,
	})
	require.NoError(t, err)
}
