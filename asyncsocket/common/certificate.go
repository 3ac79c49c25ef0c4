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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
)

// GenerateSelfSignedCertificate creates a self-signed TLS server certificate
// and returns the PEM encoded certificate and private key. The certificate
// subject is commonName; each of hosts is added as an IP address or DNS
// name subject alternative name.
//
// The certificate doubles as its own CA, so clients may trust it directly
// via a RootCAs pool containing the returned certificate.
func GenerateSelfSignedCertificate(
	commonName string, hosts ...string) (string, string, error) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	notBefore := time.Now().Truncate(time.Hour).UTC().Add(-24 * time.Hour)
	notAfter := notBefore.AddDate(1, 0, 0)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return "", "", errors.Trace(err)
	}
	// as per RFC3280 sec. 4.2.1.2
	subjectKeyID := sha1.Sum(publicKeyBytes)

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID[:],
	}

	for _, host := range hosts {
		if IP := net.ParseIP(host); IP != nil {
			template.IPAddresses = append(template.IPAddresses, IP)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	derCert, err := x509.CreateCertificate(
		rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	derKey, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	certificate := pem.EncodeToMemory(
		&pem.Block{Type: "CERTIFICATE", Bytes: derCert})

	privateKey := pem.EncodeToMemory(
		&pem.Block{Type: "EC PRIVATE KEY", Bytes: derKey})

	return string(certificate), string(privateKey), nil
}
