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
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// httpAuthenticator responds to a 407 challenge by adding credentials to
// the next CONNECT request.
type httpAuthenticator interface {
	authenticate(req *http.Request, resp *http.Response) error
}

func parseAuthChallenge(resp *http.Response) (map[string]string, error) {
	challenges := make(map[string]string)
	headers := resp.Header[http.CanonicalHeaderKey("proxy-authenticate")]

	for _, val := range headers {
		s := strings.SplitN(val, " ", 2)
		if len(s) == 2 {
			challenges[s[0]] = s[1]
		}
		if len(s) == 1 && s[0] != "" {
			challenges[s[0]] = ""
		}
	}
	if len(challenges) == 0 {
		return nil, proxyError(fmt.Errorf("no valid challenges in the Proxy-Authenticate header"))
	}
	return challenges, nil
}

func newHttpAuthenticator(resp *http.Response, username, password string) (httpAuthenticator, error) {

	challenges, err := parseAuthChallenge(resp)
	if err != nil {
		// Already wrapped in proxyError
		return nil, err
	}

	// Digest > Basic
	if _, ok := challenges["Digest"]; ok {
		return newDigestAuthenticator(username, password), nil
	} else if _, ok := challenges["Basic"]; ok {
		return newBasicAuthenticator(username, password), nil
	}

	schemes := make([]string, 0, len(challenges))
	for scheme := range challenges {
		schemes = append(schemes, scheme)
	}
	return nil, proxyError(fmt.Errorf("unsupported proxy authentication scheme in %v", schemes))
}

type basicHttpAuthenticator struct {
	username  string
	password  string
	responded bool
}

func newBasicAuthenticator(username, password string) *basicHttpAuthenticator {
	return &basicHttpAuthenticator{username: username, password: password}
}

func (a *basicHttpAuthenticator) authenticate(req *http.Request, _ *http.Response) error {
	if a.responded {
		return proxyError(fmt.Errorf("authorization is not accepted by the proxy server"))
	}
	a.responded = true
	credentials := base64.StdEncoding.EncodeToString([]byte(a.username + ":" + a.password))
	req.Header.Set("Proxy-Authorization", "Basic "+credentials)
	return nil
}

type digestHttpAuthenticator struct {
	username      string
	password      string
	responded     bool
	digestHeaders *digestHeaders
}

func newDigestAuthenticator(username, password string) *digestHttpAuthenticator {
	return &digestHttpAuthenticator{username: username, password: password}
}

/* Adapted from https://github.com/ryanjdew/http-digest-auth-client */

type digestHeaders struct {
	Realm     string
	Qop       string
	Method    string
	Nonce     string
	Opaque    string
	Algorithm string
	HA1       string
	HA2       string
	Cnonce    string
	Uri       string
	Nc        int16
	Username  string
	Password  string
}

func (d *digestHeaders) applyAuth(req *http.Request) {
	d.Nc += 0x1
	d.Method = req.Method
	d.digestChecksum()
	response := h(strings.Join([]string{d.HA1, d.Nonce, fmt.Sprintf("%08x", d.Nc),
		d.Cnonce, d.Qop, d.HA2}, ":"))
	authHeader := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", qop=%s, nc=%08x, cnonce="%s", algorithm=%s`,
		d.Username, d.Realm, d.Nonce, d.Uri, response, d.Qop, d.Nc, d.Cnonce, d.Algorithm)
	if d.Opaque != "" {
		authHeader = fmt.Sprintf(`%s, opaque="%s"`, authHeader, d.Opaque)
	}
	req.Header.Set("Proxy-Authorization", authHeader)
}

func (d *digestHeaders) digestChecksum() {
	var a1 string
	switch d.Algorithm {
	case "MD5":
		// HA1=MD5(username:realm:password)
		a1 = fmt.Sprintf("%s:%s:%s", d.Username, d.Realm, d.Password)
	case "MD5-sess":
		// HA1=MD5(MD5(username:realm:password):nonce:cnonce)
		str := fmt.Sprintf("%s:%s:%s", d.Username, d.Realm, d.Password)
		a1 = fmt.Sprintf("%s:%s:%s", h(str), d.Nonce, d.Cnonce)
	}
	if a1 == "" {
		return
	}
	d.HA1 = h(a1)
	d.HA2 = h(fmt.Sprintf("%s:%s", d.Method, d.Uri))
}

func randomKey() (string, error) {
	k := make([]byte, 12)
	_, err := rand.Read(k)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// h returns a lower-case hex MD5 digest.
func h(data string) string {
	digest := md5.New()
	digest.Write([]byte(data))
	return fmt.Sprintf("%x", digest.Sum(nil))
}

func (a *digestHttpAuthenticator) authenticate(req *http.Request, resp *http.Response) error {
	challenges, err := parseAuthChallenge(resp)
	if err != nil {
		return err
	}
	challenge := challenges["Digest"]
	if len(challenge) == 0 {
		return proxyError(fmt.Errorf("digest authentication challenge is empty"))
	}
	digestParams := map[string]string{}
	for _, keyval := range strings.Split(challenge, ",") {
		param := strings.SplitN(keyval, "=", 2)
		if len(param) != 2 {
			continue
		}
		digestParams[strings.Trim(param[0], "\" ")] = strings.Trim(param[1], "\" ")
	}
	if len(digestParams) == 0 {
		return proxyError(fmt.Errorf("digest authentication challenge is malformed"))
	}

	stale := digestParams["stale"] == "true"
	if a.responded && !stale {
		return proxyError(fmt.Errorf("authorization is not accepted by the proxy server"))
	}
	if stale {
		// The server indicated that the nonce is stale; start over with
		// the new challenge.
		a.digestHeaders = nil
	}

	if a.digestHeaders == nil {
		cnonce, err := randomKey()
		if err != nil {
			return proxyError(err)
		}
		algorithm := digestParams["algorithm"]
		if algorithm == "" {
			algorithm = "MD5"
		}
		a.digestHeaders = &digestHeaders{
			Uri:       req.URL.Host,
			Realm:     digestParams["realm"],
			Qop:       digestParams["qop"],
			Nonce:     digestParams["nonce"],
			Opaque:    digestParams["opaque"],
			Algorithm: algorithm,
			Cnonce:    cnonce,
			Username:  a.username,
			Password:  a.password,
		}
	}

	a.digestHeaders.applyAuth(req)
	a.responded = true
	return nil
}
