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
	"encoding/json"
	"net/http"
	"os"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/logging"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/parameters"
	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/reactor"
)

const (
	ReactorEpoll = "epoll"
	ReactorPoll  = "poll"
)

// Config is the JSON configuration of a program built on this package.
type Config struct {

	// LogLevel is a logrus level name. The default is "info".
	LogLevel string

	// LogFilename, when set, is the file logs are appended to; otherwise
	// logs are written to stderr.
	LogFilename string

	// Reactor is ReactorEpoll, the default, or ReactorPoll.
	Reactor string

	// ParameterOverrides are applied over the default parameters. See the
	// parameters package for names and types.
	ParameterOverrides map[string]interface{}

	UpstreamProxyURL           string
	UpstreamProxyCustomHeaders http.Header

	// TLS client settings.
	TLSServerName         string
	TLSSkipVerify         bool
	TLSRootCAsFilename    string
	TLSClientHelloProfile string

	// TLS server settings. When TLSCertificateFilename is set, listeners
	// use TLS.
	TLSCertificateFilename string
	TLSPrivateKeyFilename  string
}

// LoadConfig parses and validates a JSON config.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.Reactor == "" {
		config.Reactor = ReactorEpoll
	}
	if config.Reactor != ReactorEpoll && config.Reactor != ReactorPoll {
		return nil, errors.Tracef("invalid reactor: %s", config.Reactor)
	}

	if (config.TLSCertificateFilename == "") != (config.TLSPrivateKeyFilename == "") {
		return nil, errors.TraceNew("TLS certificate and private key must both be set")
	}

	// Validate parameter overrides now rather than when the registry is
	// created.
	_, err = config.NewParameters()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &config, nil
}

// NewLogger creates a logger for the configured level and file.
func (config *Config) NewLogger(component string) (*logging.ContextLogger, error) {
	logger, err := logging.InitLogging(config.LogLevel, config.LogFilename, component)
	return logger, errors.Trace(err)
}

// NewParameters creates parameters with the configured overrides applied.
func (config *Config) NewParameters() (*parameters.Parameters, error) {
	params, err := parameters.NewParameters(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(config.ParameterOverrides) > 0 {
		_, err = params.Set("config", false, config.ParameterOverrides)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return params, nil
}

// NewReactor creates the configured reactor loop.
func (config *Config) NewReactor(params *parameters.Parameters) (reactor.Loop, error) {
	if config.Reactor == ReactorPoll {
		loop, err := reactor.NewPollLoop()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return loop, nil
	}
	loop, err := reactor.NewEventLoop(params.Get().Int(parameters.ReactorMaxEvents))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return loop, nil
}

// NewRegistry creates a reactor and a registry using it. The caller must
// run the reactor.
func (config *Config) NewRegistry(logger common.Logger) (*Registry, reactor.Loop, error) {
	params, err := config.NewParameters()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	loop, err := config.NewReactor(params)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	registry, err := NewRegistry(loop, params, logger)
	if err != nil {
		loop.Close()
		return nil, nil, errors.Trace(err)
	}
	return registry, loop, nil
}

// ClientTLSConfig returns the configured client TLS settings.
func (config *Config) ClientTLSConfig() (*TLSConfig, error) {
	tlsConfig := &TLSConfig{
		ServerName:         config.TLSServerName,
		SkipVerify:         config.TLSSkipVerify,
		ClientHelloProfile: config.TLSClientHelloProfile,
	}
	if config.TLSRootCAsFilename != "" {
		roots, err := os.ReadFile(config.TLSRootCAsFilename)
		if err != nil {
			return nil, errors.Trace(err)
		}
		tlsConfig.RootCAsPEM = roots
	}
	if _, err := tlsConfig.clientHelloID(); err != nil {
		return nil, errors.Trace(err)
	}
	return tlsConfig, nil
}

// ServerTLSConfig returns the configured server TLS settings, or nil when
// no certificate is configured.
func (config *Config) ServerTLSConfig() (*TLSConfig, error) {
	if config.TLSCertificateFilename == "" {
		return nil, nil
	}
	certificate, err := os.ReadFile(config.TLSCertificateFilename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	privateKey, err := os.ReadFile(config.TLSPrivateKeyFilename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &TLSConfig{
		CertificatePEM: certificate,
		PrivateKeyPEM:  privateKey,
	}, nil
}
