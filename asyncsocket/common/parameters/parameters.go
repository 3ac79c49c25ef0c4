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

/*
Package parameters implements dynamic, concurrency-safe parameters that
determine socket and reactor behaviors.

Parameters include timeouts, buffer sizes, concurrency limits, etc.
Parameters are initialized with reasonable defaults. New values may be
applied from a config file. Sane minimum values are enforced.

Parameters may be read and updated concurrently. The read mechanism offers a
snapshot so that related parameters may be read in an atomic and consistent
way. For example:

	p := params.Get()
	timeout := p.Duration(parameters.ConnectTimeout)
	period := p.Duration(parameters.ConnectErrorCheckPeriod)

Sockets read the parameters they need once, at construction; changes apply
to sockets created afterwards.

For duration parameters, time.ParseDuration-compatible string values are
supported when applying new values. This allows specifying durations as, for
example, "100ms" or "24h".
*/
package parameters

import (
	"encoding/json"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common/errors"
)

const (
	ConnectTimeout             = "ConnectTimeout"
	ConnectErrorCheckPeriod    = "ConnectErrorCheckPeriod"
	TLSHandshakeTimeout        = "TLSHandshakeTimeout"
	MaxConcurrentTLSHandshakes = "MaxConcurrentTLSHandshakes"
	FlushOnCloseTimeout        = "FlushOnCloseTimeout"
	SendLowLatency             = "SendLowLatency"
	TCPNoDelay                 = "TCPNoDelay"
	TCPKeepAlivePeriod         = "TCPKeepAlivePeriod"
	ListenBacklog              = "ListenBacklog"
	DNSCacheTTL                = "DNSCacheTTL"
	DNSCacheMaxEntries         = "DNSCacheMaxEntries"
	ReactorMaxEvents           = "ReactorMaxEvents"
	TLSStagingBufferSize       = "TLSStagingBufferSize"
	UpstreamProxyDialTimeout   = "UpstreamProxyDialTimeout"
	ErrorLogRateLimit          = "ErrorLogRateLimit"
	ErrorLogRateBurst          = "ErrorLogRateBurst"
)

// defaultParameters specifies the type, default value, and minimum value for
// all dynamically configurable parameters.
//
// Do not change the names or types of existing values, as that can break
// config files.
//
// Minimum values are a fail-safe for cases where lower values would break
// socket logic. For example, a ReactorMaxEvents of 0 would make epoll_wait
// fail.
var defaultParameters = map[string]struct {
	value   interface{}
	minimum interface{}
}{
	// A zero ConnectTimeout or TLSHandshakeTimeout means no timeout.

	ConnectTimeout:          {value: 20 * time.Second, minimum: time.Duration(0)},
	ConnectErrorCheckPeriod: {value: 1 * time.Second, minimum: 10 * time.Millisecond},
	TLSHandshakeTimeout:     {value: 30 * time.Second, minimum: time.Duration(0)},

	// A zero MaxConcurrentTLSHandshakes means no limit.

	MaxConcurrentTLSHandshakes: {value: 0, minimum: 0},

	FlushOnCloseTimeout: {value: time.Duration(0), minimum: time.Duration(0)},
	SendLowLatency:      {value: false},
	TCPNoDelay:          {value: true},

	// A zero TCPKeepAlivePeriod disables keep-alives.

	TCPKeepAlivePeriod: {value: 30 * time.Second, minimum: time.Duration(0)},
	ListenBacklog:      {value: 128, minimum: 1},

	DNSCacheTTL:        {value: 5 * time.Minute, minimum: time.Duration(0)},
	DNSCacheMaxEntries: {value: 256, minimum: 1},

	ReactorMaxEvents:     {value: 128, minimum: 1},
	TLSStagingBufferSize: {value: 65536, minimum: 16384},

	UpstreamProxyDialTimeout: {value: 30 * time.Second, minimum: 1 * time.Second},

	// ErrorLogRateLimit is in log lines per second, per remote address.

	ErrorLogRateLimit: {value: 1.0, minimum: 0.001},
	ErrorLogRateBurst: {value: 5, minimum: 1},
}

// Parameters is a set of parameters. To use the parameters, call Get. To
// apply new values to the parameters, call Set.
type Parameters struct {
	getValueLogger func(error)
	snapshot       atomic.Value
}

// NewParameters initializes a new Parameters with the default parameter
// values.
//
// getValueLogger is optional, and is used to report runtime errors with
// getValue; see comment in getValue.
func NewParameters(
	getValueLogger func(error)) (*Parameters, error) {

	parameters := &Parameters{
		getValueLogger: getValueLogger,
	}

	_, err := parameters.Set("", false)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return parameters, nil
}

func makeDefaultParameters() (map[string]interface{}, error) {

	parameters := make(map[string]interface{})

	for name, defaults := range defaultParameters {

		if defaults.value == nil {
			return nil, errors.Tracef("default parameter missing value: %s", name)
		}

		if defaults.minimum != nil &&
			reflect.TypeOf(defaults.value) != reflect.TypeOf(defaults.minimum) {

			return nil, errors.Tracef("default parameter value and minimum type mismatch: %s", name)
		}

		parameters[name] = defaults.value
	}

	return parameters, nil
}

// Set replaces the current parameters. First, a set of parameters are
// initialized using the default values. Then, each applyParameters is applied
// in turn, with the later instances having precedence.
//
// When skipOnError is true, unknown or invalid parameters in any
// applyParameters are skipped instead of aborting with an error.
//
// When an error is returned, the previous parameters remain completely
// unmodified.
//
// For use in logging, Set returns a count of the number of parameters applied
// from each applyParameters.
func (p *Parameters) Set(
	tag string, skipOnError bool, applyParameters ...map[string]interface{}) ([]int, error) {

	var counts []int

	parameters, err := makeDefaultParameters()
	if err != nil {
		return nil, errors.Trace(err)
	}

	for i := 0; i < len(applyParameters); i++ {

		count := 0

		for name, value := range applyParameters[i] {

			templateValue, ok := parameters[name]
			if !ok {
				if skipOnError {
					continue
				}
				return nil, errors.Tracef("unknown parameter: %s", name)
			}

			newValue, err := makeTypedValue(templateValue, value)
			if err != nil {
				if skipOnError {
					continue
				}
				return nil, errors.Tracef(
					"unmarshal parameter %s failed: %v", name, err)
			}

			if !aboveMinimum(name, newValue) {
				if skipOnError {
					continue
				}
				return nil, errors.Tracef("parameter below minimum: %s", name)
			}

			parameters[name] = newValue

			count++
		}

		counts = append(counts, count)
	}

	snapshot := &parametersSnapshot{
		getValueLogger: p.getValueLogger,
		tag:            tag,
		parameters:     parameters,
	}

	p.snapshot.Store(snapshot)

	return counts, nil
}

func makeTypedValue(templateValue, value interface{}) (interface{}, error) {

	// Accept strings such as "1h" for duration parameters.

	switch templateValue.(type) {
	case time.Duration:
		if s, ok := value.(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				value = d
			}
		}
	}

	// A JSON remarshal resolves cases where applyParameters is a
	// result of unmarshal-into-interface, in which case numbers are
	// float64 rather than the expected int.

	marshaledValue, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Trace(err)
	}

	newValuePtr := reflect.New(reflect.TypeOf(templateValue))

	err = json.Unmarshal(marshaledValue, newValuePtr.Interface())
	if err != nil {
		return nil, errors.Trace(err)
	}

	return newValuePtr.Elem().Interface(), nil
}

func aboveMinimum(name string, value interface{}) bool {
	minimum := defaultParameters[name].minimum
	if minimum == nil {
		return true
	}
	switch v := value.(type) {
	case int:
		m, ok := minimum.(int)
		return ok && v >= m
	case float64:
		m, ok := minimum.(float64)
		return ok && v >= m
	case time.Duration:
		m, ok := minimum.(time.Duration)
		return ok && v >= m
	}
	return false
}

// Get returns the current parameters snapshot.
func (p *Parameters) Get() ParametersAccessor {
	return ParametersAccessor{
		snapshot: p.snapshot.Load().(*parametersSnapshot)}
}

type parametersSnapshot struct {
	getValueLogger func(error)
	tag            string
	parameters     map[string]interface{}
}

// getValue sets target to the value of the named parameter.
//
// It is an error if the name is not found, target is not a pointer, or the
// type of target points to does not match the value.
//
// Any of these conditions would be a bug in the caller. getValue does not
// panic in these cases as callers are deployed as a library in long-running
// processes. Instead, getValue logs an error and leaves target unmodified,
// which results in a zero value.
func (p *parametersSnapshot) getValue(name string, target interface{}) {

	value, ok := p.parameters[name]
	if !ok {
		if p.getValueLogger != nil {
			p.getValueLogger(errors.Tracef(
				"value %s not found", name))
		}
		return
	}

	valueType := reflect.TypeOf(value)

	if reflect.PointerTo(valueType) != reflect.TypeOf(target) {
		if p.getValueLogger != nil {
			p.getValueLogger(errors.Tracef(
				"value %s has unexpected type %s", name, valueType.Name()))
		}
		return
	}

	reflect.ValueOf(target).Elem().Set(reflect.ValueOf(value))
}

// ParametersAccessor provides consistent, atomic access to parameter values.
// Any customizations are applied transparently.
type ParametersAccessor struct {
	snapshot *parametersSnapshot
}

// Tag returns the tag associated with these parameters.
func (p ParametersAccessor) Tag() string {
	return p.snapshot.tag
}

// String returns a string parameter value.
func (p ParametersAccessor) String(name string) string {
	value := ""
	p.snapshot.getValue(name, &value)
	return value
}

// Int returns an int parameter value.
func (p ParametersAccessor) Int(name string) int {
	value := int(0)
	p.snapshot.getValue(name, &value)
	return value
}

// Bool returns a bool parameter value.
func (p ParametersAccessor) Bool(name string) bool {
	value := false
	p.snapshot.getValue(name, &value)
	return value
}

// Float returns a float64 parameter value.
func (p ParametersAccessor) Float(name string) float64 {
	value := float64(0.0)
	p.snapshot.getValue(name, &value)
	return value
}

// Duration returns a time.Duration parameter value.
func (p ParametersAccessor) Duration(name string) time.Duration {
	value := time.Duration(0)
	p.snapshot.getValue(name, &value)
	return value
}
