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

package parameters

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGetDefaultParameters(t *testing.T) {

	p, err := NewParameters(nil)
	if err != nil {
		t.Fatalf("NewParameters failed: %s", err)
	}

	for name, defaults := range defaultParameters {
		switch v := defaults.value.(type) {
		case string:
			g := p.Get().String(name)
			if v != g {
				t.Fatalf("String returned %+v expected %+v", g, v)
			}
		case int:
			g := p.Get().Int(name)
			if v != g {
				t.Fatalf("Int returned %+v expected %+v", g, v)
			}
		case float64:
			g := p.Get().Float(name)
			if v != g {
				t.Fatalf("Float returned %+v expected %+v", g, v)
			}
		case bool:
			g := p.Get().Bool(name)
			if v != g {
				t.Fatalf("Bool returned %+v expected %+v", g, v)
			}
		case time.Duration:
			g := p.Get().Duration(name)
			if v != g {
				t.Fatalf("Duration returned %+v expected %+v", g, v)
			}
		default:
			t.Fatalf("Unhandled default type: %s", name)
		}
	}
}

func TestGetValueLogger(t *testing.T) {

	loggerCalled := false

	p, err := NewParameters(
		func(error) {
			loggerCalled = true
		})
	if err != nil {
		t.Fatalf("NewParameters failed: %s", err)
	}

	p.Get().Int("unknown-parameter-name")

	if !loggerCalled {
		t.Fatalf("logger not called")
	}

	loggerCalled = false

	p.Get().Bool(ListenBacklog)

	if !loggerCalled {
		t.Fatalf("logger not called for type mismatch")
	}
}

func TestOverrides(t *testing.T) {

	tag := "tag"
	applyParameters := make(map[string]interface{})

	// Below minimum, should not apply
	defaultListenBacklog := defaultParameters[ListenBacklog].value.(int)
	minimumListenBacklog := defaultParameters[ListenBacklog].minimum.(int)
	applyParameters[ListenBacklog] = minimumListenBacklog - 1

	// Above minimum, should apply
	defaultReactorMaxEvents := defaultParameters[ReactorMaxEvents].value.(int)
	newReactorMaxEvents := defaultReactorMaxEvents + 1
	applyParameters[ReactorMaxEvents] = newReactorMaxEvents

	p, err := NewParameters(nil)
	if err != nil {
		t.Fatalf("NewParameters failed: %s", err)
	}

	// No skip on error; should fail and not apply any changes

	_, err = p.Set(tag, false, applyParameters)
	if err == nil {
		t.Fatalf("Set succeeded unexpectedly")
	}

	if p.Get().Tag() != "" {
		t.Fatalf("Tag returned unexpected value")
	}

	v := p.Get().Int(ListenBacklog)
	if v != defaultListenBacklog {
		t.Fatalf("Int returned unexpected ListenBacklog: %d", v)
	}

	v = p.Get().Int(ReactorMaxEvents)
	if v != defaultReactorMaxEvents {
		t.Fatalf("Int returned unexpected ReactorMaxEvents: %d", v)
	}

	// Skip on error; should skip ListenBacklog and apply ReactorMaxEvents

	counts, err := p.Set(tag, true, applyParameters)
	if err != nil {
		t.Fatalf("Set failed: %s", err)
	}

	if counts[0] != 1 {
		t.Fatalf("Set returned unexpected count: %d", counts[0])
	}

	if p.Get().Tag() != tag {
		t.Fatalf("Tag returned unexpected value")
	}

	v = p.Get().Int(ListenBacklog)
	if v != defaultListenBacklog {
		t.Fatalf("Int returned unexpected ListenBacklog: %d", v)
	}

	v = p.Get().Int(ReactorMaxEvents)
	if v != newReactorMaxEvents {
		t.Fatalf("Int returned unexpected ReactorMaxEvents: %d", v)
	}
}

func TestDurationStrings(t *testing.T) {

	p, err := NewParameters(nil)
	if err != nil {
		t.Fatalf("NewParameters failed: %s", err)
	}

	// Values arrive as they would from a JSON config file: durations as
	// strings and ints as float64.

	var applyParameters map[string]interface{}
	err = json.Unmarshal(
		[]byte(`{"ConnectTimeout": "250ms", "ListenBacklog": 16, "SendLowLatency": true}`),
		&applyParameters)
	if err != nil {
		t.Fatalf("Unmarshal failed: %s", err)
	}

	_, err = p.Set("", false, applyParameters)
	if err != nil {
		t.Fatalf("Set failed: %s", err)
	}

	if d := p.Get().Duration(ConnectTimeout); d != 250*time.Millisecond {
		t.Fatalf("unexpected ConnectTimeout: %s", d)
	}
	if n := p.Get().Int(ListenBacklog); n != 16 {
		t.Fatalf("unexpected ListenBacklog: %d", n)
	}
	if !p.Get().Bool(SendLowLatency) {
		t.Fatalf("unexpected SendLowLatency")
	}

	// A later Set starts from defaults again.

	_, err = p.Set("", false)
	if err != nil {
		t.Fatalf("Set failed: %s", err)
	}

	if p.Get().Bool(SendLowLatency) {
		t.Fatalf("SendLowLatency not reset")
	}
}
