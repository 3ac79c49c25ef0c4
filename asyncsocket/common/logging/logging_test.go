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

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-asyncsocket/asyncsocket/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buffer *bytes.Buffer) []map[string]interface{} {
	var lines []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buffer.String()), "\n") {
		if line == "" {
			continue
		}
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &fields))
		lines = append(lines, fields)
	}
	return lines
}

func TestContextLogger(t *testing.T) {

	var buffer bytes.Buffer
	var logger common.Logger = NewContextLogger(&buffer, logrus.InfoLevel, "echo")

	logger.WithTrace().Debug("suppressed")
	logger.WithTraceFields(common.LogFields{"socketID": 1, "trace": "caller"}).Warning("warned")
	logger.LogMetric("socket_closed", common.LogFields{"backend": "tcp"})

	lines := decodeLines(t, &buffer)
	require.Len(t, lines, 2)

	warning := lines[0]
	require.Equal(t, "warned", warning["msg"])
	require.Equal(t, "warning", warning["level"])
	require.Equal(t, "echo", warning["component"])
	require.Equal(t, "caller", warning["fields.trace"])
	require.Contains(t, warning["trace"], "TestContextLogger")
	timestamp, ok := warning["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, timestamp)
	require.NoError(t, err)

	metric := lines[1]
	require.Equal(t, "socket_closed", metric["event_name"])
	require.Equal(t, "tcp", metric["backend"])
	require.NotContains(t, metric, "msg")
	require.NotContains(t, metric, "level")
}

func TestInitLogging(t *testing.T) {

	_, err := InitLogging("loud", "", "")
	require.Error(t, err)

	logger, err := InitLogging("", "", "")
	require.NoError(t, err)
	require.Equal(t, logrus.InfoLevel, logger.Level)
}
