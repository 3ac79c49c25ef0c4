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

Package stacktrace provides helpers for naming call sites in errors and logs.

*/
package stacktrace

import (
	"fmt"
	"runtime"
	"strings"
)

// GetFunctionName returns the function name for pc with the package import
// path trimmed to its last element, e.g. "asyncsocket.(*Socket).Close".
func GetFunctionName(pc uintptr) string {
	function := runtime.FuncForPC(pc)
	if function == nil {
		return "unknown"
	}
	funcName := function.Name()
	index := strings.LastIndex(funcName, "/")
	if index != -1 {
		funcName = funcName[index+1:]
	}
	return funcName
}

// GetCallerName returns "function#line" for the function that called
// GetCallerName's caller, walking up skip additional frames.
func GetCallerName(skip int) string {
	pc, _, line, ok := runtime.Caller(skip + 2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s#%d", GetFunctionName(pc), line)
}

// GetParentFunctionName returns the caller's parent function name and source
// file line number.
func GetParentFunctionName() string {
	return GetCallerName(1)
}

// GetCurrentFunctionName returns the caller's function name and source file
// line number.
func GetCurrentFunctionName() string {
	return GetCallerName(0)
}
