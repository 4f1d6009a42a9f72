/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package error

import (
	"errors"
	"fmt"
)

// Error is the typed error returned by the engine's public operations.
type Error struct {
	Code string
	Msg  string
}

// Canonical error codes.
const (
	Unknown = "Unknown"
	// NotFound indicates a registry or cache lookup where presence was assumed.
	NotFound = "NotFound"
	// AlreadyRegistered indicates a duplicate actor id registration.
	AlreadyRegistered = "AlreadyRegistered"
	// Timeout indicates a bounded wait was exceeded. The in-flight work is not
	// guaranteed to have been aborted on the actor side.
	Timeout = "Timeout"
	// Crashed indicates an actor terminated abnormally mid-call.
	Crashed = "Crashed"
	// Backpressure indicates ingress was rejected due to a saturated buffer.
	// This is routine flow control, not a failure; callers should retry later.
	Backpressure = "Backpressure"
	// SinkFailure indicates a batch hand-off exhausted its retries. The batch
	// is lost; this is the one condition that should page an operator.
	SinkFailure = "SinkFailure"
)

// Error returns a string version of the error.
func (e Error) Error() string {
	return fmt.Sprintf("hiveflow engine: %s - %s", e.Code, e.Msg)
}

// CanonicalCode returns the error's code, unwrapping as needed.
// Unrecognized errors map to Unknown.
func CanonicalCode(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsCode reports whether err carries the given canonical code.
func IsCode(err error, code string) bool {
	return CanonicalCode(err) == code
}
