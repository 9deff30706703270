// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package opcua_plugin

import (
	"errors"
	"fmt"

	"github.com/gopcua/opcua/ua"
)

// EndpointErrorKind classifies a failed endpoint query.
type EndpointErrorKind int

const (
	// ConnectFailed means no session could be opened, including after the retry.
	ConnectFailed EndpointErrorKind = iota
	// ReadFailed means the read returned a bad status or a value of an unexpected type.
	ReadFailed
)

func (k EndpointErrorKind) String() string {
	switch k {
	case ConnectFailed:
		return "connect failed"
	case ReadFailed:
		return "read failed"
	default:
		return "unknown"
	}
}

// EndpointError is returned by EndpointClient.ReadScalarAttribute.
type EndpointError struct {
	Kind     EndpointErrorKind
	Address  string
	Attempts int           // connect attempts made, set for ConnectFailed
	Status   ua.StatusCode // OPC UA status, if the failure carried one
	Reason   string        // e.g. "unexpected type int32"
	Err      error
}

func (e *EndpointError) Error() string {
	msg := fmt.Sprintf("opcua endpoint %s: %s", e.Address, e.Kind)
	if e.Kind == ConnectFailed && e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Status != ua.StatusOK {
		msg += fmt.Sprintf(": status %s", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

// Is matches another *EndpointError by kind, so callers can write
// errors.Is(err, &EndpointError{Kind: ConnectFailed}).
func (e *EndpointError) Is(target error) bool {
	t, ok := target.(*EndpointError)
	return ok && t.Kind == e.Kind
}

// statusFromError extracts an OPC UA status code from a service error.
func statusFromError(err error) ua.StatusCode {
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	return ua.StatusOK
}
