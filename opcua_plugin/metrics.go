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
	"context"
	"errors"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// opcuaSkillReadDuration tracks the full connect, read and close span of a request
	opcuaSkillReadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opcua_skill_read_duration_seconds",
			Help:    "Duration of OPC UA skill reads including connect and close",
			Buckets: prometheus.DefBuckets,
		},
	)

	// opcuaSkillReadFailuresTotal tracks failed reads by reason
	opcuaSkillReadFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opcua_skill_read_failures_total",
			Help: "Total number of failed OPC UA skill reads by reason",
		},
		[]string{"reason"},
	)
)

func recordRead(d time.Duration, err error) {
	opcuaSkillReadDuration.Observe(d.Seconds())
	if err != nil {
		opcuaSkillReadFailuresTotal.WithLabelValues(classifyFailureReason(err)).Inc()
	}
}

// classifyFailureReason maps read errors to metric labels
func classifyFailureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ua.StatusBadTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}

	var endpointErr *EndpointError
	if !errors.As(err, &endpointErr) {
		return "other"
	}

	switch {
	case endpointErr.Kind == ConnectFailed:
		return "connect_failed"
	case endpointErr.Status == ua.StatusBadNodeIDUnknown, endpointErr.Status == ua.StatusBadNodeIDInvalid:
		return "node_id_unknown"
	case endpointErr.Status != ua.StatusOK:
		return "bad_status"
	case endpointErr.Reason != "":
		return "unexpected_value"
	default:
		return "other"
	}
}

// ResetMetrics resets all OPC UA metrics (for testing)
func ResetMetrics() {
	opcuaSkillReadFailuresTotal.Reset()
}
