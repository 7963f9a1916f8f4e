// Copyright (c) 2026 John Earle
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

// Package metrics exposes Prometheus instrumentation for the pool, the
// enforcement pipeline and the command handlers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phishguard"

var (
	// poolState is the current db.State as its integer value.
	poolState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "state",
		Help:      "Connection pool state (0=uninitialized 1=connecting 2=ready 3=failed 4=closed)",
	})

	// poolInitAttempts counts pool construction attempts.
	// Labels: result (ok, transient, fatal)
	poolInitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "init_attempts_total",
		Help:      "Pool construction attempts by result",
	}, []string{"result"})

	// acquireAttempts counts individual lease attempts.
	// Labels: result (ok, transient, error)
	acquireAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "acquire_attempts_total",
		Help:      "Connection lease attempts by result",
	}, []string{"result"})

	acquireFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "acquire_failures_total",
		Help:      "Operations that gave up after exhausting lease retries",
	})

	// releases counts handle releases.
	// Labels: result (ok, pool_closed, error)
	releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "releases_total",
		Help:      "Connection releases by result",
	}, []string{"result"})

	// pipelineResults counts terminal pipeline states.
	// Labels: state (acted, skipped), reason
	pipelineResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "results_total",
		Help:      "Message pipeline outcomes",
	}, []string{"state", "reason"})

	// classifierLatency measures classifier round trips.
	// Labels: verdict (malicious, benign, unavailable)
	classifierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "latency_seconds",
		Help:      "Classifier call latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"verdict"})

	// moderationCalls counts platform moderation calls.
	// Labels: step (delete, timeout, ban), status (ok, error)
	moderationCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "moderation",
		Name:      "calls_total",
		Help:      "Platform moderation calls by step and status",
	}, []string{"step", "status"})

	// commands counts privileged command invocations.
	// Labels: command, result (ok, denied, invalid, error)
	commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "invocations_total",
		Help:      "Command invocations by result",
	}, []string{"command", "result"})
)

// SetPoolState records the current pool state.
func SetPoolState(state int) {
	poolState.Set(float64(state))
}

// RecordPoolInitAttempt records one pool construction attempt.
func RecordPoolInitAttempt(result string) {
	poolInitAttempts.WithLabelValues(result).Inc()
}

// RecordAcquireAttempt records one lease attempt.
func RecordAcquireAttempt(result string) {
	acquireAttempts.WithLabelValues(result).Inc()
}

// RecordAcquireFailure records an operation that exhausted its lease retries.
func RecordAcquireFailure() {
	acquireFailures.Inc()
}

// RecordRelease records one handle release.
func RecordRelease(result string) {
	releases.WithLabelValues(result).Inc()
}

// RecordPipelineResult records the terminal state of one message pipeline.
func RecordPipelineResult(state, reason string) {
	pipelineResults.WithLabelValues(state, reason).Inc()
}

// ObserveClassifier records the latency of a classifier call.
func ObserveClassifier(verdict string, d time.Duration) {
	classifierLatency.WithLabelValues(verdict).Observe(d.Seconds())
}

// RecordModerationCall records one platform moderation call.
func RecordModerationCall(step string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	moderationCalls.WithLabelValues(step, status).Inc()
}

// RecordCommand records one command invocation.
func RecordCommand(command, result string) {
	commands.WithLabelValues(command, result).Inc()
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
