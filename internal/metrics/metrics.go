// Copyright 2024 Google LLC
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

// Package metrics counts syscalls and page faults the way the teacher
// repo's common.otelMetrics counts filesystem ops: an otel Int64Counter
// per event class, with per-label attribute.Set instances cached in a
// sync.Map so a hot syscall path never allocates a fresh attribute set per
// call.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SyscallNameKey annotates a syscall count measurement with which
// of the thirteen syscalls it came from.
const SyscallNameKey = "syscall_name"

var syscallNameAttributeSet sync.Map

func getSyscallNameAttributeSet(name string) metric.MeasurementOption {
	if v, ok := syscallNameAttributeSet.Load(name); ok {
		return v.(metric.MeasurementOption)
	}
	opt := metric.WithAttributeSet(attribute.NewSet(attribute.String(SyscallNameKey, name)))
	v, _ := syscallNameAttributeSet.LoadOrStore(name, opt)
	return v.(metric.MeasurementOption)
}

// Recorder holds the counters a running kernel simulation updates: one per
// syscall invocation and one per page fault (an invalid user address caught
// by the syscall validators). No method updates framesAllocated, and no
// frame-allocation metric is exported.
type Recorder struct {
	syscallCount     metric.Int64Counter
	pageFaultCount   metric.Int64Counter
	framesAllocated  *atomic.Int64
}

// NewRecorder registers this process's counters against the global otel
// meter provider current at the time of the call. Call InitPrometheusExporter first if metrics should be
// exported via /metrics; NewRecorder works against the default no-op
// provider too, so components can always call it unconditionally.
func NewRecorder() (*Recorder, error) {
	syscallMeter := otel.Meter("userproc_syscall")
	syscallCount, err := syscallMeter.Int64Counter(
		"userproc.syscalls.count",
		metric.WithDescription("Count of syscalls dispatched, by syscall name."))
	if err != nil {
		return nil, err
	}

	pageFaultCount, err := syscallMeter.Int64Counter(
		"userproc.page_faults.count",
		metric.WithDescription("Count of user-address validation failures that terminated a process."))
	if err != nil {
		return nil, err
	}

	return &Recorder{
		syscallCount:    syscallCount,
		pageFaultCount:  pageFaultCount,
		framesAllocated: &atomic.Int64{},
	}, nil
}

// RecordSyscall increments the per-name syscall counter.
func (r *Recorder) RecordSyscall(ctx context.Context, name string) {
	r.syscallCount.Add(ctx, 1, getSyscallNameAttributeSet(name))
}

// RecordPageFault increments the page-fault counter.
func (r *Recorder) RecordPageFault(ctx context.Context) {
	r.pageFaultCount.Add(ctx, 1)
}

// InitPrometheusExporter wires a Prometheus exporter into a new otel meter
// provider, installs that provider as the global one and returns it. The
// exporter registers with the default Prometheus registerer, which is what
// promhttp.Handler serves in the serve-metrics command.
func InitPrometheusExporter() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider, nil
}
