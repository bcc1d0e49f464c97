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

package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectCounter(t *testing.T, reader *sdkmetric.ManualReader, metricName string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != metricName {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				name := ""
				if v, ok := dp.Attributes.Value(attribute.Key(SyscallNameKey)); ok {
					name = v.AsString()
				}
				counts[name] += dp.Value
			}
		}
	}
	return counts
}

func TestRecordSyscallIncrementsPerNameCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	rec, err := NewRecorder()
	require.NoError(t, err)

	rec.RecordSyscall(context.Background(), "write")
	rec.RecordSyscall(context.Background(), "write")
	rec.RecordSyscall(context.Background(), "read")

	counts := collectCounter(t, reader, "userproc.syscalls.count")
	assert.EqualValues(t, 2, counts["write"])
	assert.EqualValues(t, 1, counts["read"])
}

func TestRecordPageFaultIncrementsUnlabeledCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	rec, err := NewRecorder()
	require.NoError(t, err)

	rec.RecordPageFault(context.Background())
	rec.RecordPageFault(context.Background())

	counts := collectCounter(t, reader, "userproc.page_faults.count")
	assert.EqualValues(t, 2, counts[""])
}

func TestInitPrometheusExporterRegistersAMeterProvider(t *testing.T) {
	provider, err := InitPrometheusExporter()
	require.NoError(t, err)
	assert.NotNil(t, provider)
}
