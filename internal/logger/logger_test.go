// Copyright 2023 Google LLC
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

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LoggerTest struct {
	suite.Suite
	buf *bytes.Buffer
}

func TestLoggerSuite(t *testing.T) { suite.Run(t, new(LoggerTest)) }

func (t *LoggerTest) SetupTest() {
	t.buf = &bytes.Buffer{}

	mu.Lock()
	defaultLoggerFactory.format = ""
	defaultLoggerFactory.extraWriters = nil
	mu.Unlock()

	SetLoggingLevel("INFO")
	AddWriterAndRefresh(t.buf, "")
}

func (t *LoggerTest) TestTextLineHasTimestampSeverityAndMessage() {
	Infof("load complete for %s", "args-single")

	line := t.buf.String()
	t.Contains(line, `severity=INFO`)
	t.Contains(line, `message="load complete for args-single"`)
	t.Contains(line, `time="`)
}

func (t *LoggerTest) TestTraceIsBelowDefaultLevel() {
	Tracef("dispatch detail that should not print")
	t.Empty(t.buf.String())
}

func (t *LoggerTest) TestSetLoggingLevelToTraceEnablesTraceLines() {
	SetLoggingLevel("TRACE")
	Tracef("dispatch pid=%d", 3)
	t.Contains(t.buf.String(), "severity=TRACE")
}

func (t *LoggerTest) TestWarnAndErrorAlwaysPassDefaultLevel() {
	Warnf("frame pool at capacity")
	Errorf("load failed: %s", "bad magic")

	out := t.buf.String()
	t.Contains(out, "severity=WARNING")
	t.Contains(out, "severity=ERROR")
}

func (t *LoggerTest) TestJsonFormatEmitsOneObjectPerLine() {
	UpdateDefaultLogger("json", "")

	Infof("hello")

	lines := strings.Split(strings.TrimRight(t.buf.String(), "\n"), "\n")
	t.Require().Len(lines, 1)

	var rec timestampedRecord
	t.Require().NoError(json.Unmarshal([]byte(lines[0]), &rec))
	t.Equal("INFO", rec.Severity)
	t.Equal("hello", rec.Message)
}

func (t *LoggerTest) TestUpdateDefaultLoggerPrefixesEveryLine() {
	UpdateDefaultLogger("", "args-single")

	Infof("started")
	t.Contains(t.buf.String(), `message="args-single: started"`)
}

func (t *LoggerTest) TestParseSeverityFallsBackToInfoForUnknownInput() {
	t.Equal(LevelInfo, parseSeverity("NONSENSE"))
}
