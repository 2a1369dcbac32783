/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LoggingTestSuite struct {
	suite.Suite
	saved int
}

func (s *LoggingTestSuite) SetupTest() {
	s.saved = Level()
}

func (s *LoggingTestSuite) TearDownTest() {
	SetLogLevel(s.saved)
}

func (s *LoggingTestSuite) TestLogColor() {
	SetLogLevel(LevelTrace)
	var out bytes.Buffer
	l := NewWithOutput("test", &out)

	l.Tracef("this is tracef %s", "hello world")
	l.Infof("this is infof %s", "hello world")
	l.Info("this is info")
	l.Debugf("this is debugf %s", "hello world")
	l.Warnf("this is warnf %s", "hello world")
	l.Errorf("this is errorf %s", "hello world")
	l.Error("this is error")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	s.Require().Len(lines, 7)
	s.Contains(lines[0], "Trace")
	s.Contains(lines[0], "logging_test.go:")
	s.Contains(lines[0], "this is tracef hello world")
	s.Contains(lines[6], "Error")
}

func (s *LoggingTestSuite) TestLevelFilter() {
	SetLogLevel(LevelWarn)
	var out bytes.Buffer
	l := NewWithOutput("filter", &out)

	l.Debugf("hidden")
	l.Infof("hidden")
	s.Empty(out.String())
	s.False(l.Enabled(LevelInfo))

	l.Warnf("shown %d", 1)
	s.Contains(out.String(), "shown 1")

	SetLogLevel(LevelNoPrint)
	out.Reset()
	l.Errorf("hidden")
	s.Empty(out.String())
}

func (s *LoggingTestSuite) TestSetLogLevelRejectsOutOfRange() {
	SetLogLevel(LevelInfo)
	SetLogLevel(42)
	s.Equal(LevelInfo, Level())
	SetLogLevel(-1)
	s.Equal(LevelInfo, Level())
}

func (s *LoggingTestSuite) TestParseLevel() {
	for in, want := range map[string]int{"trace": LevelTrace, "Info": LevelInfo, "ERROR": LevelError, "3": LevelWarn, "none": LevelNoPrint} {
		got, err := ParseLevel(in)
		s.Require().NoError(err, in)
		s.Equal(want, got, in)
	}
	_, err := ParseLevel("loud")
	s.Error(err)
	_, err = ParseLevel("9")
	s.Error(err)
}

func TestLoggingTestSuite(t *testing.T) {
	suite.Run(t, new(LoggingTestSuite))
}
