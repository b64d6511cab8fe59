// Copyright 2023 LiveKit, Inc.
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

package utils

import (
	"time"

	"go.uber.org/zap/zapcore"
)

type stopwatchMark struct {
	time  time.Time
	label string
}

type StopwatchSplit struct {
	Label    string
	Duration time.Duration
}

func (s StopwatchSplit) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("label", s.Label)
	e.AddDuration("duration", s.Duration)
	return nil
}

type StopwatchSplits []StopwatchSplit

func (s StopwatchSplits) MarshalLogArray(e zapcore.ArrayEncoder) error {
	for _, split := range s {
		if err := e.AppendObject(split); err != nil {
			return err
		}
	}
	return nil
}

// Stopwatch records labelled laps. It is not safe for concurrent use.
type Stopwatch struct {
	marks []stopwatchMark
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{
		marks: []stopwatchMark{{time: time.Now(), label: "start"}},
	}
}

func (s *Stopwatch) Mark(label string) {
	s.marks = append(s.marks, stopwatchMark{time: time.Now(), label: label})
}

func (s *Stopwatch) Splits() StopwatchSplits {
	splits := make(StopwatchSplits, len(s.marks)-1)
	for i := 1; i < len(s.marks); i++ {
		splits[i-1] = StopwatchSplit{
			Label:    s.marks[i].label,
			Duration: s.marks[i].time.Sub(s.marks[i-1].time),
		}
	}
	return splits
}

func (s *Stopwatch) Elapsed() time.Duration {
	return s.marks[len(s.marks)-1].time.Sub(s.marks[0].time)
}
