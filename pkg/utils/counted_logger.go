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
	"sync"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/meshrelay/pkg/logger"
)

// CountedLogger logs a sample of repeated events, tagging each line with the
// running count.
type CountedLogger interface {
	Log(msg string, keysAndValues ...any)
	ErrorLog(msg string, err error, keysAndValues ...any)
	Counter() int
}

type countedLoggerBase struct {
	lock    sync.Mutex
	counter int
	lgr     logger.Logger
	level   zapcore.Level
	check   func(counter int) bool
}

func newCountedLoggerBase(lgr logger.Logger, level zapcore.Level, check func(counter int) bool) *countedLoggerBase {
	return &countedLoggerBase{
		lgr:   lgr,
		level: level,
		check: check,
	}
}

func (c *countedLoggerBase) next() (int, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.counter++
	return c.counter, c.check(c.counter)
}

func (c *countedLoggerBase) Log(msg string, keysAndValues ...any) {
	counter, ok := c.next()
	if !ok {
		return
	}

	switch c.level {
	case zapcore.InfoLevel:
		c.lgr.Infow(msg, append(keysAndValues, "counter", counter)...)
	default:
		c.lgr.Debugw(msg, append(keysAndValues, "counter", counter)...)
	}
}

func (c *countedLoggerBase) ErrorLog(msg string, err error, keysAndValues ...any) {
	counter, ok := c.next()
	if !ok {
		return
	}

	switch c.level {
	case zapcore.ErrorLevel:
		c.lgr.Errorw(msg, err, append(keysAndValues, "counter", counter)...)
	default:
		c.lgr.Warnw(msg, err, append(keysAndValues, "counter", counter)...)
	}
}

func (c *countedLoggerBase) Counter() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.counter
}

// -----------------------------------

// logs `Initial` number of samples and then samples spaced apart by `Then`
type PeriodicLoggerParams struct {
	Initial int
	Then    int
}

func NewPeriodicLogger(lgr logger.Logger, level zapcore.Level, params PeriodicLoggerParams) CountedLogger {
	if params.Then <= 0 {
		params.Then = 1
	}
	return newCountedLoggerBase(lgr, level, func(counter int) bool {
		return counter <= params.Initial || (counter-params.Initial)%params.Then == 0
	})
}

// -----------------------------------

// logs samples `(counter % Base^n) == 0` for `n = 0, 1, 2, ...`
// for example with `Base = 5`, it will log samples at 1, 2, 3, 4, 5, 10, 15, 20, 25, 50, 75, 100, 125, 250, 375, ...
type ExponentialLoggerParams struct {
	Base int
}

func NewExponentialLogger(lgr logger.Logger, level zapcore.Level, params ExponentialLoggerParams) CountedLogger {
	if params.Base < 2 {
		params.Base = 2
	}
	current := 1
	return newCountedLoggerBase(lgr, level, func(counter int) bool {
		if counter == current*params.Base {
			current *= params.Base
		}
		return counter%current == 0
	})
}
