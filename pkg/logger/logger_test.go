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

package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_ErrorKey(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core)).WithName("registry").WithValues("roomID", "r1")

	l.Warnw("send failed", errors.New("closed"), "connectionID", "CO_1")
	l.Infow("registered")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	require.Equal(t, "registry", entries[0].LoggerName)

	fields := entries[0].ContextMap()
	require.Equal(t, "r1", fields["roomID"])
	require.Equal(t, "CO_1", fields["connectionID"])
	require.Equal(t, "closed", fields["error"])

	_, hasError := entries[1].ContextMap()["error"]
	require.False(t, hasError)
}

func TestPionAdapter_RespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	factory := NewPionLoggerFactory(NewZapLogger(zap.New(core)), zapcore.WarnLevel)
	pl := factory.NewLogger("ice")

	pl.Debugf("gathering %d", 1)
	pl.Info("connected")
	pl.Warnf("retrying %s", "stun")
	pl.Error("failed")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	require.Equal(t, "retrying stun", entries[0].Message)
	require.Equal(t, "ice", entries[0].LoggerName)
	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestParseLevel(t *testing.T) {
	lvl, ok := parseLevel("debug")
	require.True(t, ok)
	require.Equal(t, zapcore.DebugLevel, lvl)

	_, ok = parseLevel("")
	require.False(t, ok)

	_, ok = parseLevel("loud")
	require.False(t, ok)
}
