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
	"sync"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured logger. Warnw and Errorw take the error as a
// separate argument so that it is always logged under the "error" key.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, err error, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
	WithValues(keysAndValues ...interface{}) Logger
	WithName(name string) Logger
}

type Config struct {
	Level string `yaml:"level,omitempty"`
	// JSON forces the production encoder even in development mode
	JSON bool `yaml:"json,omitempty"`
	// PionLevel controls logs coming out of pion/webrtc
	PionLevel string `yaml:"pion_level,omitempty"`
}

var (
	mu            sync.RWMutex
	defaultLogger Logger = NewZapLogger(zap.NewNop())

	// pion/webrtc
	defaultFactory logging.LoggerFactory
)

func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func SetLogger(l Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

func LoggerFactory() logging.LoggerFactory {
	mu.RLock()
	defer mu.RUnlock()
	if defaultFactory == nil {
		return NewPionLoggerFactory(defaultLogger, zapcore.WarnLevel)
	}
	return defaultFactory
}

func SetLoggerFactory(lf logging.LoggerFactory) {
	mu.Lock()
	defaultFactory = lf
	mu.Unlock()
}

func InitProduction(conf Config) {
	initLogger(zap.NewProductionConfig(), conf)
}

func InitDevelopment(conf Config) {
	if conf.JSON {
		initLogger(zap.NewProductionConfig(), conf)
		return
	}
	initLogger(zap.NewDevelopmentConfig(), conf)
}

// valid levels: debug, info, warn, error, fatal, panic
func initLogger(config zap.Config, conf Config) {
	if lvl, ok := parseLevel(conf.Level); ok {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := config.Build()
	if err != nil {
		return
	}
	zl := NewZapLogger(l).WithName("meshrelay")
	SetLogger(zl)

	pionLevel := zapcore.WarnLevel
	if lvl, ok := parseLevel(conf.PionLevel); ok {
		pionLevel = lvl
	}
	SetLoggerFactory(NewPionLoggerFactory(zl.WithName("pion"), pionLevel))
}

func parseLevel(level string) (zapcore.Level, bool) {
	if level == "" {
		return zapcore.InfoLevel, false
	}
	lvl := zapcore.Level(0)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, false
	}
	return lvl, true
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{sugar: l.Sugar()}
}

func (l *zapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) WithValues(keysAndValues ...interface{}) Logger {
	return &zapLogger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *zapLogger) WithName(name string) Logger {
	return &zapLogger{sugar: l.sugar.Named(name)}
}

func Debugw(msg string, keysAndValues ...interface{}) {
	GetLogger().Debugw(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	GetLogger().Infow(msg, keysAndValues...)
}

func Warnw(msg string, err error, keysAndValues ...interface{}) {
	GetLogger().Warnw(msg, err, keysAndValues...)
}

func Errorw(msg string, err error, keysAndValues ...interface{}) {
	GetLogger().Errorw(msg, err, keysAndValues...)
}
