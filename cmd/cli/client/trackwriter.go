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

package client

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"

	"github.com/livekit/meshrelay/pkg/logger"
)

const defaultFrameDuration = 33 * time.Millisecond

type SampleWriter interface {
	WriteCameraSample(sample media.Sample) error
}

// TrackWriter plays a VP8 IVF file into the camera track, looping until ctx
// is done.
type TrackWriter struct {
	ctx      context.Context
	writer   SampleWriter
	filePath string
	logger   logger.Logger
}

func NewTrackWriter(ctx context.Context, writer SampleWriter, filePath string) *TrackWriter {
	return &TrackWriter{
		ctx:      ctx,
		writer:   writer,
		filePath: filePath,
		logger:   logger.GetLogger().WithValues("file", filePath),
	}
}

func (w *TrackWriter) Start() error {
	// fail early on a missing or malformed file
	file, err := os.Open(w.filePath)
	if err != nil {
		return err
	}
	if _, _, err = ivfreader.NewWith(file); err != nil {
		_ = file.Close()
		return err
	}
	_ = file.Close()

	w.logger.Infow("starting track writer")
	go w.writeLoop()
	return nil
}

func (w *TrackWriter) writeLoop() {
	for {
		if err := w.writeVP8(); err != nil {
			w.logger.Errorw("could not write video", err)
			return
		}
		if w.ctx.Err() != nil {
			return
		}
	}
}

func (w *TrackWriter) writeVP8() error {
	file, err := os.Open(w.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	// pace frames at the playback rate
	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		frameDuration = defaultFrameDuration
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if err == io.EOF {
			w.logger.Debugw("all video frames sent, looping")
			return nil
		}
		if err != nil {
			return err
		}
		if err = w.writer.WriteCameraSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}
