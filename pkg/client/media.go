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
	"errors"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

var ErrMediaReleased = errors.New("local media released")

type VideoSource int

const (
	VideoSourceCamera VideoSource = iota
	VideoSourceScreen
)

func (v VideoSource) String() string {
	if v == VideoSourceScreen {
		return "screen"
	}
	return "camera"
}

// LocalMediaState is what every peer link sends. Links created later start
// from the current value.
type LocalMediaState struct {
	AudioEnabled bool
	VideoEnabled bool
	VideoSource  VideoSource
	// 0 means no cap
	BitrateKbps uint32
}

func defaultLocalMediaState() LocalMediaState {
	return LocalMediaState{
		AudioEnabled: true,
		VideoEnabled: true,
		VideoSource:  VideoSourceCamera,
	}
}

// LocalMedia provides the outbound tracks.
type LocalMedia interface {
	Acquire() error
	AudioTrack() webrtc.TrackLocal
	CameraTrack() webrtc.TrackLocal
	// StartScreen returns the screen track and a channel that is closed when
	// the capture ends without StopScreen being called.
	StartScreen() (webrtc.TrackLocal, <-chan struct{}, error)
	StopScreen()
	// AudioLevels may return nil when levels are not available.
	AudioLevels() AudioLevelSource
	Release()
}

const (
	silenceInterval = 20 * time.Millisecond
	mediaStreamID   = "meshrelay"
)

// opus frame carrying silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticMedia is LocalMedia for headless participants. The audio track
// carries silence to keep the path alive, video tracks carry whatever is
// written to them.
type StaticMedia struct {
	lock   sync.Mutex
	audio  *webrtc.TrackLocalStaticSample
	camera *webrtc.TrackLocalStaticSample
	screen *webrtc.TrackLocalStaticSample
	// closed when the screen capture ends
	screenEnded chan struct{}
	levels      *staticLevels
	released    core.Fuse
	acquired    bool
}

func NewStaticMedia() *StaticMedia {
	return &StaticMedia{
		levels: &staticLevels{},
	}
}

func (m *StaticMedia) Acquire() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.released.IsBroken() {
		return ErrMediaReleased
	}
	if m.acquired {
		return nil
	}

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", mediaStreamID)
	if err != nil {
		return err
	}
	camera, err := newVideoTrack("camera")
	if err != nil {
		return err
	}

	m.audio = audio
	m.camera = camera
	m.acquired = true
	go m.silenceWorker(audio)
	return nil
}

func newVideoTrack(id string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, id, mediaStreamID)
}

func (m *StaticMedia) silenceWorker(track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(silenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.released.Watch():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: silenceInterval})
		}
	}
}

func (m *StaticMedia) AudioTrack() webrtc.TrackLocal {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.audio == nil {
		return nil
	}
	return m.audio
}

func (m *StaticMedia) CameraTrack() webrtc.TrackLocal {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.camera == nil {
		return nil
	}
	return m.camera
}

// WriteCameraSample pushes an encoded VP8 frame to the camera track.
func (m *StaticMedia) WriteCameraSample(sample media.Sample) error {
	m.lock.Lock()
	camera := m.camera
	m.lock.Unlock()
	if camera == nil {
		return ErrMediaReleased
	}
	return camera.WriteSample(sample)
}

func (m *StaticMedia) StartScreen() (webrtc.TrackLocal, <-chan struct{}, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.released.IsBroken() {
		return nil, nil, ErrMediaReleased
	}
	if m.screen == nil {
		screen, err := newVideoTrack("screen")
		if err != nil {
			return nil, nil, err
		}
		m.screen = screen
		m.screenEnded = make(chan struct{})
	}
	return m.screen, m.screenEnded, nil
}

func (m *StaticMedia) StopScreen() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.screen = nil
	m.screenEnded = nil
}

// EndScreen simulates the capture being revoked by the user.
func (m *StaticMedia) EndScreen() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.screenEnded != nil {
		close(m.screenEnded)
		m.screen = nil
		m.screenEnded = nil
	}
}

func (m *StaticMedia) AudioLevels() AudioLevelSource {
	return m.levels
}

func (m *StaticMedia) Release() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.released.Break()
	m.audio = nil
	m.camera = nil
	m.screen = nil
}

// staticLevels reports silence, samples centered at 128.
type staticLevels struct{}

func (s *staticLevels) TimeDomainData(buf []byte) {
	for i := range buf {
		buf[i] = 128
	}
}
