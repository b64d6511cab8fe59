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
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/require"
)

type countingWriter struct {
	lock    sync.Mutex
	packets int
	bytes   int
}

func (w *countingWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.packets++
	w.bytes += header.MarshalSize() + len(payload)
	return len(payload), nil
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.packets++
	w.bytes += len(b)
	return len(b), nil
}

func (w *countingWriter) written() (int, int) {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.packets, w.bytes
}

// senderContext stands in for the context an RTPSender binds a track with.
type senderContext struct {
	webrtc.TrackLocalContext
	writer *countingWriter
}

func (c *senderContext) CodecParameters() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}}
}

func (c *senderContext) HeaderExtensions() []webrtc.RTPHeaderExtensionParameter {
	return nil
}

func (c *senderContext) SSRC() webrtc.SSRC {
	return 1234
}

func (c *senderContext) WriteStream() webrtc.TrackLocalWriter {
	return c.writer
}

func (c *senderContext) ID() string {
	return "sender"
}

func (c *senderContext) RTCPReader() interceptor.RTCPReader {
	return nil
}

func TestBitratePacer(t *testing.T) {
	header := &rtp.Header{Version: 2, PayloadType: 96}
	payload := make([]byte, 1000)

	t.Run("no cap", func(t *testing.T) {
		pacer := newBitratePacer()
		inner := &countingWriter{}
		w := &pacedWriter{TrackLocalWriter: inner, pacer: pacer}
		for i := 0; i < 100; i++ {
			_, err := w.WriteRTP(header, payload)
			require.NoError(t, err)
		}
		packets, _ := inner.written()
		require.Equal(t, 100, packets)
		require.Zero(t, pacer.Dropped())
		require.Zero(t, pacer.MaxBitrate())
	})

	t.Run("capped", func(t *testing.T) {
		pacer := newBitratePacer()
		pacer.SetMaxBitrate(64)
		require.Equal(t, uint32(64), pacer.MaxBitrate())

		inner := &countingWriter{}
		w := &pacedWriter{TrackLocalWriter: inner, pacer: pacer}
		for i := 0; i < 100; i++ {
			_, err := w.WriteRTP(header, payload)
			require.NoError(t, err)
		}
		// 8000 bytes per second with a 2000 byte bucket
		packets, _ := inner.written()
		require.Less(t, packets, 10)
		require.Equal(t, uint64(100-packets), pacer.Dropped())

		pacer.SetMaxBitrate(0)
		_, err := w.WriteRTP(header, payload)
		require.NoError(t, err)
		after, _ := inner.written()
		require.Equal(t, packets+1, after)
	})
}

func TestPacedTrack_CapsCameraSamples(t *testing.T) {
	send := func(t *testing.T, kbps uint32) (int, uint64) {
		m := NewStaticMedia()
		require.NoError(t, m.Acquire())
		t.Cleanup(m.Release)

		pacer := newBitratePacer()
		pacer.SetMaxBitrate(kbps)
		writer := &countingWriter{}
		track := &pacedTrack{TrackLocal: m.CameraTrack(), pacer: pacer}
		_, err := track.Bind(&senderContext{writer: writer})
		require.NoError(t, err)

		frame := make([]byte, 4000)
		for i := 0; i < 30; i++ {
			require.NoError(t, m.WriteCameraSample(media.Sample{Data: frame, Duration: 33 * time.Millisecond}))
		}
		_, bytes := writer.written()
		return bytes, pacer.Dropped()
	}

	uncapped, dropped := send(t, 0)
	require.Zero(t, dropped)
	require.Greater(t, uncapped, 30*4000)

	capped, dropped := send(t, 100)
	require.NotZero(t, dropped)
	// bucket of 3125 bytes, refilled at 12500 bytes per second
	require.Less(t, capped, uncapped/4)
}
