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
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const (
	// a full RTP packet always fits the bucket
	minPacerBurst = 1500
	pacerWindow   = 250 * time.Millisecond
)

// bitratePacer holds outbound bytes to a cap. Packets that do not fit the
// budget are dropped, not queued.
type bitratePacer struct {
	lock    sync.Mutex
	limiter *rate.Limiter
	dropped atomic.Uint64
}

func newBitratePacer() *bitratePacer {
	return &bitratePacer{}
}

// SetMaxBitrate replaces the cap, 0 removes it.
func (p *bitratePacer) SetMaxBitrate(kbps uint32) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if kbps == 0 {
		p.limiter = nil
		return
	}
	bytesPerSecond := float64(kbps) * 1000 / 8
	burst := int(bytesPerSecond * pacerWindow.Seconds())
	if burst < minPacerBurst {
		burst = minPacerBurst
	}
	p.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

func (p *bitratePacer) MaxBitrate() uint32 {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.limiter == nil {
		return 0
	}
	return uint32(float64(p.limiter.Limit()) * 8 / 1000)
}

func (p *bitratePacer) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *bitratePacer) allow(size int) bool {
	p.lock.Lock()
	limiter := p.limiter
	p.lock.Unlock()

	if limiter == nil || limiter.AllowN(time.Now(), size) {
		return true
	}
	p.dropped.Inc()
	return false
}

// pacedTrack hands the wrapped track a writer that goes through the pacer.
type pacedTrack struct {
	webrtc.TrackLocal
	pacer *bitratePacer
}

func (t *pacedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.TrackLocal.Bind(&pacedContext{TrackLocalContext: ctx, pacer: t.pacer})
}

type pacedContext struct {
	webrtc.TrackLocalContext
	pacer *bitratePacer
}

func (c *pacedContext) WriteStream() webrtc.TrackLocalWriter {
	return &pacedWriter{TrackLocalWriter: c.TrackLocalContext.WriteStream(), pacer: c.pacer}
}

type pacedWriter struct {
	webrtc.TrackLocalWriter
	pacer *bitratePacer
}

func (w *pacedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.pacer.allow(header.MarshalSize() + len(payload)) {
		return 0, nil
	}
	return w.TrackLocalWriter.WriteRTP(header, payload)
}

func (w *pacedWriter) Write(b []byte) (int, error) {
	if !w.pacer.allow(len(b)) {
		return 0, nil
	}
	return w.TrackLocalWriter.Write(b)
}
