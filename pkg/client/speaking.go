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
	"math"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
)

const (
	levelSamples      = 128
	speakingThreshold = 20.0
	levelInterval     = time.Second / 60
	silenceDebounce   = 300 * time.Millisecond

	// speaker id of the local participant
	LocalSpeakerID = "local"
)

// AudioLevelSource fills buf with unsigned 8-bit time domain samples,
// silence being 128.
type AudioLevelSource interface {
	TimeDomainData(buf []byte)
}

// audioLevel is the RMS distance of the samples from the 128 midpoint.
func audioLevel(samples []byte) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) - 128
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func isSpeaking(samples []byte) bool {
	return audioLevel(samples) > speakingThreshold
}

type speaker struct {
	source   AudioLevelSource
	speaking bool
	// a silent transition is scheduled
	silencing bool
	debounced func(f func())
}

// SpeakingDetector samples audio levels and reports speaking changes.
// Starting to speak is reported on the next sample, going silent only after
// silence has lasted for a debounce period.
type SpeakingDetector struct {
	onChange func(id string, speaking bool)

	lock     sync.Mutex
	speakers map[string]*speaker
	started  bool
	stop     core.Fuse
}

func NewSpeakingDetector(onChange func(id string, speaking bool)) *SpeakingDetector {
	return &SpeakingDetector{
		onChange: onChange,
		speakers: make(map[string]*speaker),
	}
}

func (d *SpeakingDetector) Add(id string, source AudioLevelSource) {
	if source == nil {
		return
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.speakers[id] = &speaker{
		source:    source,
		debounced: debounce.New(silenceDebounce),
	}
}

func (d *SpeakingDetector) Remove(id string) {
	d.lock.Lock()
	sp := d.speakers[id]
	delete(d.speakers, id)
	d.lock.Unlock()

	if sp != nil {
		// drop any scheduled transition
		sp.debounced(func() {})
	}
}

func (d *SpeakingDetector) Start() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.started || d.stop.IsBroken() {
		return
	}
	d.started = true
	go d.worker()
}

func (d *SpeakingDetector) Stop() {
	d.stop.Break()
}

func (d *SpeakingDetector) worker() {
	ticker := time.NewTicker(levelInterval)
	defer ticker.Stop()

	buf := make([]byte, levelSamples)
	for {
		select {
		case <-d.stop.Watch():
			return
		case <-ticker.C:
			d.sample(buf)
		}
	}
}

func (d *SpeakingDetector) sample(buf []byte) {
	type change struct {
		id       string
		speaking bool
	}
	var changes []change

	d.lock.Lock()
	for id, sp := range d.speakers {
		sp.source.TimeDomainData(buf)
		if changed := d.updateLocked(id, sp, isSpeaking(buf)); changed {
			changes = append(changes, change{id: id, speaking: true})
		}
	}
	d.lock.Unlock()

	for _, c := range changes {
		d.notify(c.id, c.speaking)
	}
}

// updateLocked applies one sample and reports whether speaking started.
func (d *SpeakingDetector) updateLocked(id string, sp *speaker, loud bool) bool {
	if loud {
		if sp.silencing {
			sp.silencing = false
			sp.debounced(func() {})
		}
		if !sp.speaking {
			sp.speaking = true
			return true
		}
		return false
	}

	if sp.speaking && !sp.silencing {
		sp.silencing = true
		sp.debounced(func() {
			d.lock.Lock()
			if d.speakers[id] != sp || !sp.silencing {
				d.lock.Unlock()
				return
			}
			sp.silencing = false
			sp.speaking = false
			d.lock.Unlock()

			d.notify(id, false)
		})
	}
	return false
}

func (d *SpeakingDetector) notify(id string, speaking bool) {
	if d.stop.IsBroken() || d.onChange == nil {
		return
	}
	d.onChange(id, speaking)
}
