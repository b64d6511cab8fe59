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

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/livekit/meshrelay/pkg/logger"
)

// OpsQueue runs enqueued operations one at a time, in order, on a single
// goroutine.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock   sync.Mutex
	ops    deque.Deque[func()]
	wake   chan struct{}
	stop   core.Fuse
	closed bool
}

func NewOpsQueue(logger logger.Logger, name string, size int) *OpsQueue {
	return &OpsQueue{
		logger: logger,
		name:   name,
		size:   size,
		wake:   make(chan struct{}, 1),
	}
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

// Stop discards pending operations. An operation that is already running
// completes.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.closed {
		oq.lock.Unlock()
		return
	}
	oq.closed = true
	oq.ops.Clear()
	oq.lock.Unlock()

	oq.stop.Break()
}

func (oq *OpsQueue) IsStopped() bool {
	return oq.stop.IsBroken()
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.Lock()
	if oq.closed {
		oq.lock.Unlock()
		return
	}
	if oq.size > 0 && oq.ops.Len() >= oq.size {
		oq.lock.Unlock()
		oq.logger.Errorw("ops queue full", nil, "name", oq.name, "size", oq.size)
		return
	}
	oq.ops.PushBack(op)
	oq.lock.Unlock()

	select {
	case oq.wake <- struct{}{}:
	default:
	}
}

func (oq *OpsQueue) process() {
	for {
		select {
		case <-oq.stop.Watch():
			return
		case <-oq.wake:
		}

		for {
			oq.lock.Lock()
			if oq.closed || oq.ops.Len() == 0 {
				oq.lock.Unlock()
				break
			}
			op := oq.ops.PopFront()
			oq.lock.Unlock()

			op()
		}
	}
}
