/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package softgpu

import (
	"errors"
	"fmt"
	"sync"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/vkmemfd/pkg/device"
)

// default hint, the queue grows past it.
const queueCapHint = 16

// queue executes command buffers in submission order on one goroutine.
type queue struct {
	dev     *softDevice
	q       *queuepkg.Queue
	pending sync.WaitGroup
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newQueue(dev *softDevice) *queue {
	q := &queue{
		dev:  dev,
		q:    queuepkg.New(queueCapHint),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) Submit(cmds ...device.CommandBuffer) error {
	items := make([]interface{}, 0, len(cmds))
	for _, cmd := range cmds {
		if !q.dev.commands.Has(uint64(cmd)) {
			return fmt.Errorf("%w: command buffer %d", device.ErrUnknownHandle, cmd)
		}
		items = append(items, cmd)
	}
	q.pending.Add(len(items))
	if err := q.q.Put(items...); err != nil {
		q.pending.Add(-len(items))
		if errors.Is(err, queuepkg.ErrDisposed) {
			return device.ErrDeviceLost
		}
		return err
	}
	return nil
}

func (q *queue) run() {
	defer close(q.done)
	for {
		items, err := q.q.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			if err := q.dev.execute(item.(device.CommandBuffer)); err != nil {
				q.mu.Lock()
				if q.err == nil {
					q.err = err
				}
				q.mu.Unlock()
			}
			q.pending.Done()
		}
	}
}

// WaitIdle returns the first execution error since the previous call.
func (q *queue) WaitIdle() error {
	q.pending.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

func (q *queue) dispose() {
	q.q.Dispose()
	<-q.done
}
