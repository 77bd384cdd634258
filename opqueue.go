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

package telecall

import (
	"sync"

	"github.com/gammazero/deque"
)

// opQueue runs submitted operations one at a time, in submission order, on a
// worker goroutine that exists only while work is pending.
type opQueue struct {
	lock    sync.Mutex
	ops     deque.Deque[func()]
	running bool
	closed  bool
}

// Enqueue schedules op. It returns false once the queue is closed.
func (q *opQueue) Enqueue(op func()) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.ops.PushBack(op)
	if q.running {
		q.lock.Unlock()
		return true
	}
	q.running = true
	q.lock.Unlock()

	go q.drain()
	return true
}

// Close discards pending operations. An operation already running completes.
func (q *opQueue) Close() {
	q.lock.Lock()
	q.closed = true
	q.ops.Clear()
	q.lock.Unlock()
}

func (q *opQueue) drain() {
	for {
		q.lock.Lock()
		if q.closed || q.ops.Len() == 0 {
			q.running = false
			q.lock.Unlock()
			return
		}
		op := q.ops.PopFront()
		q.lock.Unlock()

		op()
	}
}
