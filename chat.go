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
	"time"
)

type ChatMessage struct {
	ID         string
	SenderID   string
	SenderRole ParticipantRole
	Text       string
	Timestamp  time.Time
	// sent by the local participant
	Local bool
}

// chatLog is the session's append-only message history.
type chatLog struct {
	lock     sync.RWMutex
	messages []ChatMessage
}

func (l *chatLog) append(m ChatMessage) {
	l.lock.Lock()
	l.messages = append(l.messages, m)
	l.lock.Unlock()
}

func (l *chatLog) list() []ChatMessage {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return append([]ChatMessage(nil), l.messages...)
}

func (l *chatLog) clear() {
	l.lock.Lock()
	l.messages = nil
	l.lock.Unlock()
}
