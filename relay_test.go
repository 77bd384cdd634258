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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// testRelay is an in-process signaling relay speaking the same envelope
// protocol as the production server.
type testRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	lock     sync.Mutex
	nextID   int
	rooms    map[string][]*relayMember
	received []map[string]any
}

type relayMember struct {
	socketID string
	userID   string
	role     string
	roomID   string
	ws       *websocket.Conn
	writeMu  sync.Mutex
}

func newTestRelay() *testRelay {
	r := &testRelay{rooms: make(map[string][]*relayMember)}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	return r
}

func (r *testRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *testRelay) Close() {
	r.lock.Lock()
	var members []*relayMember
	for _, room := range r.rooms {
		members = append(members, room...)
	}
	r.lock.Unlock()
	for _, m := range members {
		_ = m.ws.Close()
	}
	r.server.Close()
}

// Kick drops the socket of userID from the server side.
func (r *testRelay) Kick(userID string) {
	r.lock.Lock()
	var target *relayMember
	for _, room := range r.rooms {
		for _, m := range room {
			if m.userID == userID {
				target = m
			}
		}
	}
	r.lock.Unlock()
	if target != nil {
		_ = target.ws.Close()
	}
}

// Received returns every envelope of messageType sent by userID.
func (r *testRelay) Received(userID, messageType string) []map[string]any {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []map[string]any
	for _, m := range r.received {
		if m["_from_user"] == userID && m["type"] == messageType {
			out = append(out, m)
		}
	}
	return out
}

func (r *testRelay) ReceivedCount(userID string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, m := range r.received {
		if m["_from_user"] == userID {
			n++
		}
	}
	return n
}

func (r *testRelay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	var self *relayMember
	defer func() {
		_ = ws.Close()
		if self != nil {
			r.leave(self)
		}
	}()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env map[string]any
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		msgType, _ := env["type"].(string)

		if msgType == msgJoinRoom {
			self = r.join(ws, env)
			continue
		}
		if self == nil {
			continue
		}

		r.lock.Lock()
		env["_from_user"] = self.userID
		r.received = append(r.received, env)
		r.lock.Unlock()

		switch msgType {
		case msgOffer, msgAnswer, msgICECandidate:
			target, _ := env["target"].(string)
			out := map[string]any{"type": msgType, "from": self.socketID}
			for _, k := range []string{"offer", "answer", "candidate"} {
				if v, ok := env[k]; ok {
					out[k] = v
				}
			}
			r.sendTo(self.roomID, target, out)
		case msgChatMessage:
			r.broadcast(self, map[string]any{
				"type":      msgChatMessage,
				"userId":    self.userID,
				"userRole":  self.role,
				"message":   env["message"],
				"timestamp": time.Now().UnixMilli(),
			})
		case msgScreenShareStart, msgScreenShareStop:
			out := msgScreenShareStarted
			if msgType == msgScreenShareStop {
				out = msgScreenShareStopped
			}
			r.broadcast(self, map[string]any{
				"type":     out,
				"socketId": self.socketID,
				"userId":   self.userID,
				"streamId": env["streamId"],
			})
		case msgStartRecording, msgStopRecording:
			out := msgRecordingStarted
			if msgType == msgStopRecording {
				out = msgRecordingStopped
			}
			r.broadcast(self, map[string]any{"type": out, "socketId": self.socketID, "userId": self.userID})
		}
	}
}

func (r *testRelay) join(ws *websocket.Conn, env map[string]any) *relayMember {
	roomID, _ := env["roomId"].(string)
	userID, _ := env["userId"].(string)
	role, _ := env["userRole"].(string)

	r.lock.Lock()
	r.nextID++
	m := &relayMember{
		socketID: fmt.Sprintf("sock-%d", r.nextID),
		userID:   userID,
		role:     role,
		roomID:   roomID,
		ws:       ws,
	}
	existing := append([]*relayMember(nil), r.rooms[roomID]...)
	r.rooms[roomID] = append(r.rooms[roomID], m)
	r.lock.Unlock()

	users := make([]map[string]any, 0, len(existing))
	for _, o := range existing {
		users = append(users, map[string]any{"socketId": o.socketID, "userId": o.userID, "userRole": o.role})
	}
	m.write(map[string]any{"type": msgRoomInfo, "users": users})
	for _, o := range existing {
		o.write(map[string]any{"type": msgUserJoined, "socketId": m.socketID, "userId": m.userID, "userRole": m.role})
	}
	return m
}

func (r *testRelay) leave(m *relayMember) {
	r.lock.Lock()
	room := r.rooms[m.roomID]
	for i, o := range room {
		if o == m {
			room = append(room[:i], room[i+1:]...)
			break
		}
	}
	r.rooms[m.roomID] = room
	others := append([]*relayMember(nil), room...)
	r.lock.Unlock()

	for _, o := range others {
		o.write(map[string]any{"type": msgUserLeft, "socketId": m.socketID})
	}
}

func (r *testRelay) sendTo(roomID, socketID string, msg map[string]any) {
	r.lock.Lock()
	var target *relayMember
	for _, o := range r.rooms[roomID] {
		if o.socketID == socketID {
			target = o
		}
	}
	r.lock.Unlock()
	if target != nil {
		target.write(msg)
	}
}

func (r *testRelay) broadcast(from *relayMember, msg map[string]any) {
	r.lock.Lock()
	others := make([]*relayMember, 0)
	for _, o := range r.rooms[from.roomID] {
		if o != from {
			others = append(others, o)
		}
	}
	r.lock.Unlock()
	for _, o := range others {
		o.write(msg)
	}
}

// socketOf returns the socket id currently assigned to userID.
func (r *testRelay) socketOf(userID string) string {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, room := range r.rooms {
		for _, m := range room {
			if m.userID == userID {
				return m.socketID
			}
		}
	}
	return ""
}

func (m *relayMember) write(msg map[string]any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.ws.WriteMessage(websocket.TextMessage, payload)
}
