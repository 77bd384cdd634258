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
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"
)

// relay message types
const (
	msgJoinRoom           = "join-room"
	msgRoomInfo           = "room-info"
	msgUserJoined         = "user-joined"
	msgUserLeft           = "user-left"
	msgOffer              = "offer"
	msgAnswer             = "answer"
	msgICECandidate       = "ice-candidate"
	msgChatMessage        = "chat-message"
	msgScreenShareStart   = "screen-share-start"
	msgScreenShareStop    = "screen-share-stop"
	msgScreenShareStarted = "screen-share-started"
	msgScreenShareStopped = "screen-share-stopped"
	msgStartRecording     = "start-recording"
	msgStopRecording      = "stop-recording"
	msgRecordingStarted   = "recording-started"
	msgRecordingStopped   = "recording-stopped"
)

// SignalMessage is one of the inbound relay messages. The set of
// implementations is closed; switch on the concrete type.
type SignalMessage interface {
	signalType() string
}

type RoomUser struct {
	SocketID string          `json:"socketId"`
	UserID   string          `json:"userId,omitempty"`
	UserRole ParticipantRole `json:"userRole,omitempty"`
}

type RoomInfo struct {
	Users []RoomUser `json:"users"`
}

type UserJoined struct {
	RoomUser
}

type UserLeft struct {
	SocketID string `json:"socketId"`
}

type RemoteOffer struct {
	From string                    `json:"from"`
	SDP  webrtc.SessionDescription `json:"offer"`
}

type RemoteAnswer struct {
	From string                    `json:"from"`
	SDP  webrtc.SessionDescription `json:"answer"`
}

type RemoteICECandidate struct {
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type ChatReceived struct {
	UserID    string          `json:"userId"`
	UserRole  ParticipantRole `json:"userRole"`
	Message   string          `json:"message"`
	Timestamp Timestamp       `json:"timestamp"`
}

type ScreenShareStarted struct {
	SocketID string `json:"socketId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

type ScreenShareStopped struct {
	SocketID string `json:"socketId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

type RecordingStarted struct {
	SocketID string `json:"socketId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

type RecordingStopped struct {
	SocketID string `json:"socketId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

func (*RoomInfo) signalType() string           { return msgRoomInfo }
func (*UserJoined) signalType() string         { return msgUserJoined }
func (*UserLeft) signalType() string           { return msgUserLeft }
func (*RemoteOffer) signalType() string        { return msgOffer }
func (*RemoteAnswer) signalType() string       { return msgAnswer }
func (*RemoteICECandidate) signalType() string { return msgICECandidate }
func (*ChatReceived) signalType() string       { return msgChatMessage }
func (*ScreenShareStarted) signalType() string { return msgScreenShareStarted }
func (*ScreenShareStopped) signalType() string { return msgScreenShareStopped }
func (*RecordingStarted) signalType() string   { return msgRecordingStarted }
func (*RecordingStopped) signalType() string   { return msgRecordingStopped }

// DecodeSignalMessage parses a relay envelope. Unrecognized types return a nil
// message and no error.
func DecodeSignalMessage(data []byte) (SignalMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var msg SignalMessage
	switch env.Type {
	case msgRoomInfo:
		msg = &RoomInfo{}
	case msgUserJoined:
		msg = &UserJoined{}
	case msgUserLeft:
		msg = &UserLeft{}
	case msgOffer:
		msg = &RemoteOffer{}
	case msgAnswer:
		msg = &RemoteAnswer{}
	case msgICECandidate:
		msg = &RemoteICECandidate{}
	case msgChatMessage:
		msg = &ChatReceived{}
	case msgScreenShareStarted:
		msg = &ScreenShareStarted{}
	case msgScreenShareStopped:
		msg = &ScreenShareStopped{}
	case msgRecordingStarted:
		msg = &RecordingStarted{}
	case msgRecordingStopped:
		msg = &RecordingStopped{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("could not decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// ---------------------------------

// OutboundMessage is a message the local participant sends to the relay.
type OutboundMessage interface {
	MessageType() string
}

type JoinRoom struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId"`
	UserID   string          `json:"userId"`
	UserRole ParticipantRole `json:"userRole"`
}

type LocalOffer struct {
	Type   string                    `json:"type"`
	SDP    webrtc.SessionDescription `json:"offer"`
	Target string                    `json:"target"`
}

type LocalAnswer struct {
	Type   string                    `json:"type"`
	SDP    webrtc.SessionDescription `json:"answer"`
	Target string                    `json:"target"`
}

type LocalICECandidate struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Target    string                  `json:"target"`
}

type ChatSend struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// ScreenShareNotice is sent as screen-share-start or screen-share-stop.
type ScreenShareNotice struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	StreamID string `json:"streamId,omitempty"`
}

// RecordingNotice is sent as start-recording or stop-recording.
type RecordingNotice struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func (m *JoinRoom) MessageType() string          { return m.Type }
func (m *LocalOffer) MessageType() string        { return m.Type }
func (m *LocalAnswer) MessageType() string       { return m.Type }
func (m *LocalICECandidate) MessageType() string { return m.Type }
func (m *ChatSend) MessageType() string          { return m.Type }
func (m *ScreenShareNotice) MessageType() string { return m.Type }
func (m *RecordingNotice) MessageType() string   { return m.Type }

func newJoinRoom(roomID, userID string, role ParticipantRole) *JoinRoom {
	return &JoinRoom{Type: msgJoinRoom, RoomID: roomID, UserID: userID, UserRole: role}
}

func newLocalOffer(target string, sd webrtc.SessionDescription) *LocalOffer {
	return &LocalOffer{Type: msgOffer, SDP: sd, Target: target}
}

func newLocalAnswer(target string, sd webrtc.SessionDescription) *LocalAnswer {
	return &LocalAnswer{Type: msgAnswer, SDP: sd, Target: target}
}

func newLocalICECandidate(target string, c webrtc.ICECandidateInit) *LocalICECandidate {
	return &LocalICECandidate{Type: msgICECandidate, Candidate: c, Target: target}
}

func newChatSend(roomID, message string) *ChatSend {
	return &ChatSend{Type: msgChatMessage, RoomID: roomID, Message: message}
}

func newScreenShareNotice(started bool, roomID, streamID string) *ScreenShareNotice {
	t := msgScreenShareStop
	if started {
		t = msgScreenShareStart
	}
	return &ScreenShareNotice{Type: t, RoomID: roomID, StreamID: streamID}
}

func newRecordingNotice(started bool, roomID string) *RecordingNotice {
	t := msgStopRecording
	if started {
		t = msgStartRecording
	}
	return &RecordingNotice{Type: t, RoomID: roomID}
}

// ---------------------------------

// Timestamp accepts either an RFC 3339 string or epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		return nil
	}
	if s[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, unquoted)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		ms = int64(f)
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}
