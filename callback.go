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

import "github.com/telecall/telecall/pkg/recorder"

// SessionCallback receives session events. Handlers are invoked on internal
// goroutines and must not block.
type SessionCallback struct {
	OnStateChanged func(state SessionState, err error)
	OnError        func(err error)

	OnPeerJoined    func(peerID string)
	OnPeerConnected func(peerID string)
	OnPeerLost      func(peerID string, err error)
	OnPeerLeft      func(peerID string)

	OnRemoteTrack      func(peerID string, track *RemoteTrack)
	OnRemoteTrackEnded func(peerID string, track *RemoteTrack)
	// called once when a peer that delivered media is gone
	OnRemoteStreamRemoved func(peerID string)

	OnRemoteScreenShare  func(started bool, userID, streamID string)
	OnRemoteRecording    func(started bool, userID string)
	OnChatMessage        func(msg ChatMessage)
	OnScreenShareStarted func(track *LocalTrack)
	OnScreenShareStopped func(track *LocalTrack)
	OnRecordingStarted   func(tracks []recorder.TrackInfo)
	OnRecordingStopped   func(blob *recorder.Blob, err error)
	OnQualityChanged     func(sample QualitySample)
}

func NewSessionCallback() *SessionCallback {
	return &SessionCallback{
		OnStateChanged: func(state SessionState, err error) {},
		OnError:        func(err error) {},

		OnPeerJoined:    func(peerID string) {},
		OnPeerConnected: func(peerID string) {},
		OnPeerLost:      func(peerID string, err error) {},
		OnPeerLeft:      func(peerID string) {},

		OnRemoteTrack:         func(peerID string, track *RemoteTrack) {},
		OnRemoteTrackEnded:    func(peerID string, track *RemoteTrack) {},
		OnRemoteStreamRemoved: func(peerID string) {},
		OnRemoteScreenShare:   func(started bool, userID, streamID string) {},
		OnRemoteRecording:     func(started bool, userID string) {},
		OnChatMessage:         func(msg ChatMessage) {},
		OnScreenShareStarted:  func(track *LocalTrack) {},
		OnScreenShareStopped:  func(track *LocalTrack) {},
		OnRecordingStarted:    func(tracks []recorder.TrackInfo) {},
		OnRecordingStopped:    func(blob *recorder.Blob, err error) {},
		OnQualityChanged:      func(sample QualitySample) {},
	}
}

// Merge copies every handler set on other into cb.
func (cb *SessionCallback) Merge(other *SessionCallback) {
	if other == nil {
		return
	}
	if other.OnStateChanged != nil {
		cb.OnStateChanged = other.OnStateChanged
	}
	if other.OnError != nil {
		cb.OnError = other.OnError
	}
	if other.OnPeerJoined != nil {
		cb.OnPeerJoined = other.OnPeerJoined
	}
	if other.OnPeerConnected != nil {
		cb.OnPeerConnected = other.OnPeerConnected
	}
	if other.OnPeerLost != nil {
		cb.OnPeerLost = other.OnPeerLost
	}
	if other.OnPeerLeft != nil {
		cb.OnPeerLeft = other.OnPeerLeft
	}
	if other.OnRemoteTrack != nil {
		cb.OnRemoteTrack = other.OnRemoteTrack
	}
	if other.OnRemoteTrackEnded != nil {
		cb.OnRemoteTrackEnded = other.OnRemoteTrackEnded
	}
	if other.OnRemoteStreamRemoved != nil {
		cb.OnRemoteStreamRemoved = other.OnRemoteStreamRemoved
	}
	if other.OnRemoteScreenShare != nil {
		cb.OnRemoteScreenShare = other.OnRemoteScreenShare
	}
	if other.OnRemoteRecording != nil {
		cb.OnRemoteRecording = other.OnRemoteRecording
	}
	if other.OnChatMessage != nil {
		cb.OnChatMessage = other.OnChatMessage
	}
	if other.OnScreenShareStarted != nil {
		cb.OnScreenShareStarted = other.OnScreenShareStarted
	}
	if other.OnScreenShareStopped != nil {
		cb.OnScreenShareStopped = other.OnScreenShareStopped
	}
	if other.OnRecordingStarted != nil {
		cb.OnRecordingStarted = other.OnRecordingStarted
	}
	if other.OnRecordingStopped != nil {
		cb.OnRecordingStopped = other.OnRecordingStopped
	}
	if other.OnQualityChanged != nil {
		cb.OnQualityChanged = other.OnQualityChanged
	}
}
