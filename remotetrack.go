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

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
)

// packetFanout delivers each packet to every registered sink.
type packetFanout struct {
	lock   sync.RWMutex
	sinks  map[int]func(*rtp.Packet)
	nextID int
}

func (f *packetFanout) add(sink func(*rtp.Packet)) func() {
	f.lock.Lock()
	if f.sinks == nil {
		f.sinks = make(map[int]func(*rtp.Packet))
	}
	id := f.nextID
	f.nextID++
	f.sinks[id] = sink
	f.lock.Unlock()

	return func() {
		f.lock.Lock()
		delete(f.sinks, id)
		f.lock.Unlock()
	}
}

func (f *packetFanout) write(pkt *rtp.Packet) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	for _, sink := range f.sinks {
		sink(pkt.Clone())
	}
}

// RemoteTrack is a media track received from a peer. A single reader
// goroutine drains the track and hands packets to attached sinks.
type RemoteTrack struct {
	log      protoLogger.Logger
	peerID   string
	track    *webrtc.TrackRemote
	keyframe func(webrtc.SSRC) error

	fanout  packetFanout
	ended   atomic.Bool
	done    chan struct{}
	onEnded func(*RemoteTrack)
}

func newRemoteTrack(peerID string, track *webrtc.TrackRemote, keyframe func(webrtc.SSRC) error, log protoLogger.Logger) *RemoteTrack {
	return &RemoteTrack{
		log:      log.WithValues("track", track.ID()),
		peerID:   peerID,
		track:    track,
		keyframe: keyframe,
		done:     make(chan struct{}),
	}
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) StreamID() string { return t.track.StreamID() }

func (t *RemoteTrack) PeerID() string { return t.peerID }

func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

func (t *RemoteTrack) Codec() webrtc.RTPCodecCapability { return t.track.Codec().RTPCodecCapability }

func (t *RemoteTrack) SSRC() webrtc.SSRC { return t.track.SSRC() }

// AddSink registers f for every received packet until the returned func is called.
func (t *RemoteTrack) AddSink(f func(*rtp.Packet)) func() {
	return t.fanout.add(f)
}

// RequestKeyframe sends a PLI to the remote sender.
func (t *RemoteTrack) RequestKeyframe() error {
	if t.keyframe == nil || t.Kind() != webrtc.RTPCodecTypeVideo {
		return nil
	}
	return t.keyframe(t.track.SSRC())
}

func (t *RemoteTrack) Ended() bool { return t.ended.Load() }

// Done is closed when the track stops delivering packets.
func (t *RemoteTrack) Done() <-chan struct{} { return t.done }

func (t *RemoteTrack) readWorker() {
	defer func() {
		t.ended.Store(true)
		close(t.done)
		if t.onEnded != nil {
			t.onEnded(t)
		}
	}()
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			t.log.Debugw("remote track ended", "error", err)
			return
		}
		t.fanout.write(pkt)
	}
}

// RemoteStream groups the tracks received from one peer.
type RemoteStream struct {
	peerID string

	lock   sync.RWMutex
	tracks []*RemoteTrack
}

func newRemoteStream(peerID string) *RemoteStream {
	return &RemoteStream{peerID: peerID}
}

func (s *RemoteStream) PeerID() string { return s.peerID }

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) addTrack(t *RemoteTrack) {
	s.lock.Lock()
	s.tracks = append(s.tracks, t)
	s.lock.Unlock()
}

func (s *RemoteStream) removeTrack(t *RemoteTrack) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, existing := range s.tracks {
		if existing == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}
