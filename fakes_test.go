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
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// fakePC is a scripted PeerConnection. Descriptions are opaque strings and
// the connection state only changes when a test says so.
type fakePC struct {
	name string

	lock              sync.Mutex
	signalingState    webrtc.SignalingState
	connState         webrtc.PeerConnectionState
	local             *webrtc.SessionDescription
	remote            *webrtc.SessionDescription
	candidates        []webrtc.ICECandidateInit
	tracks            []string
	removed           int
	offers            int
	rollbacks         int
	rtcp              []rtcp.Packet
	stats             webrtc.StatsReport
	closed            bool
	createOfferErr    error
	onICECandidate    func(*webrtc.ICECandidate)
	onConnectionState func(webrtc.PeerConnectionState)
}

func newFakePC(name string) *fakePC {
	return &fakePC{
		name:           name,
		signalingState: webrtc.SignalingStateStable,
		connState:      webrtc.PeerConnectionStateNew,
	}
}

var errFakeClosed = errors.New("fake peer connection closed")

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, errFakeClosed
	}
	if f.createOfferErr != nil {
		return webrtc.SessionDescription{}, f.createOfferErr
	}
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("%s-offer-%d", f.name, f.offers)}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.signalingState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.name + "-answer"}, nil
}

func (f *fakePC) SetLocalDescription(sd webrtc.SessionDescription) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return errFakeClosed
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		f.signalingState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		f.signalingState = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		f.rollbacks++
		f.signalingState = webrtc.SignalingStateStable
		return nil
	}
	f.local = &sd
	return nil
}

func (f *fakePC) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return errFakeClosed
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if f.signalingState == webrtc.SignalingStateHaveLocalOffer {
			return errors.New("glare")
		}
		f.signalingState = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if f.signalingState != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("unexpected answer")
		}
		f.signalingState = webrtc.SignalingStateStable
	}
	f.remote = &sd
	return nil
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.remote
}

func (f *fakePC) SignalingState() webrtc.SignalingState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.signalingState
}

func (f *fakePC) ConnectionState() webrtc.PeerConnectionState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connState
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.tracks = append(f.tracks, track.ID())
	return nil, nil
}

func (f *fakePC) RemoveTrack(*webrtc.RTPSender) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.removed++
	return nil
}

func (f *fakePC) OnICECandidate(h func(*webrtc.ICECandidate)) {
	f.lock.Lock()
	f.onICECandidate = h
	f.lock.Unlock()
}

func (f *fakePC) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	f.lock.Lock()
	f.onConnectionState = h
	f.lock.Unlock()
}

func (f *fakePC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakePC) GetStats() webrtc.StatsReport {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.stats
}

func (f *fakePC) WriteRTCP(pkts []rtcp.Packet) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.rtcp = append(f.rtcp, pkts...)
	return nil
}

func (f *fakePC) Close() error {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return nil
	}
	f.closed = true
	f.lock.Unlock()
	f.setConnectionState(webrtc.PeerConnectionStateClosed)
	return nil
}

func (f *fakePC) setConnectionState(state webrtc.PeerConnectionState) {
	f.lock.Lock()
	f.connState = state
	h := f.onConnectionState
	f.lock.Unlock()
	if h != nil {
		h(state)
	}
}

func (f *fakePC) emitCandidate(c *webrtc.ICECandidate) {
	f.lock.Lock()
	h := f.onICECandidate
	f.lock.Unlock()
	if h != nil {
		h(c)
	}
}

func (f *fakePC) setInboundVideo(received uint32, lost int32, bytes uint64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.stats = webrtc.StatsReport{
		"inbound-video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			PacketsReceived: received,
			PacketsLost:     lost,
			BytesReceived:   bytes,
		},
		"inbound-audio": webrtc.InboundRTPStreamStats{
			Kind:            "audio",
			PacketsReceived: 1000,
			PacketsLost:     900,
		},
	}
}

func (f *fakePC) snapshot() (local, remote *webrtc.SessionDescription, candidates int, closed bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.local, f.remote, len(f.candidates), f.closed
}

func (f *fakePC) isClosed() bool {
	_, _, _, closed := f.snapshot()
	return closed
}

// fakeFactory hands out fakePCs and remembers them in creation order.
type fakeFactory struct {
	lock sync.Mutex
	pcs  []*fakePC
	err  error
}

func (f *fakeFactory) New(webrtc.Configuration) (PeerConnection, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := newFakePC(fmt.Sprintf("pc%d", len(f.pcs)))
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) all() []*fakePC {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*fakePC(nil), f.pcs...)
}

func (f *fakeFactory) last() *fakePC {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

// sentLog captures outbound messages.
type sentLog struct {
	lock sync.Mutex
	msgs []OutboundMessage
	err  error
}

func (l *sentLog) send(m OutboundMessage) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.err != nil {
		return l.err
	}
	l.msgs = append(l.msgs, m)
	return nil
}

func (l *sentLog) ofType(t string) []OutboundMessage {
	l.lock.Lock()
	defer l.lock.Unlock()
	var out []OutboundMessage
	for _, m := range l.msgs {
		if m.MessageType() == t {
			out = append(out, m)
		}
	}
	return out
}
