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
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type peerHarness struct {
	pc   *fakePC
	sent *sentLog
	peer *Peer

	lock   sync.Mutex
	states []PeerState
	errs   []error
}

func newPeerHarness(role NegotiationRole, timeout time.Duration) *peerHarness {
	h := &peerHarness{pc: newFakePC("pc"), sent: &sentLog{}}
	h.peer = newPeer(peerParams{
		ID:                 "remote",
		Role:               role,
		PC:                 h.pc,
		Send:               h.sent.send,
		NegotiationTimeout: timeout,
		OnStateChange: func(_ *Peer, state PeerState, err error) {
			h.lock.Lock()
			h.states = append(h.states, state)
			h.errs = append(h.errs, err)
			h.lock.Unlock()
		},
	})
	return h
}

func (h *peerHarness) observed() []PeerState {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]PeerState(nil), h.states...)
}

func (h *peerHarness) waitState(t *testing.T, state PeerState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.peer.State() == state }, waitFor, 5*time.Millisecond)
}

func remoteOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
}

func remoteAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestPeerOfferer(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 0)
	h.peer.Start()

	h.waitState(t, PeerStateOffering)
	offers := h.sent.ofType(msgOffer)
	require.Len(t, offers, 1)
	require.Equal(t, "remote", offers[0].(*LocalOffer).Target)

	h.peer.HandleAnswer(remoteAnswer())
	require.Eventually(t, func() bool {
		_, remote, _, _ := h.pc.snapshot()
		return remote != nil
	}, waitFor, 5*time.Millisecond)
	// an applied answer alone does not mean connected
	require.Equal(t, PeerStateOffering, h.peer.State())

	h.pc.setConnectionState(webrtc.PeerConnectionStateConnected)
	h.waitState(t, PeerStateConnected)
	require.Equal(t, []PeerState{PeerStateOffering, PeerStateConnected}, h.observed())
}

func TestPeerAnswerer(t *testing.T) {
	h := newPeerHarness(RoleAnswerer, 0)
	h.peer.Start()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, PeerStateNew, h.peer.State())
	require.Empty(t, h.sent.ofType(msgOffer))

	h.peer.HandleOffer(remoteOffer())
	h.waitState(t, PeerStateAnswering)
	answers := h.sent.ofType(msgAnswer)
	require.Len(t, answers, 1)
	require.Equal(t, webrtc.SDPTypeAnswer, answers[0].(*LocalAnswer).SDP.Type)

	h.pc.setConnectionState(webrtc.PeerConnectionStateConnected)
	h.waitState(t, PeerStateConnected)
}

func TestPeerQueuesEarlyCandidates(t *testing.T) {
	h := newPeerHarness(RoleAnswerer, 0)

	h.peer.AddICECandidate(candidate("c1"))
	h.peer.AddICECandidate(candidate("c2"))
	require.Eventually(t, func() bool { return h.peer.PendingCandidates() == 2 }, waitFor, 5*time.Millisecond)
	_, _, applied, _ := h.pc.snapshot()
	require.Zero(t, applied)

	h.peer.HandleOffer(remoteOffer())
	require.Eventually(t, func() bool {
		_, _, applied, _ := h.pc.snapshot()
		return applied == 2
	}, waitFor, 5*time.Millisecond)
	require.Zero(t, h.peer.PendingCandidates())

	// after the remote description, candidates apply immediately
	h.peer.AddICECandidate(candidate("c3"))
	require.Eventually(t, func() bool {
		_, _, applied, _ := h.pc.snapshot()
		return applied == 3
	}, waitFor, 5*time.Millisecond)
	require.Zero(t, h.peer.PendingCandidates())
}

func TestPeerLateAnswerAfterClose(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 0)
	h.peer.Start()
	h.waitState(t, PeerStateOffering)

	h.peer.AddICECandidate(candidate("early"))
	h.peer.Close()
	require.Equal(t, PeerStateClosed, h.peer.State())
	require.True(t, h.pc.isClosed())
	require.Zero(t, h.peer.PendingCandidates())

	h.peer.HandleAnswer(remoteAnswer())
	h.peer.AddICECandidate(candidate("late"))
	time.Sleep(20 * time.Millisecond)
	_, remote, applied, _ := h.pc.snapshot()
	require.Nil(t, remote)
	require.Zero(t, applied)
	require.Equal(t, PeerStateClosed, h.peer.State())

	// closing again is a no-op
	h.peer.Close()
	require.Equal(t, []PeerState{PeerStateOffering, PeerStateClosed}, h.observed())
}

func TestPeerAnswerWithoutOfferIsIgnored(t *testing.T) {
	h := newPeerHarness(RoleAnswerer, 0)
	h.peer.HandleAnswer(remoteAnswer())
	time.Sleep(20 * time.Millisecond)
	_, remote, _, _ := h.pc.snapshot()
	require.Nil(t, remote)
	require.Equal(t, PeerStateNew, h.peer.State())
}

func TestPeerConnectionFailure(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 0)
	h.peer.Start()
	h.waitState(t, PeerStateOffering)

	h.pc.setConnectionState(webrtc.PeerConnectionStateFailed)
	require.Equal(t, PeerStateFailed, h.peer.State())
	require.True(t, h.pc.isClosed())

	var callErr *CallError
	require.True(t, errors.As(h.peer.Err(), &callErr))
	require.Equal(t, NegotiationFailed, callErr.Kind)
	require.False(t, IsRetryable(h.peer.Err()))
}

func TestPeerCreateOfferFailure(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 0)
	h.pc.createOfferErr = errors.New("no codecs")
	h.peer.Start()
	h.waitState(t, PeerStateFailed)
	require.ErrorIs(t, h.peer.Err(), ErrNegotiationFailed)
	require.Empty(t, h.sent.ofType(msgOffer))
}

func TestPeerNegotiationTimeout(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 50*time.Millisecond)
	h.peer.Start()
	h.waitState(t, PeerStateFailed)
	require.ErrorIs(t, h.peer.Err(), ErrNegotiationTimeout)
	require.True(t, h.pc.isClosed())
}

func TestPeerTimeoutDisarmedOnConnect(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 80*time.Millisecond)
	h.peer.Start()
	h.waitState(t, PeerStateOffering)
	h.peer.HandleAnswer(remoteAnswer())
	h.pc.setConnectionState(webrtc.PeerConnectionStateConnected)
	h.waitState(t, PeerStateConnected)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, PeerStateConnected, h.peer.State())
}

func TestPeerGlare(t *testing.T) {
	t.Run("offerer keeps its offer", func(t *testing.T) {
		h := newPeerHarness(RoleOfferer, 0)
		h.peer.Start()
		h.waitState(t, PeerStateOffering)

		h.peer.HandleOffer(remoteOffer())
		time.Sleep(20 * time.Millisecond)
		require.Empty(t, h.sent.ofType(msgAnswer))
		require.Equal(t, webrtc.SignalingStateHaveLocalOffer, h.pc.SignalingState())
		require.Equal(t, PeerStateOffering, h.peer.State())
	})

	t.Run("answerer rolls back and re-offers", func(t *testing.T) {
		h := newPeerHarness(RoleAnswerer, 0)
		// connected answerer adding a track sends its own offer
		h.peer.HandleOffer(remoteOffer())
		h.waitState(t, PeerStateAnswering)
		h.pc.setConnectionState(webrtc.PeerConnectionStateConnected)
		h.waitState(t, PeerStateConnected)

		track, err := NewLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "mic", "camera", SourceMicrophone)
		require.NoError(t, err)
		h.peer.AddTrack(track)
		require.Eventually(t, func() bool { return len(h.sent.ofType(msgOffer)) == 1 }, waitFor, 5*time.Millisecond)

		h.peer.HandleOffer(remoteOffer())
		require.Eventually(t, func() bool { return len(h.sent.ofType(msgAnswer)) == 2 }, waitFor, 5*time.Millisecond)
		require.Eventually(t, func() bool { return len(h.sent.ofType(msgOffer)) == 2 }, waitFor, 5*time.Millisecond)
		h.pc.lock.Lock()
		rollbacks := h.pc.rollbacks
		h.pc.lock.Unlock()
		require.Equal(t, 1, rollbacks)
	})
}

func TestPeerRenegotiationDeferredWhileOffering(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 0)
	h.peer.Start()
	h.waitState(t, PeerStateOffering)

	track, err := NewLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "screen", "screen", SourceScreenShare)
	require.NoError(t, err)
	h.peer.AddTrack(track)
	h.peer.AddTrack(track)

	// wait out the debounce: the second offer must wait for the answer
	time.Sleep(3 * negotiationFrequency)
	require.Len(t, h.sent.ofType(msgOffer), 1)

	h.peer.HandleAnswer(remoteAnswer())
	require.Eventually(t, func() bool { return len(h.sent.ofType(msgOffer)) == 2 }, waitFor, 5*time.Millisecond)

	h.pc.lock.Lock()
	tracks := append([]string(nil), h.pc.tracks...)
	h.pc.lock.Unlock()
	require.Equal(t, []string{"screen"}, tracks)

	h.peer.RemoveTrack("screen")
	h.peer.RemoveTrack("screen")
	require.Eventually(t, func() bool {
		h.pc.lock.Lock()
		defer h.pc.lock.Unlock()
		return h.pc.removed == 1
	}, waitFor, 5*time.Millisecond)
}

func TestPeerLocalCandidates(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 0)
	h.pc.emitCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       5000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
	h.pc.emitCandidate(nil)
	cands := h.sent.ofType(msgICECandidate)
	require.Len(t, cands, 1)
	require.Equal(t, "remote", cands[0].(*LocalICECandidate).Target)
}

func TestPeerRequestKeyframe(t *testing.T) {
	h := newPeerHarness(RoleOfferer, 0)
	require.NoError(t, h.peer.RequestKeyframe(1234))
	h.pc.lock.Lock()
	defer h.pc.lock.Unlock()
	require.Len(t, h.pc.rtcp, 1)
	pli, ok := h.pc.rtcp[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	require.Equal(t, uint32(1234), pli.MediaSSRC)
}
