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
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gammazero/deque"
	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const (
	negotiationFrequency      = 150 * time.Millisecond
	DefaultNegotiationTimeout = 30 * time.Second
)

type PeerState int

const (
	PeerStateNew PeerState = iota
	PeerStateOffering
	PeerStateAnswering
	PeerStateConnected
	PeerStateFailed
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateOffering:
		return "offering"
	case PeerStateAnswering:
		return "answering"
	case PeerStateConnected:
		return "connected"
	case PeerStateFailed:
		return "failed"
	case PeerStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the Peer record can no longer transition.
func (s PeerState) Terminal() bool {
	return s == PeerStateFailed || s == PeerStateClosed
}

type NegotiationRole int

const (
	RoleOfferer NegotiationRole = iota
	RoleAnswerer
)

func (r NegotiationRole) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

type peerParams struct {
	ID                 string
	Role               NegotiationRole
	PC                 PeerConnection
	Send               func(OutboundMessage) error
	NegotiationTimeout time.Duration
	Logger             protoLogger.Logger

	OnStateChange func(p *Peer, state PeerState, err error)
	OnTrack       func(p *Peer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Peer negotiates and supervises the connection to one remote participant.
// Every negotiation step runs on the peer's own queue, so offers, answers and
// candidates for one peer are applied strictly in order while other peers
// proceed independently.
type Peer struct {
	id   string
	role NegotiationRole
	pc   PeerConnection
	log  protoLogger.Logger
	send func(OutboundMessage) error

	queue              opQueue
	debouncedNegotiate func(func())
	negotiationTimeout time.Duration

	lock              sync.Mutex
	state             PeerState
	err               error
	pendingCandidates deque.Deque[webrtc.ICECandidateInit]
	renegotiate       bool
	timer             *time.Timer
	senders           map[string]*webrtc.RTPSender
	remote            *RemoteStream

	onStateChange func(p *Peer, state PeerState, err error)
	onTrack       func(p *Peer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

func newPeer(params peerParams) *Peer {
	log := params.Logger
	if log == nil {
		log = getLogger()
	}
	p := &Peer{
		id:                 params.ID,
		role:               params.Role,
		pc:                 params.PC,
		log:                log.WithValues("peer", params.ID, "role", params.Role.String()),
		send:               params.Send,
		debouncedNegotiate: debounce.New(negotiationFrequency),
		negotiationTimeout: params.NegotiationTimeout,
		senders:            make(map[string]*webrtc.RTPSender),
		onStateChange:      params.OnStateChange,
		onTrack:            params.OnTrack,
	}

	p.pc.OnICECandidate(p.handleLocalCandidate)
	p.pc.OnConnectionStateChange(p.handleConnectionState)
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if p.State().Terminal() {
			return
		}
		if p.onTrack != nil {
			p.onTrack(p, track, receiver)
		}
	})
	return p
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Role() NegotiationRole { return p.role }

func (p *Peer) State() PeerState {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

// Err returns the failure that moved the peer to failed, if any.
func (p *Peer) Err() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.err
}

// RemoteStream returns the media received from this peer, or nil before the first track.
func (p *Peer) RemoteStream() *RemoteStream {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.remote
}

// remoteStreamOrCreate returns the peer's stream, installing create() if
// there is none yet. Tracks arriving together share one stream.
func (p *Peer) remoteStreamOrCreate(create func() *RemoteStream) *RemoteStream {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.remote == nil {
		p.remote = create()
	}
	return p.remote
}

func (p *Peer) PendingCandidates() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pendingCandidates.Len()
}

// Stats returns transport statistics for the underlying connection.
func (p *Peer) Stats() webrtc.StatsReport {
	return p.pc.GetStats()
}

// RequestKeyframe asks the remote sender of ssrc for a keyframe.
func (p *Peer) RequestKeyframe(ssrc webrtc.SSRC) error {
	return p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}

// attachTrack adds a local track before negotiation starts.
func (p *Peer) attachTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	p.lock.Lock()
	p.senders[track.ID()] = sender
	p.lock.Unlock()
	return nil
}

// Start begins negotiation. Offerers send an offer; answerers wait for one.
func (p *Peer) Start() {
	if p.role != RoleOfferer {
		return
	}
	p.queue.Enqueue(func() {
		if p.State() != PeerStateNew {
			return
		}
		p.createAndSendOffer()
	})
}

// AddTrack attaches a local track and renegotiates this peer only.
func (p *Peer) AddTrack(track webrtc.TrackLocal) {
	p.queue.Enqueue(func() {
		if p.State().Terminal() {
			return
		}
		p.lock.Lock()
		_, exists := p.senders[track.ID()]
		p.lock.Unlock()
		if exists {
			return
		}
		if err := p.attachTrack(track); err != nil {
			p.log.Warnw("could not add track", err, "track", track.ID())
			return
		}
		p.Negotiate()
	})
}

// RemoveTrack detaches a local track and renegotiates this peer only.
func (p *Peer) RemoveTrack(trackID string) {
	p.queue.Enqueue(func() {
		if p.State().Terminal() {
			return
		}
		p.lock.Lock()
		sender, ok := p.senders[trackID]
		delete(p.senders, trackID)
		p.lock.Unlock()
		if !ok {
			return
		}
		if err := p.pc.RemoveTrack(sender); err != nil {
			p.log.Warnw("could not remove track", err, "track", trackID)
			return
		}
		p.Negotiate()
	})
}

// Negotiate schedules a renegotiation. Bursts of calls collapse into one
// offer, and an offer requested while another is outstanding is sent after
// the answer arrives.
func (p *Peer) Negotiate() {
	p.debouncedNegotiate(func() {
		p.queue.Enqueue(func() {
			state := p.State()
			if state.Terminal() {
				return
			}
			if state == PeerStateNew && p.role == RoleAnswerer {
				// answer first, then offer the new tracks
				p.lock.Lock()
				p.renegotiate = true
				p.lock.Unlock()
				return
			}
			if p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
				p.lock.Lock()
				p.renegotiate = true
				p.lock.Unlock()
				return
			}
			p.createAndSendOffer()
		})
	})
}

// HandleOffer applies a remote offer and replies with an answer.
func (p *Peer) HandleOffer(sd webrtc.SessionDescription) {
	p.queue.Enqueue(func() {
		if p.State().Terminal() {
			return
		}

		if p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			if p.role == RoleOfferer {
				p.log.Debugw("ignoring remote offer while local offer is outstanding")
				return
			}
			if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
				p.fail(fmt.Errorf("rollback failed: %w", err))
				return
			}
			p.lock.Lock()
			p.renegotiate = true
			p.lock.Unlock()
		}

		if err := p.setRemoteDescription(sd); err != nil {
			p.fail(fmt.Errorf("could not set remote offer: %w", err))
			return
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			p.fail(fmt.Errorf("could not create answer: %w", err))
			return
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			p.fail(fmt.Errorf("could not set local answer: %w", err))
			return
		}
		p.transition(PeerStateAnswering)
		if err := p.send(newLocalAnswer(p.id, answer)); err != nil {
			p.log.Debugw("could not send answer", "error", err)
		}
		p.settleNegotiation()
	})
}

// HandleAnswer applies the remote answer to our outstanding offer. It does not
// move the peer to connected; only the transport reporting connected does.
func (p *Peer) HandleAnswer(sd webrtc.SessionDescription) {
	p.queue.Enqueue(func() {
		if p.State().Terminal() {
			return
		}
		if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			p.log.Debugw("ignoring answer without outstanding offer")
			return
		}
		if err := p.setRemoteDescription(sd); err != nil {
			p.fail(fmt.Errorf("could not set remote answer: %w", err))
			return
		}
		p.settleNegotiation()
	})
}

// AddICECandidate applies a remote candidate, or holds it until a remote
// description exists.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) {
	p.queue.Enqueue(func() {
		if p.State().Terminal() {
			return
		}
		if p.pc.RemoteDescription() == nil {
			p.lock.Lock()
			p.pendingCandidates.PushBack(candidate)
			p.lock.Unlock()
			return
		}
		if err := p.pc.AddICECandidate(candidate); err != nil {
			p.log.Warnw("could not add ice candidate", err)
		}
	})
}

// Close tears the peer down. It is safe to call more than once.
func (p *Peer) Close() {
	p.terminate(PeerStateClosed, nil)
}

func (p *Peer) setRemoteDescription(sd webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return err
	}

	p.lock.Lock()
	pending := make([]webrtc.ICECandidateInit, 0, p.pendingCandidates.Len())
	for p.pendingCandidates.Len() > 0 {
		pending = append(pending, p.pendingCandidates.PopFront())
	}
	p.lock.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warnw("could not add queued ice candidate", err)
		}
	}
	return nil
}

// settleNegotiation finishes an exchange: with media already flowing the
// peer returns to connected right away, and a deferred offer goes out.
func (p *Peer) settleNegotiation() {
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		p.transition(PeerStateConnected)
	}

	p.lock.Lock()
	again := p.renegotiate
	p.renegotiate = false
	p.lock.Unlock()
	if again {
		p.createAndSendOffer()
	}
}

func (p *Peer) createAndSendOffer() {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.fail(fmt.Errorf("could not create offer: %w", err))
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.fail(fmt.Errorf("could not set local offer: %w", err))
		return
	}
	p.transition(PeerStateOffering)
	if err := p.send(newLocalOffer(p.id, offer)); err != nil {
		p.log.Debugw("could not send offer", "error", err)
	}
}

func (p *Peer) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil || p.State().Terminal() {
		return
	}
	if err := p.send(newLocalICECandidate(p.id, c.ToJSON())); err != nil {
		p.log.Debugw("could not send ice candidate", "error", err)
	}
}

func (p *Peer) handleConnectionState(state webrtc.PeerConnectionState) {
	p.log.Debugw("connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.queue.Enqueue(func() {
			switch p.State() {
			case PeerStateOffering, PeerStateAnswering, PeerStateNew:
				p.transition(PeerStateConnected)
			}
		})
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		p.fail(fmt.Errorf("connection %s", state.String()))
	case webrtc.PeerConnectionStateClosed:
		p.terminate(PeerStateClosed, nil)
	}
}

func (p *Peer) fail(err error) {
	p.terminate(PeerStateFailed, newCallError(NegotiationFailed, err))
}

// transition moves between non-terminal states and arms the negotiation timer.
func (p *Peer) transition(state PeerState) {
	p.lock.Lock()
	if p.state.Terminal() || p.state == state {
		p.lock.Unlock()
		return
	}
	p.state = state
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if (state == PeerStateOffering || state == PeerStateAnswering) && p.negotiationTimeout > 0 {
		p.timer = time.AfterFunc(p.negotiationTimeout, func() {
			p.queue.Enqueue(func() {
				if s := p.State(); s == PeerStateOffering || s == PeerStateAnswering {
					p.fail(ErrNegotiationTimeout)
				}
			})
		})
	}
	onStateChange := p.onStateChange
	p.lock.Unlock()

	p.log.Infow("peer state changed", "state", state.String())
	if onStateChange != nil {
		onStateChange(p, state, nil)
	}
}

func (p *Peer) terminate(state PeerState, err error) {
	p.lock.Lock()
	if p.state.Terminal() {
		p.lock.Unlock()
		return
	}
	p.state = state
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pendingCandidates.Clear()
	p.remote = nil
	onStateChange := p.onStateChange
	p.lock.Unlock()

	p.queue.Close()
	if cerr := p.pc.Close(); cerr != nil {
		p.log.Debugw("error closing peer connection", "error", cerr)
	}

	if err != nil {
		p.log.Warnw("peer failed", err)
	} else {
		p.log.Infow("peer closed")
	}
	if onStateChange != nil {
		onStateChange(p, state, err)
	}
}
