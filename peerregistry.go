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
	"sort"
	"sync"
	"time"

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

// RegistryCallback is notified of peer lifecycle changes. Callbacks run on the
// goroutine that observed the change and should not block.
type RegistryCallback struct {
	OnPeerConnected    func(p *Peer)
	OnPeerLost         func(p *Peer, err error)
	OnRemoteTrack      func(p *Peer, track *RemoteTrack)
	OnRemoteTrackEnded func(p *Peer, track *RemoteTrack)
	// OnPeerReplaced fires after Create closes prev in favor of a new record
	OnPeerReplaced func(prev *Peer)
}

type RegistryParams struct {
	Factory            PeerConnectionFactory
	Configuration      webrtc.Configuration
	Send               func(OutboundMessage) error
	LocalTracks        func() []webrtc.TrackLocal
	NegotiationTimeout time.Duration
	Logger             protoLogger.Logger
	Callback           RegistryCallback
}

// PeerRegistry is the single owner of Peer records, keyed by the relay's
// identifier for the remote participant. Other components look peers up by
// id and never hold on to them past a lifecycle callback.
type PeerRegistry struct {
	params RegistryParams
	log    protoLogger.Logger

	lock  sync.RWMutex
	peers map[string]*Peer
}

func NewPeerRegistry(params RegistryParams) *PeerRegistry {
	log := params.Logger
	if log == nil {
		log = getLogger()
	}
	if params.LocalTracks == nil {
		params.LocalTracks = func() []webrtc.TrackLocal { return nil }
	}
	return &PeerRegistry{
		params: params,
		log:    log,
		peers:  make(map[string]*Peer),
	}
}

// Create registers a fresh Peer for id with local tracks attached, replacing
// and closing any existing record, and starts negotiation.
func (r *PeerRegistry) Create(id string, role NegotiationRole) (*Peer, error) {
	pc, err := r.params.Factory(r.params.Configuration)
	if err != nil {
		return nil, newCallError(NegotiationFailed, err)
	}

	p := newPeer(peerParams{
		ID:                 id,
		Role:               role,
		PC:                 pc,
		Send:               r.params.Send,
		NegotiationTimeout: r.params.NegotiationTimeout,
		Logger:             r.log,
		OnStateChange:      r.handlePeerState,
		OnTrack:            r.handleTrack,
	})
	for _, track := range r.params.LocalTracks() {
		if err := p.attachTrack(track); err != nil {
			p.Close()
			return nil, newCallError(NegotiationFailed, err)
		}
	}

	r.lock.Lock()
	prev := r.peers[id]
	r.peers[id] = p
	r.lock.Unlock()

	if prev != nil {
		r.log.Debugw("replacing existing peer", "peer", id, "state", prev.State().String())
		prev.Close()
		if r.params.Callback.OnPeerReplaced != nil {
			r.params.Callback.OnPeerReplaced(prev)
		}
	}

	p.Start()
	return p, nil
}

func (r *PeerRegistry) Get(id string) *Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.peers[id]
}

// Remove closes and forgets the peer for id. It reports whether one existed.
func (r *PeerRegistry) Remove(id string) bool {
	r.lock.Lock()
	p := r.peers[id]
	delete(r.peers, id)
	r.lock.Unlock()

	if p == nil {
		return false
	}
	p.Close()
	return true
}

func (r *PeerRegistry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.peers)
}

// Peers returns the registered peers ordered by id.
func (r *PeerRegistry) Peers() []*Peer {
	r.lock.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.lock.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })
	return peers
}

func (r *PeerRegistry) ConnectedPeers() []*Peer {
	var connected []*Peer
	for _, p := range r.Peers() {
		if p.State() == PeerStateConnected {
			connected = append(connected, p)
		}
	}
	return connected
}

// RemoteStreams returns the streams of every peer that has delivered media.
func (r *PeerRegistry) RemoteStreams() []*RemoteStream {
	var streams []*RemoteStream
	for _, p := range r.Peers() {
		if s := p.RemoteStream(); s != nil {
			streams = append(streams, s)
		}
	}
	return streams
}

// ForEach calls f for every registered peer.
func (r *PeerRegistry) ForEach(f func(p *Peer)) {
	for _, p := range r.Peers() {
		f(p)
	}
}

// CloseAll closes every peer concurrently and empties the registry.
func (r *PeerRegistry) CloseAll() {
	r.lock.Lock()
	peers := r.peers
	r.peers = make(map[string]*Peer)
	r.lock.Unlock()

	var eg errgroup.Group
	for _, p := range peers {
		eg.Go(func() error {
			p.Close()
			return nil
		})
	}
	_ = eg.Wait()
}

// removeIf deletes p if it is still the registered record for its id.
func (r *PeerRegistry) removeIf(p *Peer) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.peers[p.ID()] != p {
		return false
	}
	delete(r.peers, p.ID())
	return true
}

func (r *PeerRegistry) handlePeerState(p *Peer, state PeerState, err error) {
	cb := r.params.Callback
	switch {
	case state == PeerStateConnected:
		if cb.OnPeerConnected != nil {
			cb.OnPeerConnected(p)
		}
	case state.Terminal():
		// records removed through Remove, Create or CloseAll are already gone
		if !r.removeIf(p) {
			return
		}
		if err == nil {
			err = newCallError(NegotiationFailed, ErrPeerClosed)
		}
		if cb.OnPeerLost != nil {
			cb.OnPeerLost(p, err)
		}
	}
}

func (r *PeerRegistry) handleTrack(p *Peer, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	stream := p.remoteStreamOrCreate(func() *RemoteStream { return newRemoteStream(p.ID()) })

	rt := newRemoteTrack(p.ID(), track, p.RequestKeyframe, r.log.WithValues("peer", p.ID()))
	rt.onEnded = func(rt *RemoteTrack) {
		stream.removeTrack(rt)
		if r.params.Callback.OnRemoteTrackEnded != nil {
			r.params.Callback.OnRemoteTrackEnded(p, rt)
		}
	}
	stream.addTrack(rt)
	go rt.readWorker()

	r.log.Infow("remote track received", "peer", p.ID(), "track", rt.ID(), "kind", rt.Kind().String())
	if r.params.Callback.OnRemoteTrack != nil {
		r.params.Callback.OnRemoteTrack(p, rt)
	}
}
