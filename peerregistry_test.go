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
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type registryHarness struct {
	factory  *fakeFactory
	sent     *sentLog
	registry *PeerRegistry

	lock      sync.Mutex
	connected []string
	lost      map[string]error
}

func newRegistryHarness(tracks ...webrtc.TrackLocal) *registryHarness {
	h := &registryHarness{
		factory: &fakeFactory{},
		sent:    &sentLog{},
		lost:    make(map[string]error),
	}
	h.registry = NewPeerRegistry(RegistryParams{
		Factory:     h.factory.New,
		Send:        h.sent.send,
		LocalTracks: func() []webrtc.TrackLocal { return tracks },
		Callback: RegistryCallback{
			OnPeerConnected: func(p *Peer) {
				h.lock.Lock()
				h.connected = append(h.connected, p.ID())
				h.lock.Unlock()
			},
			OnPeerLost: func(p *Peer, err error) {
				h.lock.Lock()
				h.lost[p.ID()] = err
				h.lock.Unlock()
			},
		},
	})
	return h
}

func (h *registryHarness) lostPeers() map[string]error {
	h.lock.Lock()
	defer h.lock.Unlock()
	out := make(map[string]error, len(h.lost))
	for k, v := range h.lost {
		out[k] = v
	}
	return out
}

func TestPeerRegistrySizeMatchesMembership(t *testing.T) {
	h := newRegistryHarness()
	rng := rand.New(rand.NewSource(7))
	members := make(map[string]struct{})

	for i := 0; i < 300; i++ {
		id := fmt.Sprintf("sock-%d", rng.Intn(12))
		if rng.Intn(3) == 0 {
			require.Equal(t, hasMember(members, id), h.registry.Remove(id))
			delete(members, id)
		} else {
			role := RoleAnswerer
			if rng.Intn(2) == 0 {
				role = RoleOfferer
			}
			_, err := h.registry.Create(id, role)
			require.NoError(t, err)
			members[id] = struct{}{}
		}
		require.Equal(t, len(members), h.registry.Len())
	}

	ids := make([]string, 0)
	for _, p := range h.registry.Peers() {
		ids = append(ids, p.ID())
	}
	require.Len(t, ids, len(members))
	require.IsIncreasing(t, ids)

	// replaced and removed peers are closed without being reported as lost
	require.Empty(t, h.lostPeers())
}

func hasMember(m map[string]struct{}, id string) bool {
	_, ok := m[id]
	return ok
}

func TestPeerRegistryReplace(t *testing.T) {
	h := newRegistryHarness()
	first, err := h.registry.Create("sock-1", RoleAnswerer)
	require.NoError(t, err)
	second, err := h.registry.Create("sock-1", RoleOfferer)
	require.NoError(t, err)

	require.Equal(t, 1, h.registry.Len())
	require.Same(t, second, h.registry.Get("sock-1"))
	require.Equal(t, PeerStateClosed, first.State())

	pcs := h.factory.all()
	require.Len(t, pcs, 2)
	require.True(t, pcs[0].isClosed())
	require.False(t, pcs[1].isClosed())
}

func TestPeerRegistryReportsReplacement(t *testing.T) {
	h := newRegistryHarness()
	var replaced []*Peer
	h.registry.params.Callback.OnPeerReplaced = func(prev *Peer) {
		replaced = append(replaced, prev)
	}

	first, err := h.registry.Create("sock-1", RoleAnswerer)
	require.NoError(t, err)
	require.Empty(t, replaced)

	_, err = h.registry.Create("sock-1", RoleOfferer)
	require.NoError(t, err)
	require.Len(t, replaced, 1)
	require.Same(t, first, replaced[0])
	require.Equal(t, PeerStateClosed, replaced[0].State())
	// a replaced record is not a lost peer
	require.Empty(t, h.lostPeers())
}

func TestPeerRemoteStreamCreatedOnce(t *testing.T) {
	h := newRegistryHarness()
	p, err := h.registry.Create("sock-1", RoleAnswerer)
	require.NoError(t, err)
	require.Nil(t, p.RemoteStream())

	var (
		wg      sync.WaitGroup
		lock    sync.Mutex
		created int
	)
	streams := make([]*RemoteStream, 16)
	for i := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			streams[i] = p.remoteStreamOrCreate(func() *RemoteStream {
				lock.Lock()
				created++
				lock.Unlock()
				return newRemoteStream(p.ID())
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	for _, s := range streams {
		require.Same(t, streams[0], s)
	}
	require.Same(t, streams[0], p.RemoteStream())
	require.Equal(t, "sock-1", p.RemoteStream().PeerID())
}

func TestPeerRegistryAttachesLocalTracks(t *testing.T) {
	mic, err := NewLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "mic", "camera", SourceMicrophone)
	require.NoError(t, err)
	cam, err := NewLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "cam", "camera", SourceCamera)
	require.NoError(t, err)

	h := newRegistryHarness(mic, cam)
	_, err = h.registry.Create("sock-1", RoleOfferer)
	require.NoError(t, err)

	pc := h.factory.last()
	pc.lock.Lock()
	tracks := append([]string(nil), pc.tracks...)
	pc.lock.Unlock()
	require.Equal(t, []string{"mic", "cam"}, tracks)
	require.Eventually(t, func() bool { return len(h.sent.ofType(msgOffer)) == 1 }, waitFor, 5*time.Millisecond)
}

func TestPeerRegistryFactoryError(t *testing.T) {
	h := newRegistryHarness()
	h.factory.err = errors.New("no ports")
	_, err := h.registry.Create("sock-1", RoleOfferer)
	require.ErrorIs(t, err, ErrNegotiationFailed)
	require.Zero(t, h.registry.Len())
}

func TestPeerRegistryLifecycle(t *testing.T) {
	h := newRegistryHarness()
	a, err := h.registry.Create("sock-a", RoleOfferer)
	require.NoError(t, err)
	_, err = h.registry.Create("sock-b", RoleOfferer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.sent.ofType(msgOffer)) == 2 }, waitFor, 5*time.Millisecond)

	pcs := h.factory.all()
	a.HandleAnswer(remoteAnswer())
	pcs[0].setConnectionState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool { return len(h.registry.ConnectedPeers()) == 1 }, waitFor, 5*time.Millisecond)
	h.lock.Lock()
	require.Equal(t, []string{"sock-a"}, h.connected)
	h.lock.Unlock()

	// transport failure removes the record and reports it once
	pcs[1].setConnectionState(webrtc.PeerConnectionStateFailed)
	require.Equal(t, 1, h.registry.Len())
	require.Nil(t, h.registry.Get("sock-b"))
	lost := h.lostPeers()
	require.Len(t, lost, 1)
	require.ErrorIs(t, lost["sock-b"], ErrNegotiationFailed)

	h.registry.CloseAll()
	require.Zero(t, h.registry.Len())
	require.True(t, pcs[0].isClosed())
	require.Len(t, h.lostPeers(), 1)
}
