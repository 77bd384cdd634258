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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/telecall/telecall/pkg/recorder"
)

type SessionState int

const (
	SessionStateConnecting SessionState = iota
	SessionStateConnected
	SessionStateReconnecting
	SessionStateEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionStateConnecting:
		return "connecting"
	case SessionStateConnected:
		return "connected"
	case SessionStateReconnecting:
		return "reconnecting"
	case SessionStateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type SessionParams struct {
	SessionID string
	RoomID    string
	// local participant identity announced to the relay
	UserID string
	Role   ParticipantRole
}

// Session is one clinical encounter. It is the only type the host
// application needs: it joins the relay, owns local media and drives one
// Peer per remote participant.
type Session struct {
	params   SessionParams
	opts     sessionOptions
	log      protoLogger.Logger
	callback *SessionCallback

	signal   *SignalClient
	media    *LocalMedia
	peers    *PeerRegistry
	quality  *QualityMonitor
	recorder *recorder.Recorder
	chat     chatLog

	// ended breaks when teardown begins, done once it has finished
	ended      core.Fuse
	done       core.Fuse
	signalDown atomic.Bool
	joined     atomic.Bool

	reconnectLock sync.Mutex

	lock      sync.Mutex
	state     SessionState
	err       error
	signalURL string
	announced map[*Peer]struct{}
	streams   map[*Peer]struct{}
	lastTier  QualityTier
}

func NewSession(params SessionParams, callback *SessionCallback, opts ...SessionOption) (*Session, error) {
	if params.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if _, err := ParseParticipantRole(string(params.Role)); err != nil {
		return nil, err
	}

	o := defaultSessionOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		factory, err := NewPeerConnectionFactory(o.transport)
		if err != nil {
			return nil, err
		}
		o.factory = factory
	}

	s := &Session{
		params:    params,
		opts:      o,
		log:       getLogger().WithValues("session", params.SessionID, "room", params.RoomID, "role", string(params.Role)),
		callback:  NewSessionCallback(),
		announced: make(map[*Peer]struct{}),
		streams:   make(map[*Peer]struct{}),
		lastTier:  TierExcellent,
	}
	s.callback.Merge(callback)

	s.signal = NewSignalClient(o.signalOpts...)
	s.signal.OnMessage(s.handleSignalMessage)
	s.signal.OnDisconnected(s.handleSignalDisconnected)

	capturer := o.capturer
	if capturer == nil {
		capturer = noCapturer{}
	}
	s.media = NewLocalMedia(capturer, o.initialPreset)
	s.media.OnScreenShareEnded(s.handleScreenShareEnded)

	s.peers = NewPeerRegistry(RegistryParams{
		Factory:            o.factory,
		Configuration:      webrtc.Configuration{ICEServers: o.iceServers},
		Send:               s.send,
		LocalTracks:        s.localTracks,
		NegotiationTimeout: o.negotiationTimeout,
		Logger:             s.log,
		Callback: RegistryCallback{
			OnPeerConnected:    s.handlePeerConnected,
			OnPeerLost:         s.handlePeerLost,
			OnRemoteTrack:      s.handleRemoteTrack,
			OnRemoteTrackEnded: s.handleRemoteTrackEnded,
			OnPeerReplaced:     s.handlePeerReplaced,
		},
	})
	s.quality = NewQualityMonitor(s.peers, o.qualityInterval, s.handleQualitySample)
	if o.recordingSink != nil {
		s.recorder = recorder.New(o.recordingSink,
			recorder.WithLogger(s.log.WithName("recorder")),
			recorder.WithNamePrefix(params.SessionID+"-"),
		)
	}
	return s, nil
}

func (s *Session) Params() SessionParams { return s.params }

func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// Done is closed once the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done.Watch()
}

func (s *Session) Peers() []*Peer { return s.peers.Peers() }

func (s *Session) Media() *LocalMedia { return s.media }

func (s *Session) MediaState() LocalMediaState { return s.media.State() }

func (s *Session) QualityTier() QualityTier { return s.quality.Tier() }

func (s *Session) QualitySample() QualitySample { return s.quality.LastSample() }

func (s *Session) ChatHistory() []ChatMessage { return s.chat.list() }

func (s *Session) Recording() bool {
	return s.recorder != nil && s.recorder.Active()
}

// Join acquires local media, resolves the relay endpoint and connects. The
// session reaches connected once a peer connects, or right away when the
// room is empty.
func (s *Session) Join(ctx context.Context) error {
	if s.ended.IsBroken() {
		return ErrSessionEnded
	}
	if !s.joined.CompareAndSwap(false, true) {
		return ErrAlreadyJoined
	}

	if _, err := s.media.Acquire(ctx, s.media.Preset().Constraints()); err != nil {
		s.joined.Store(false)
		s.end(err)
		return err
	}
	if s.ended.IsBroken() {
		s.media.Release()
		return ErrSessionEnded
	}

	url := s.opts.signalURL
	if url == "" && s.opts.resolver != nil {
		resolved, err := s.opts.resolver.ResolveSignalingURL(ctx, s.params.SessionID, s.params.Role)
		if err != nil {
			s.media.Release()
			s.joined.Store(false)
			return newCallError(SignalingUnavailable, err)
		}
		url = resolved
	}
	if url == "" {
		s.media.Release()
		s.joined.Store(false)
		return newCallError(SignalingUnavailable, ErrURLNotProvided)
	}
	s.lock.Lock()
	s.signalURL = url
	s.lock.Unlock()

	if err := s.signal.Connect(ctx, url, s.params.RoomID, s.params.UserID, s.params.Role); err != nil {
		s.media.Release()
		s.joined.Store(false)
		return newCallError(SignalingUnavailable, err)
	}
	if s.ended.IsBroken() {
		s.signal.Close()
		return ErrSessionEnded
	}
	s.log.Infow("joined room")
	return nil
}

// Reconnect attempts one relay connection while reconnecting. Concurrent
// calls are serialized; a call that finds the relay already reconnected
// returns nil.
func (s *Session) Reconnect(ctx context.Context) error {
	s.reconnectLock.Lock()
	defer s.reconnectLock.Unlock()

	if s.ended.IsBroken() {
		return ErrSessionEnded
	}
	if s.State() != SessionStateReconnecting {
		return nil
	}
	if !s.signalDown.Load() && s.signal.IsConnected() {
		return nil
	}

	s.lock.Lock()
	url := s.signalURL
	s.lock.Unlock()

	// messages on the new connection may need replies before Connect returns
	s.signalDown.Store(false)
	if err := s.signal.Connect(ctx, url, s.params.RoomID, s.params.UserID, s.params.Role); err != nil {
		if !s.signal.IsConnected() {
			s.signalDown.Store(true)
		}
		return newCallError(SignalingUnavailable, err)
	}
	if s.ended.IsBroken() {
		s.signal.Close()
		return ErrSessionEnded
	}
	s.log.Infow("signal reconnected")
	return nil
}

// End hangs up. It can be called from any state, any number of times.
func (s *Session) End() {
	s.end(nil)
}

func (s *Session) end(cause error) {
	s.lock.Lock()
	if s.ended.IsBroken() {
		s.lock.Unlock()
		return
	}
	s.ended.Break()
	s.err = cause
	s.lock.Unlock()

	s.quality.Stop()
	if s.Recording() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.recordingStopTimeout)
		blob, err := s.recorder.Stop(ctx)
		cancel()
		s.reportRecordingStopped(blob, err)
	}
	s.media.Release()
	s.peers.CloseAll()
	s.signal.Close()
	s.chat.clear()

	s.setState(SessionStateEnded, cause)
	if cause != nil {
		s.log.Warnw("session ended", cause)
	} else {
		s.log.Infow("session ended")
	}
	s.done.Break()
}

// SendChat sends text to the room and appends it to the local history.
func (s *Session) SendChat(text string) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	if err := s.send(newChatSend(s.params.RoomID, text)); err != nil {
		return newCallError(SignalingUnavailable, err)
	}
	msg := ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   s.params.UserID,
		SenderRole: s.params.Role,
		Text:       text,
		Timestamp:  time.Now(),
		Local:      true,
	}
	s.chat.append(msg)
	s.callback.OnChatMessage(msg)
	return nil
}

func (s *Session) SetAudioEnabled(enabled bool) {
	s.media.SetAudioEnabled(enabled)
}

func (s *Session) SetVideoEnabled(enabled bool) {
	s.media.SetVideoEnabled(enabled)
}

// StartScreenShare shares the display with every peer. While sharing, it
// returns the existing track.
func (s *Session) StartScreenShare(ctx context.Context) (*LocalTrack, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	track, created, err := s.media.startScreenShare(ctx)
	if err != nil || !created {
		return track, err
	}

	s.peers.ForEach(func(p *Peer) {
		p.AddTrack(track)
	})
	if err := s.send(newScreenShareNotice(true, s.params.RoomID, track.StreamID())); err != nil {
		s.log.Debugw("could not announce screen share", "error", err)
	}
	s.callback.OnScreenShareStarted(track)
	return track, nil
}

func (s *Session) StopScreenShare() {
	s.media.StopScreenShare()
}

func (s *Session) handleScreenShareEnded(track *LocalTrack) {
	if s.ended.IsBroken() {
		return
	}
	s.peers.ForEach(func(p *Peer) {
		p.RemoveTrack(track.ID())
	})
	if err := s.send(newScreenShareNotice(false, s.params.RoomID, track.StreamID())); err != nil {
		s.log.Debugw("could not announce screen share stop", "error", err)
	}
	s.callback.OnScreenShareStopped(track)
}

// ChangeQuality applies preset to the camera in place.
func (s *Session) ChangeQuality(preset QualityPreset) error {
	if err := s.media.ApplyPreset(preset); err != nil {
		return err
	}
	s.log.Infow("quality preset applied", "preset", preset.Name)
	return nil
}

// StartRecording records local media and every remote stream known now.
// Only doctors may record.
func (s *Session) StartRecording() error {
	if !s.params.Role.CanRecord() {
		return ErrNotAuthorized
	}
	if err := s.checkActive(); err != nil {
		return err
	}
	if s.recorder == nil {
		return newCallError(RecordingFailure, errors.New("no recording sink configured"))
	}

	var sources []recorder.Source
	for _, t := range s.media.Tracks() {
		sources = append(sources, t)
	}
	for _, stream := range s.peers.RemoteStreams() {
		for _, t := range stream.Tracks() {
			sources = append(sources, t)
		}
	}
	if err := s.recorder.Start(sources); err != nil {
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			return ErrRecordingActive
		}
		cerr := newCallError(RecordingFailure, err)
		s.callback.OnError(cerr)
		return cerr
	}

	if err := s.send(newRecordingNotice(true, s.params.RoomID)); err != nil {
		s.log.Debugw("could not announce recording", "error", err)
	}
	s.callback.OnRecordingStarted(s.recorder.Tracks())
	return nil
}

// StopRecording finalizes the recording and persists it.
func (s *Session) StopRecording(ctx context.Context) (*recorder.Blob, error) {
	if !s.params.Role.CanRecord() {
		return nil, ErrNotAuthorized
	}
	if s.recorder == nil || !s.recorder.Active() {
		return nil, ErrRecordingInactive
	}

	blob, err := s.recorder.Stop(ctx)
	if serr := s.send(newRecordingNotice(false, s.params.RoomID)); serr != nil {
		s.log.Debugw("could not announce recording stop", "error", serr)
	}
	return blob, s.reportRecordingStopped(blob, err)
}

func (s *Session) reportRecordingStopped(blob *recorder.Blob, err error) error {
	if errors.Is(err, recorder.ErrNotRecording) {
		return ErrRecordingInactive
	}
	if err != nil {
		err = newCallError(RecordingFailure, err)
		s.callback.OnError(err)
	}
	s.callback.OnRecordingStopped(blob, err)
	return err
}

func (s *Session) checkActive() error {
	if s.ended.IsBroken() {
		return ErrSessionEnded
	}
	if !s.joined.Load() {
		return ErrNoLocalMedia
	}
	return nil
}

// send is the only path to the relay. It drops everything once the session
// ends and while the relay connection is being re-established.
func (s *Session) send(msg OutboundMessage) error {
	if s.ended.IsBroken() {
		return ErrSessionEnded
	}
	if s.signalDown.Load() {
		return ErrSignalClosed
	}
	return s.signal.Send(msg)
}

func (s *Session) localTracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	for _, t := range s.media.Tracks() {
		tracks = append(tracks, t)
	}
	return tracks
}

func (s *Session) setState(state SessionState, err error) {
	s.lock.Lock()
	if s.state == state || (s.state == SessionStateEnded) {
		s.lock.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.lock.Unlock()

	if state == SessionStateConnected {
		s.quality.Start()
	} else if prev == SessionStateConnected {
		s.quality.Stop()
	}

	s.log.Infow("session state changed", "state", state.String(), "previous", prev.String())
	s.callback.OnStateChanged(state, err)
}

// markConnected moves a connecting or reconnecting session to connected.
func (s *Session) markConnected() {
	if s.ended.IsBroken() || s.signalDown.Load() {
		return
	}
	switch s.State() {
	case SessionStateConnecting, SessionStateReconnecting:
		s.setState(SessionStateConnected, nil)
	}
}

func (s *Session) handleSignalMessage(msg SignalMessage) {
	if s.ended.IsBroken() {
		return
	}

	switch m := msg.(type) {
	case *RoomInfo:
		role := RoleAnswerer
		if s.opts.newcomerOffers {
			role = RoleOfferer
		}
		others := 0
		for _, u := range m.Users {
			if u.SocketID == "" || (u.UserID != "" && u.UserID == s.params.UserID) {
				continue
			}
			others++
			s.createPeer(u.SocketID, role)
		}
		if others == 0 {
			s.markConnected()
		}

	case *UserJoined:
		if m.UserID != "" && m.UserID == s.params.UserID {
			return
		}
		role := RoleOfferer
		if s.opts.newcomerOffers {
			role = RoleAnswerer
		}
		s.createPeer(m.SocketID, role)

	case *UserLeft:
		p := s.peers.Get(m.SocketID)
		if s.peers.Remove(m.SocketID) {
			s.forget(m.SocketID)
			s.removeStreams(func(sp *Peer) bool { return sp == p })
			s.callback.OnPeerLeft(m.SocketID)
		}

	case *RemoteOffer:
		p := s.peers.Get(m.From)
		if p == nil {
			var err error
			if p, err = s.peers.Create(m.From, RoleAnswerer); err != nil {
				s.log.Warnw("could not create peer for offer", err, "peer", m.From)
				return
			}
			s.callback.OnPeerJoined(m.From)
		}
		p.HandleOffer(m.SDP)

	case *RemoteAnswer:
		if p := s.peers.Get(m.From); p != nil {
			p.HandleAnswer(m.SDP)
		} else {
			s.log.Debugw("ignoring answer for unknown peer", "peer", m.From)
		}

	case *RemoteICECandidate:
		if p := s.peers.Get(m.From); p != nil {
			p.AddICECandidate(m.Candidate)
		} else {
			s.log.Debugw("ignoring candidate for unknown peer", "peer", m.From)
		}

	case *ChatReceived:
		if m.UserID != "" && m.UserID == s.params.UserID {
			// already appended when sent
			return
		}
		ts := m.Timestamp.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		chat := ChatMessage{
			ID:         uuid.NewString(),
			SenderID:   m.UserID,
			SenderRole: m.UserRole,
			Text:       m.Message,
			Timestamp:  ts,
		}
		s.chat.append(chat)
		s.callback.OnChatMessage(chat)

	case *ScreenShareStarted:
		s.callback.OnRemoteScreenShare(true, firstNonEmpty(m.UserID, m.SocketID), m.StreamID)

	case *ScreenShareStopped:
		s.callback.OnRemoteScreenShare(false, firstNonEmpty(m.UserID, m.SocketID), m.StreamID)

	case *RecordingStarted:
		s.callback.OnRemoteRecording(true, firstNonEmpty(m.UserID, m.SocketID))

	case *RecordingStopped:
		s.callback.OnRemoteRecording(false, firstNonEmpty(m.UserID, m.SocketID))
	}
}

func (s *Session) createPeer(id string, role NegotiationRole) {
	if id == "" {
		return
	}
	if _, err := s.peers.Create(id, role); err != nil {
		s.log.Warnw("could not create peer", err, "peer", id)
		s.callback.OnPeerLost(id, err)
		return
	}
	s.callback.OnPeerJoined(id)
}

func (s *Session) forget(peerID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for p := range s.announced {
		if p.ID() == peerID {
			delete(s.announced, p)
		}
	}
}

// handlePeerReplaced drops what was tracked for a record that a newer one
// with the same id superseded.
func (s *Session) handlePeerReplaced(prev *Peer) {
	s.lock.Lock()
	delete(s.announced, prev)
	s.lock.Unlock()
	s.removeStreams(func(sp *Peer) bool { return sp == prev })
}

func (s *Session) handlePeerConnected(p *Peer) {
	if s.ended.IsBroken() {
		return
	}
	s.lock.Lock()
	_, seen := s.announced[p]
	s.announced[p] = struct{}{}
	s.lock.Unlock()

	s.markConnected()
	if !seen {
		s.callback.OnPeerConnected(p.ID())
	}
}

func (s *Session) handlePeerLost(p *Peer, err error) {
	if s.ended.IsBroken() || s.signalDown.Load() {
		return
	}
	s.lock.Lock()
	delete(s.announced, p)
	s.lock.Unlock()

	s.removeStreams(func(sp *Peer) bool { return sp == p })
	s.callback.OnPeerLost(p.ID(), err)
	if s.opts.endOnLastPeerLost && s.peers.Len() == 0 {
		s.end(err)
	}
}

func (s *Session) handleRemoteTrack(p *Peer, track *RemoteTrack) {
	if s.ended.IsBroken() {
		return
	}
	s.lock.Lock()
	s.streams[p] = struct{}{}
	s.lock.Unlock()
	s.callback.OnRemoteTrack(p.ID(), track)
}

// removeStreams reports removal of every remote stream whose peer matches.
func (s *Session) removeStreams(match func(p *Peer) bool) {
	var removed []string
	s.lock.Lock()
	for p := range s.streams {
		if match(p) {
			delete(s.streams, p)
			removed = append(removed, p.ID())
		}
	}
	s.lock.Unlock()

	for _, id := range removed {
		s.callback.OnRemoteStreamRemoved(id)
	}
}

func (s *Session) handleRemoteTrackEnded(p *Peer, track *RemoteTrack) {
	if s.ended.IsBroken() {
		return
	}
	s.callback.OnRemoteTrackEnded(p.ID(), track)
}

func (s *Session) handleQualitySample(sample QualitySample) {
	if s.ended.IsBroken() {
		return
	}
	s.lock.Lock()
	changed := sample.Tier != s.lastTier
	s.lastTier = sample.Tier
	s.lock.Unlock()
	if changed {
		s.callback.OnQualityChanged(sample)
	}
}

func (s *Session) handleSignalDisconnected(cause error) {
	if cause == nil || s.ended.IsBroken() {
		return
	}
	if !s.signalDown.CompareAndSwap(false, true) {
		return
	}

	s.setState(SessionStateReconnecting, newCallError(SignalingUnavailable, cause))
	s.peers.CloseAll()
	s.lock.Lock()
	s.announced = make(map[*Peer]struct{})
	s.lock.Unlock()
	s.removeStreams(func(*Peer) bool { return true })

	if s.opts.reconnect == nil {
		return
	}
	go s.reconnectWorker(*s.opts.reconnect)
}

func (s *Session) reconnectWorker(policy ReconnectPolicy) {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if s.ended.IsBroken() {
			return
		}
		s.log.Infow("reconnecting to relay", "attempt", attempt)

		ctx, cancel := context.WithTimeout(context.Background(), signalConnectTimeout)
		err := s.Reconnect(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrSessionEnded) {
			return
		}
		lastErr = err
		s.log.Warnw("reconnect failed", err, "attempt", attempt)

		delay := time.Duration(attempt*attempt) * policy.InitialBackoff
		if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
			break
		}
		if attempt < policy.MaxAttempts-1 {
			select {
			case <-s.ended.Watch():
				return
			case <-time.After(delay):
			}
		}
	}
	if lastErr == nil {
		lastErr = newCallError(SignalingUnavailable, ErrSignalClosed)
	}
	s.end(lastErr)
}

type noCapturer struct{}

func (noCapturer) CaptureUserMedia(context.Context, MediaConstraints) (*CaptureSource, *CaptureSource, error) {
	return nil, nil, ErrNoCaptureDevice
}

func (noCapturer) CaptureDisplay(context.Context, MediaConstraints) (*CaptureSource, error) {
	return nil, ErrNoCaptureDevice
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
