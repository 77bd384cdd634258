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
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/telecall/telecall/pkg/recorder"
)

// EndpointResolver is the session-initialization collaborator that hands out
// the relay URL for a session.
type EndpointResolver interface {
	ResolveSignalingURL(ctx context.Context, sessionID string, role ParticipantRole) (string, error)
}

// ReconnectPolicy bounds automatic relay reconnection. Backoff grows
// quadratically with the attempt number.
type ReconnectPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		MaxAttempts:    10,
		InitialBackoff: 300 * time.Millisecond,
		MaxBackoff:     60 * time.Second,
	}
}

type sessionOptions struct {
	signalURL            string
	resolver             EndpointResolver
	capturer             Capturer
	factory              PeerConnectionFactory
	transport            TransportParams
	iceServers           []webrtc.ICEServer
	signalOpts           []SignalOption
	negotiationTimeout   time.Duration
	qualityInterval      time.Duration
	initialPreset        QualityPreset
	reconnect            *ReconnectPolicy
	recordingSink        recorder.Sink
	recordingStopTimeout time.Duration
	newcomerOffers       bool
	endOnLastPeerLost    bool
}

func defaultSessionOptions() sessionOptions {
	return sessionOptions{
		negotiationTimeout:   DefaultNegotiationTimeout,
		qualityInterval:      DefaultQualityInterval,
		initialPreset:        PresetMedium,
		reconnect:            DefaultReconnectPolicy(),
		recordingStopTimeout: 10 * time.Second,
	}
}

type SessionOption func(*sessionOptions)

// WithSignalURL skips endpoint resolution and connects to url.
func WithSignalURL(url string) SessionOption {
	return func(o *sessionOptions) {
		o.signalURL = url
	}
}

func WithEndpointResolver(r EndpointResolver) SessionOption {
	return func(o *sessionOptions) {
		o.resolver = r
	}
}

func WithCapturer(c Capturer) SessionOption {
	return func(o *sessionOptions) {
		o.capturer = c
	}
}

func WithPeerConnectionFactory(f PeerConnectionFactory) SessionOption {
	return func(o *sessionOptions) {
		o.factory = f
	}
}

// WithTransport configures the default peer connection factory.
func WithTransport(params TransportParams) SessionOption {
	return func(o *sessionOptions) {
		o.transport = params
	}
}

func WithICEServers(servers []webrtc.ICEServer) SessionOption {
	return func(o *sessionOptions) {
		o.iceServers = servers
	}
}

func WithSignalOptions(opts ...SignalOption) SessionOption {
	return func(o *sessionOptions) {
		o.signalOpts = append(o.signalOpts, opts...)
	}
}

// WithNegotiationTimeout fails peers that do not connect within d. Zero disables it.
func WithNegotiationTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.negotiationTimeout = d
	}
}

func WithQualityInterval(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.qualityInterval = d
	}
}

func WithInitialQuality(p QualityPreset) SessionOption {
	return func(o *sessionOptions) {
		o.initialPreset = p
	}
}

// WithReconnectPolicy replaces the automatic reconnect policy. With nil the
// session stays reconnecting until Reconnect is called.
func WithReconnectPolicy(p *ReconnectPolicy) SessionOption {
	return func(o *sessionOptions) {
		o.reconnect = p
	}
}

func WithRecordingSink(sink recorder.Sink) SessionOption {
	return func(o *sessionOptions) {
		o.recordingSink = sink
	}
}

// WithNewcomerOffers makes a joining participant offer to existing members
// instead of waiting for their offers. By default each existing member
// offers to the newcomer when the relay announces it, and the newcomer
// answers the offers that follow its room info.
func WithNewcomerOffers(enabled bool) SessionOption {
	return func(o *sessionOptions) {
		o.newcomerOffers = enabled
	}
}

// WithEndOnLastPeerLost ends the session when its only remaining peer fails.
func WithEndOnLastPeerLost(enabled bool) SessionOption {
	return func(o *sessionOptions) {
		o.endOnLastPeerLost = enabled
	}
}
