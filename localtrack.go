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
	"io"
	"strings"
	"sync"
	"time"

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
)

const (
	rtpOutboundMTU = 1200
)

type TrackSource int

const (
	SourceMicrophone TrackSource = iota
	SourceCamera
	SourceScreenShare
)

func (s TrackSource) String() string {
	switch s {
	case SourceMicrophone:
		return "microphone"
	case SourceCamera:
		return "camera"
	default:
		return "screen_share"
	}
}

// LocalTrack is a local track that simplifies writing samples.
// It paces samples from a SampleProvider, packetizes them once and writes the
// packets to every peer connection the track is bound to. Disabling the track
// stops sending media without touching negotiation.
type LocalTrack struct {
	log        protoLogger.Logger
	source     TrackSource
	rtpTrack   *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer
	clockRate  uint32

	enabled atomic.Bool
	ended   atomic.Bool
	fanout  packetFanout

	lock        sync.Mutex
	provider    SampleProvider
	cancelWrite context.CancelFunc
	writeClosed chan struct{}
	onEnded     func()
}

func NewLocalTrack(c webrtc.RTPCodecCapability, id, streamID string, source TrackSource) (*LocalTrack, error) {
	payloader, err := payloaderForCodec(c)
	if err != nil {
		return nil, err
	}
	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(c, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{
		log:       getLogger().WithValues("track", id, "source", source.String()),
		source:    source,
		rtpTrack:  rtpTrack,
		clockRate: c.ClockRate,
		packetizer: rtp.NewPacketizer(
			rtpOutboundMTU,
			0, // Value is handled when writing
			0, // Value is handled when writing
			payloader,
			rtp.NewRandomSequencer(),
			c.ClockRate,
		),
	}
	t.enabled.Store(true)
	return t, nil
}

// ID is the unique identifier for this Track. This should be unique for the
// stream, but doesn't have to globally unique.
func (t *LocalTrack) ID() string { return t.rtpTrack.ID() }

// RID is the RTP stream identifier.
func (t *LocalTrack) RID() string { return t.rtpTrack.RID() }

// StreamID is the group this track belongs too.
func (t *LocalTrack) StreamID() string { return t.rtpTrack.StreamID() }

// Kind controls if this TrackLocal is audio or video
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.rtpTrack.Kind() }

// Codec gets the Codec of the track
func (t *LocalTrack) Codec() webrtc.RTPCodecCapability { return t.rtpTrack.Codec() }

func (t *LocalTrack) Source() TrackSource { return t.source }

// Bind is an interface for TrackLocal, not for external consumption
func (t *LocalTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.rtpTrack.Bind(ctx)
}

// Unbind is an interface for TrackLocal, not for external consumption
func (t *LocalTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	return t.rtpTrack.Unbind(ctx)
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) Ended() bool {
	return t.ended.Load()
}

func (t *LocalTrack) Provider() SampleProvider {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.provider
}

// OnEnded sets a callback for when the provider runs out of samples. It is
// not invoked by Stop.
func (t *LocalTrack) OnEnded(f func()) {
	t.lock.Lock()
	t.onEnded = f
	t.lock.Unlock()
}

// AddSink receives a copy of every packet sent while the track is enabled.
func (t *LocalTrack) AddSink(f func(*rtp.Packet)) func() {
	return t.fanout.add(f)
}

// RequestKeyframe is a no-op; local providers start every stream on a keyframe.
func (t *LocalTrack) RequestKeyframe() error {
	return nil
}

// StartWrite begins pacing samples from provider.
func (t *LocalTrack) StartWrite(provider SampleProvider) {
	ctx, cancel := context.WithCancel(context.Background())
	writeClosed := make(chan struct{})

	t.lock.Lock()
	prevCancel, prevClosed := t.cancelWrite, t.writeClosed
	t.provider = provider
	t.cancelWrite = cancel
	t.writeClosed = writeClosed
	t.lock.Unlock()

	go func() {
		if prevCancel != nil {
			prevCancel()
			// wait for previous write to finish to prevent multi-threaded provider reading
			<-prevClosed
		}
		t.writeWorker(ctx, provider, writeClosed)
	}()
}

// Stop ends the track and closes its provider. It is idempotent.
func (t *LocalTrack) Stop() {
	if t.ended.Swap(true) {
		return
	}
	t.lock.Lock()
	cancel, closed, provider := t.cancelWrite, t.writeClosed, t.provider
	t.onEnded = nil
	t.lock.Unlock()

	if cancel != nil {
		cancel()
		<-closed
	}
	if provider != nil {
		_ = provider.Close()
	}
}

func (t *LocalTrack) writeWorker(ctx context.Context, provider SampleProvider, writeClosed chan struct{}) {
	defer close(writeClosed)

	nextSampleTime := time.Now()
	for {
		// Be mindful that NextSample is not thread-safe
		sample, err := provider.NextSample(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == io.EOF {
			t.handleEnded()
			return
		}
		if err != nil {
			t.log.Errorw("could not get sample from provider", err)
			t.handleEnded()
			return
		}

		samples := uint32(sample.Duration.Seconds() * float64(t.clockRate))
		if t.enabled.Load() && len(sample.Data) > 0 {
			for _, pkt := range t.packetizer.Packetize(sample.Data, samples) {
				t.fanout.write(pkt)
				if err := t.rtpTrack.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					t.log.Debugw("could not write packet", "error", err)
				}
			}
		} else {
			t.packetizer.SkipSamples(samples)
		}

		// account for clock drift
		nextSampleTime = nextSampleTime.Add(sample.Duration)
		sleepDuration := time.Until(nextSampleTime)
		if sleepDuration <= 0 {
			continue
		}
		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *LocalTrack) handleEnded() {
	if t.ended.Swap(true) {
		return
	}
	t.lock.Lock()
	onEnded := t.onEnded
	provider := t.provider
	t.lock.Unlock()

	if provider != nil {
		_ = provider.Close()
	}
	t.log.Infow("local track ended")
	if onEnded != nil {
		go onEnded()
	}
}

func payloaderForCodec(codec webrtc.RTPCodecCapability) (rtp.Payloader, error) {
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeH264):
		return &codecs.H264Payloader{}, nil
	case strings.ToLower(webrtc.MimeTypeOpus):
		return &codecs.OpusPayloader{}, nil
	case strings.ToLower(webrtc.MimeTypeVP8):
		return &codecs.VP8Payloader{
			EnablePictureID: true,
		}, nil
	case strings.ToLower(webrtc.MimeTypeVP9):
		return &codecs.VP9Payloader{}, nil
	case strings.ToLower(webrtc.MimeTypePCMU), strings.ToLower(webrtc.MimeTypePCMA):
		return &codecs.G711Payloader{}, nil
	default:
		return nil, webrtc.ErrNoPayloaderForCodec
	}
}
