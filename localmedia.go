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
	"sync"

	"github.com/google/uuid"
	protoLogger "github.com/livekit/protocol/logger"
)

const (
	cameraStreamID = "camera"
	screenStreamID = "screen"
)

// LocalMediaState is a snapshot of the local tracks and their flags.
type LocalMediaState struct {
	Audio        *LocalTrack
	Video        *LocalTrack
	Screen       *LocalTrack
	AudioEnabled bool
	VideoEnabled bool
}

// LocalMedia owns the local camera, microphone and screen-share tracks.
// Peers read its tracks; only LocalMedia stops or replaces them.
type LocalMedia struct {
	log      protoLogger.Logger
	capturer Capturer

	lock         sync.Mutex
	preset       QualityPreset
	audio        *LocalTrack
	video        *LocalTrack
	screen       *LocalTrack
	audioEnabled bool
	videoEnabled bool

	onScreenShareEnded func(track *LocalTrack)
}

func NewLocalMedia(capturer Capturer, preset QualityPreset) *LocalMedia {
	return &LocalMedia{
		log:          getLogger().WithName("media"),
		capturer:     capturer,
		preset:       preset,
		audioEnabled: true,
		videoEnabled: true,
	}
}

// OnScreenShareEnded is called once per screen share, whether it was stopped
// explicitly or ended by the capture source.
func (m *LocalMedia) OnScreenShareEnded(f func(track *LocalTrack)) {
	m.lock.Lock()
	m.onScreenShareEnded = f
	m.lock.Unlock()
}

// Acquire captures camera and microphone with constraints. Repeated calls
// return the tracks already acquired.
func (m *LocalMedia) Acquire(ctx context.Context, constraints MediaConstraints) (LocalMediaState, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.audio != nil && m.video != nil {
		return m.stateLocked(), nil
	}

	audioSrc, videoSrc, err := m.capturer.CaptureUserMedia(ctx, constraints)
	if err != nil {
		return LocalMediaState{}, newCallError(MediaAccessDenied, err)
	}

	audio, err := NewLocalTrack(audioSrc.Codec, "mic-"+uuid.NewString(), cameraStreamID, SourceMicrophone)
	if err != nil {
		_ = audioSrc.Provider.Close()
		_ = videoSrc.Provider.Close()
		return LocalMediaState{}, newCallError(MediaAccessDenied, err)
	}
	video, err := NewLocalTrack(videoSrc.Codec, "cam-"+uuid.NewString(), cameraStreamID, SourceCamera)
	if err != nil {
		_ = audioSrc.Provider.Close()
		_ = videoSrc.Provider.Close()
		return LocalMediaState{}, newCallError(MediaAccessDenied, err)
	}

	audio.SetEnabled(m.audioEnabled)
	video.SetEnabled(m.videoEnabled)
	audio.StartWrite(audioSrc.Provider)
	video.StartWrite(videoSrc.Provider)
	m.audio, m.video = audio, video

	m.log.Infow("local media acquired",
		"width", constraints.Width,
		"height", constraints.Height,
		"fps", constraints.FrameRate,
	)
	return m.stateLocked(), nil
}

// SetAudioEnabled mutes or unmutes the microphone without renegotiating.
func (m *LocalMedia) SetAudioEnabled(enabled bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.audioEnabled = enabled
	if m.audio != nil {
		m.audio.SetEnabled(enabled)
	}
}

// SetVideoEnabled turns the camera feed on or off without renegotiating.
func (m *LocalMedia) SetVideoEnabled(enabled bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.videoEnabled = enabled
	if m.video != nil {
		m.video.SetEnabled(enabled)
	}
}

// StartScreenShare captures the display. While a share is active it returns
// the existing track without capturing again.
func (m *LocalMedia) StartScreenShare(ctx context.Context) (*LocalTrack, error) {
	track, _, err := m.startScreenShare(ctx)
	return track, err
}

func (m *LocalMedia) startScreenShare(ctx context.Context) (*LocalTrack, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.screen != nil {
		return m.screen, false, nil
	}

	src, err := m.capturer.CaptureDisplay(ctx, m.preset.Constraints())
	if err != nil {
		return nil, false, newCallError(MediaAccessDenied, err)
	}
	track, err := NewLocalTrack(src.Codec, "screen-"+uuid.NewString(), screenStreamID, SourceScreenShare)
	if err != nil {
		_ = src.Provider.Close()
		return nil, false, newCallError(MediaAccessDenied, err)
	}
	track.OnEnded(func() {
		m.endScreenShare(track)
	})
	track.StartWrite(src.Provider)
	m.screen = track

	m.log.Infow("screen share started", "track", track.ID())
	return track, true, nil
}

// StopScreenShare stops the active share, if any.
func (m *LocalMedia) StopScreenShare() {
	m.lock.Lock()
	track := m.screen
	m.lock.Unlock()
	if track != nil {
		m.endScreenShare(track)
	}
}

func (m *LocalMedia) endScreenShare(track *LocalTrack) {
	m.lock.Lock()
	if m.screen != track {
		m.lock.Unlock()
		return
	}
	m.screen = nil
	onEnded := m.onScreenShareEnded
	m.lock.Unlock()

	track.Stop()
	m.log.Infow("screen share stopped", "track", track.ID())
	if onEnded != nil {
		onEnded(track)
	}
}

// ScreenShare returns the active screen-share track, or nil.
func (m *LocalMedia) ScreenShare() *LocalTrack {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.screen
}

// Tracks returns every active local track.
func (m *LocalMedia) Tracks() []*LocalTrack {
	m.lock.Lock()
	defer m.lock.Unlock()
	var tracks []*LocalTrack
	for _, t := range []*LocalTrack{m.audio, m.video, m.screen} {
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

func (m *LocalMedia) State() LocalMediaState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.stateLocked()
}

func (m *LocalMedia) stateLocked() LocalMediaState {
	return LocalMediaState{
		Audio:        m.audio,
		Video:        m.video,
		Screen:       m.screen,
		AudioEnabled: m.audioEnabled,
		VideoEnabled: m.videoEnabled,
	}
}

func (m *LocalMedia) Preset() QualityPreset {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.preset
}

// ApplyPreset re-targets the camera track in place.
func (m *LocalMedia) ApplyPreset(p QualityPreset) error {
	m.lock.Lock()
	m.preset = p
	video := m.video
	m.lock.Unlock()

	if video == nil {
		return nil
	}
	applier, ok := video.Provider().(ConstraintApplier)
	if !ok {
		m.log.Debugw("camera source does not support constraints", "preset", p.Name)
		return nil
	}
	return applier.ApplyConstraints(p.Constraints())
}

// Release stops every local track. It is safe to call more than once.
func (m *LocalMedia) Release() {
	m.lock.Lock()
	tracks := []*LocalTrack{m.audio, m.video, m.screen}
	m.audio, m.video, m.screen = nil, nil, nil
	m.lock.Unlock()

	released := 0
	for _, t := range tracks {
		if t != nil {
			t.Stop()
			released++
		}
	}
	if released > 0 {
		m.log.Infow("local media released", "tracks", released)
	}
}
