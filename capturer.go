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
	"io/fs"
	"os"

	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
)

// CaptureSource is one captured input, ready to be wrapped in a LocalTrack.
type CaptureSource struct {
	Codec    webrtc.RTPCodecCapability
	Provider SampleProvider
}

// Capturer is the platform's media acquisition. Errors from either method
// mean the user denied access or no device exists.
type Capturer interface {
	CaptureUserMedia(ctx context.Context, constraints MediaConstraints) (audio, video *CaptureSource, err error)
	CaptureDisplay(ctx context.Context, constraints MediaConstraints) (*CaptureSource, error)
}

// SyntheticCapturer produces null media at the requested bitrate.
type SyntheticCapturer struct {
	// Deny simulates a refused permission prompt
	Deny bool

	userCaptures    atomic.Int32
	displayCaptures atomic.Int32
}

func (c *SyntheticCapturer) CaptureUserMedia(_ context.Context, constraints MediaConstraints) (*CaptureSource, *CaptureSource, error) {
	if c.Deny {
		return nil, nil, ErrNoCaptureDevice
	}
	c.userCaptures.Inc()

	// 20ms opus frames
	audio := &CaptureSource{
		Codec:    codecForMime(webrtc.MimeTypeOpus),
		Provider: newNullSampleProvider(constraints.AudioBitrate, 50),
	}
	video := &CaptureSource{
		Codec:    codecForMime(webrtc.MimeTypeVP8),
		Provider: newNullSampleProvider(constraints.VideoBitrate, constraints.FrameRate),
	}
	return audio, video, nil
}

func (c *SyntheticCapturer) CaptureDisplay(_ context.Context, constraints MediaConstraints) (*CaptureSource, error) {
	if c.Deny {
		return nil, ErrNoCaptureDevice
	}
	c.displayCaptures.Inc()
	return &CaptureSource{
		Codec:    codecForMime(webrtc.MimeTypeVP8),
		Provider: newNullSampleProvider(constraints.VideoBitrate, constraints.FrameRate),
	}, nil
}

func (c *SyntheticCapturer) UserCaptures() int { return int(c.userCaptures.Load()) }

func (c *SyntheticCapturer) DisplayCaptures() int { return int(c.displayCaptures.Load()) }

// FileCapturer plays media files as if they were capture devices: Ogg/Opus
// for the microphone, IVF for the camera and the screen.
type FileCapturer struct {
	AudioFile  string
	VideoFile  string
	ScreenFile string
}

func (c *FileCapturer) CaptureUserMedia(_ context.Context, _ MediaConstraints) (*CaptureSource, *CaptureSource, error) {
	audio, err := openCaptureFile(c.AudioFile)
	if err != nil {
		return nil, nil, err
	}
	video, err := openCaptureFile(c.VideoFile)
	if err != nil {
		_ = audio.Provider.Close()
		return nil, nil, err
	}
	return audio, video, nil
}

func (c *FileCapturer) CaptureDisplay(_ context.Context, _ MediaConstraints) (*CaptureSource, error) {
	return openCaptureFile(c.ScreenFile)
}

func openCaptureFile(file string) (*CaptureSource, error) {
	if file == "" {
		return nil, ErrNoCaptureDevice
	}
	provider, codec, err := NewFileSampleProvider(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoCaptureDevice
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, ErrMediaAccessDenied
		}
		return nil, err
	}
	return &CaptureSource{Codec: codec, Provider: provider}, nil
}
