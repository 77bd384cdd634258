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

package recorder

import (
	"errors"
	"strings"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

var ErrCodecNotSupported = errors.New("codec not supported")

const (
	maxVideoLate = 1000 // nearly 2s for fhd video
	maxAudioLate = 200  // 4s for audio

	defaultVideoWidth  = 1280
	defaultVideoHeight = 720
)

func webmCodecID(mimeType string) (string, error) {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return "V_VP8", nil
	case strings.ToLower(webrtc.MimeTypeVP9):
		return "V_VP9", nil
	case strings.ToLower(webrtc.MimeTypeOpus):
		return "A_OPUS", nil
	default:
		return "", ErrCodecNotSupported
	}
}

func trackEntry(number uint64, name string, codec webrtc.RTPCodecCapability) (webm.TrackEntry, error) {
	codecID, err := webmCodecID(codec.MimeType)
	if err != nil {
		return webm.TrackEntry{}, err
	}
	entry := webm.TrackEntry{
		Name:        name,
		TrackNumber: number,
		TrackUID:    number,
		CodecID:     codecID,
	}
	if codecID == "A_OPUS" {
		channels := uint64(codec.Channels)
		if channels == 0 {
			channels = 2
		}
		entry.TrackType = 2
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(codec.ClockRate),
			Channels:          channels,
		}
	} else {
		entry.TrackType = 1
		entry.Video = &webm.Video{
			PixelWidth:  defaultVideoWidth,
			PixelHeight: defaultVideoHeight,
		}
	}
	return entry, nil
}

func createSampleBuilder(codec webrtc.RTPCodecCapability) (*samplebuilder.SampleBuilder, error) {
	var (
		depacketizer rtp.Depacketizer
		maxLate      uint16
	)
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		depacketizer = &codecs.VP8Packet{}
		maxLate = maxVideoLate
	case strings.ToLower(webrtc.MimeTypeVP9):
		depacketizer = &codecs.VP9Packet{}
		maxLate = maxVideoLate
	case strings.ToLower(webrtc.MimeTypeOpus):
		depacketizer = &codecs.OpusPacket{}
		maxLate = maxAudioLate
	default:
		return nil, ErrCodecNotSupported
	}
	return samplebuilder.New(maxLate, depacketizer, codec.ClockRate), nil
}

// isKeyframe inspects the first payload byte of a depacketized frame.
func isKeyframe(mimeType string, frame []byte) bool {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		// inverse key frame flag in the frame tag
		return len(frame) > 0 && frame[0]&0x01 == 0
	case strings.ToLower(webrtc.MimeTypeVP9):
		// profile 0-2 uncompressed header, show_existing_frame unset, frame_type 0
		return len(frame) > 0 && frame[0]&0xc8 == 0x80
	default:
		return true
	}
}
