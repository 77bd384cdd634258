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
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusClockRate  = 48000
	videoClockRate = 90000
)

// ReaderSampleProvider provides samples by reading from an io.ReadCloser implementation
type ReaderSampleProvider struct {
	// Configuration
	Mime          string
	FrameDuration time.Duration

	reader io.ReadCloser

	// for vp8/vp9
	ivfReader     *ivfreader.IVFReader
	ivfTimebase   float64
	lastTimestamp uint64

	// for opus
	oggReader   *oggreader.OggReader
	lastGranule uint64
}

// NewFileSampleProvider opens file and picks the codec from its extension and header.
func NewFileSampleProvider(file string) (*ReaderSampleProvider, webrtc.RTPCodecCapability, error) {
	fp, err := os.Open(file)
	if err != nil {
		return nil, webrtc.RTPCodecCapability{}, err
	}

	var mime string
	switch filepath.Ext(file) {
	case ".ivf":
		buf := make([]byte, 4)
		if _, err = fp.ReadAt(buf, 8); err != nil {
			_ = fp.Close()
			return nil, webrtc.RTPCodecCapability{}, err
		}
		switch string(buf[:3]) {
		case "VP8":
			mime = webrtc.MimeTypeVP8
		case "VP9":
			mime = webrtc.MimeTypeVP9
		default:
			_ = fp.Close()
			return nil, webrtc.RTPCodecCapability{}, ErrCannotDetermineMime
		}
	case ".ogg":
		mime = webrtc.MimeTypeOpus
	default:
		_ = fp.Close()
		return nil, webrtc.RTPCodecCapability{}, ErrCannotDetermineMime
	}

	provider, err := NewReaderSampleProvider(fp, mime)
	if err != nil {
		_ = fp.Close()
		return nil, webrtc.RTPCodecCapability{}, err
	}
	return provider, codecForMime(mime), nil
}

// NewReaderSampleProvider reads IVF (VP8/VP9) or Ogg (Opus) from in.
func NewReaderSampleProvider(in io.ReadCloser, mime string) (*ReaderSampleProvider, error) {
	p := &ReaderSampleProvider{Mime: mime, reader: in}

	var err error
	switch mime {
	case webrtc.MimeTypeVP8, webrtc.MimeTypeVP9:
		var ivfHeader *ivfreader.IVFFileHeader
		p.ivfReader, ivfHeader, err = ivfreader.NewWith(in)
		if err == nil {
			p.ivfTimebase = float64(ivfHeader.TimebaseNumerator) / float64(ivfHeader.TimebaseDenominator)
		}
	case webrtc.MimeTypeOpus:
		p.oggReader, _, err = oggreader.NewWith(in)
	default:
		err = ErrUnsupportedFileType
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ReaderSampleProvider) NextSample(ctx context.Context) (media.Sample, error) {
	sample := media.Sample{}
	if err := ctx.Err(); err != nil {
		return sample, err
	}

	switch p.Mime {
	case webrtc.MimeTypeVP8, webrtc.MimeTypeVP9:
		frame, header, err := p.ivfReader.ParseNextFrame()
		if err != nil {
			return sample, err
		}
		// header timestamps are pts scaled by den/num, so one timebase
		// step recovers pts and a second converts it to seconds
		pts := float64(header.Timestamp-p.lastTimestamp) * p.ivfTimebase
		sample.Data = frame
		sample.Duration = time.Duration(pts*p.ivfTimebase*1000) * time.Millisecond
		p.lastTimestamp = header.Timestamp
	case webrtc.MimeTypeOpus:
		page, header, err := p.oggReader.ParseNextPage()
		if err != nil {
			return sample, err
		}
		sample.Data = page
		if header.GranulePosition > p.lastGranule {
			samples := header.GranulePosition - p.lastGranule
			sample.Duration = time.Duration(float64(samples)/opusClockRate*1000) * time.Millisecond
		} else if d, err := opusPacketDuration(page); err == nil {
			// granule did not advance, fall back to the packet's own framing
			sample.Duration = d
		}
		p.lastGranule = header.GranulePosition
	}

	if p.FrameDuration > 0 {
		sample.Duration = p.FrameDuration
	}
	return sample, nil
}

func (p *ReaderSampleProvider) Close() error {
	if p.reader != nil {
		return p.reader.Close()
	}
	return nil
}

func codecForMime(mime string) webrtc.RTPCodecCapability {
	switch mime {
	case webrtc.MimeTypeOpus:
		return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: opusClockRate, Channels: 2}
	default:
		return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: videoClockRate}
	}
}
