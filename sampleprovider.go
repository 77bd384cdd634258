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
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/atomic"
)

type SampleProvider interface {
	// NextSample blocks until a sample is ready. io.EOF ends the track.
	NextSample(ctx context.Context) (media.Sample, error)
	Close() error
}

// ConstraintApplier is implemented by providers that can change their output
// in place, without producing a new track.
type ConstraintApplier interface {
	ApplyConstraints(c MediaConstraints) error
}

// NullSampleProvider is a media provider that provides null packets, it could meet a certain bitrate, if desired
type NullSampleProvider struct {
	lock           sync.Mutex
	BytesPerSample uint32
	SampleDuration time.Duration
	ended          atomic.Bool
}

func NewNullSampleProvider(bitrate uint32) *NullSampleProvider {
	return newNullSampleProvider(bitrate, 30)
}

func newNullSampleProvider(bitrate uint32, samplesPerSecond int) *NullSampleProvider {
	if samplesPerSecond <= 0 {
		samplesPerSecond = 30
	}
	return &NullSampleProvider{
		SampleDuration: time.Second / time.Duration(samplesPerSecond),
		BytesPerSample: bitrate / 8 / uint32(samplesPerSecond),
	}
}

func (p *NullSampleProvider) NextSample(ctx context.Context) (media.Sample, error) {
	if p.ended.Load() {
		return media.Sample{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return media.Sample{}, err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return media.Sample{
		Data:     make([]byte, p.BytesPerSample),
		Duration: p.SampleDuration,
	}, nil
}

// ApplyConstraints retargets the provider to the video bitrate and frame rate of c.
func (p *NullSampleProvider) ApplyConstraints(c MediaConstraints) error {
	fps := c.FrameRate
	if fps <= 0 {
		fps = 30
	}
	p.lock.Lock()
	p.SampleDuration = time.Second / time.Duration(fps)
	p.BytesPerSample = c.VideoBitrate / 8 / uint32(fps)
	p.lock.Unlock()
	return nil
}

// End makes the next sample return io.EOF, the way a capture source stopped
// from outside the application would.
func (p *NullSampleProvider) End() {
	p.ended.Store(true)
}

func (p *NullSampleProvider) Close() error {
	p.ended.Store(true)
	return nil
}
