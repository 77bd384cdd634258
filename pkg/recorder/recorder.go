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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/google/uuid"
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

const MimeTypeWebM = "video/webm"

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrNoSources        = errors.New("no tracks to record")
	ErrPersistFailed    = errors.New("could not persist recording")
)

// Source is a track that can be recorded.
type Source interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	AddSink(f func(*rtp.Packet)) (remove func())
}

type keyframeRequester interface {
	RequestKeyframe() error
}

type TrackInfo struct {
	ID       string
	Kind     string
	MimeType string
}

// Blob is a finished recording. Data is only populated while the sink runs.
type Blob struct {
	Name      string
	MimeType  string
	Data      []byte
	Size      int
	Tracks    []TrackInfo
	StartedAt time.Time
	StoppedAt time.Time
}

type Option func(*Recorder)

func WithLogger(l logger.Logger) Option {
	return func(r *Recorder) {
		r.log = l
	}
}

// WithNamePrefix prepends prefix to generated recording names.
func WithNamePrefix(prefix string) Option {
	return func(r *Recorder) {
		r.namePrefix = prefix
	}
}

// Recorder muxes a fixed set of tracks into one WebM held in memory until Stop.
// It performs no authorization; callers decide who may record.
type Recorder struct {
	log        logger.Logger
	sink       Sink
	namePrefix string

	lock      sync.Mutex
	active    bool
	buffer    *memBuffer
	tracks    []*recordedTrack
	startedAt time.Time
}

func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		log:  logger.GetLogger(),
		sink: sink,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) Active() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.active
}

// BufferedBytes is the size of the in-memory recording.
func (r *Recorder) BufferedBytes() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.buffer == nil {
		return 0
	}
	return r.buffer.Len()
}

// Tracks lists the tracks being recorded.
func (r *Recorder) Tracks() []TrackInfo {
	r.lock.Lock()
	defer r.lock.Unlock()
	infos := make([]TrackInfo, 0, len(r.tracks))
	for _, t := range r.tracks {
		infos = append(infos, t.info)
	}
	return infos
}

// Start records sources from now on. Tracks that appear later are not added.
func (r *Recorder) Start(sources []Source) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.active {
		return ErrAlreadyRecording
	}
	if len(sources) == 0 {
		return ErrNoSources
	}

	entries := make([]webm.TrackEntry, 0, len(sources))
	for i, src := range sources {
		entry, err := trackEntry(uint64(i+1), src.ID(), src.Codec())
		if err != nil {
			return fmt.Errorf("track %s: %w", src.ID(), err)
		}
		entries = append(entries, entry)
	}

	buffer := newMemBuffer()
	writers, err := webm.NewSimpleBlockWriter(buffer, entries)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	tracks := make([]*recordedTrack, 0, len(sources))
	for i, src := range sources {
		sb, err := createSampleBuilder(src.Codec())
		if err != nil {
			for _, w := range writers {
				_ = w.Close()
			}
			return err
		}
		t := &recordedTrack{
			log:      r.log,
			info:     TrackInfo{ID: src.ID(), Kind: src.Kind().String(), MimeType: src.Codec().MimeType},
			sb:       sb,
			writer:   writers[i],
			needsKey: src.Kind() == webrtc.RTPCodecTypeVideo,
		}
		tracks = append(tracks, t)
	}
	for i, src := range sources {
		t := tracks[i]
		t.remove = src.AddSink(t.push)
		if kr, ok := src.(keyframeRequester); ok && src.Kind() == webrtc.RTPCodecTypeVideo {
			if err := kr.RequestKeyframe(); err != nil {
				r.log.Debugw("could not request keyframe", "track", src.ID(), "error", err)
			}
		}
	}

	r.active = true
	r.buffer = buffer
	r.tracks = tracks
	r.startedAt = startedAt
	r.log.Infow("recording started", "tracks", len(tracks))
	return nil
}

// Stop finalizes the recording and hands it to the sink. The in-memory media
// is discarded whether or not the sink succeeds.
func (r *Recorder) Stop(ctx context.Context) (*Blob, error) {
	r.lock.Lock()
	if !r.active {
		r.lock.Unlock()
		return nil, ErrNotRecording
	}
	tracks, buffer, startedAt := r.tracks, r.buffer, r.startedAt
	r.active = false
	r.tracks = nil
	r.buffer = nil
	r.lock.Unlock()

	blob := &Blob{
		Name:      fmt.Sprintf("%s%s.webm", r.namePrefix, uuid.NewString()),
		MimeType:  MimeTypeWebM,
		StartedAt: startedAt,
		StoppedAt: time.Now(),
	}
	for _, t := range tracks {
		t.stop()
		blob.Tracks = append(blob.Tracks, t.info)
	}
	defer buffer.Reset()

	select {
	case <-buffer.Closed():
	case <-ctx.Done():
		return blob, fmt.Errorf("%w: %v", ErrPersistFailed, ctx.Err())
	}

	blob.Data = buffer.Bytes()
	blob.Size = len(blob.Data)
	err := r.sink.Persist(ctx, blob)
	blob.Data = nil
	if err != nil {
		r.log.Warnw("could not persist recording", err, "name", blob.Name)
		return blob, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	r.log.Infow("recording persisted", "name", blob.Name, "size", blob.Size)
	return blob, nil
}

type recordedTrack struct {
	log  logger.Logger
	info TrackInfo

	lock     sync.Mutex
	sb       *samplebuilder.SampleBuilder
	writer   webm.BlockWriteCloser
	remove   func()
	needsKey bool
	elapsed  time.Duration
	stopped  bool
}

func (t *recordedTrack) push(pkt *rtp.Packet) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.stopped {
		return
	}

	t.sb.Push(pkt)
	for sample := t.sb.Pop(); sample != nil; sample = t.sb.Pop() {
		keyframe := isKeyframe(t.info.MimeType, sample.Data)
		if t.needsKey {
			if !keyframe {
				continue
			}
			t.needsKey = false
		}
		if _, err := t.writer.Write(keyframe, t.elapsed.Milliseconds(), sample.Data); err != nil {
			t.log.Debugw("could not write recording block", "track", t.info.ID, "error", err)
		}
		t.elapsed += sample.Duration
	}
}

func (t *recordedTrack) stop() {
	if t.remove != nil {
		t.remove()
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	_ = t.writer.Close()
}

// memBuffer collects the muxer output; the muxer closes it once every track is closed.
type memBuffer struct {
	lock   sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newMemBuffer() *memBuffer {
	return &memBuffer{closed: make(chan struct{})}
}

func (b *memBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *memBuffer) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *memBuffer) Closed() <-chan struct{} { return b.closed }

func (b *memBuffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Len()
}

func (b *memBuffer) Bytes() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// Reset drops the recorded media.
func (b *memBuffer) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.buf.Reset()
}
