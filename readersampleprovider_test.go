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
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// writeIVF writes a 30fps IVF file holding frames.
func writeIVF(t *testing.T, dir, fourcc string, frames ...[]byte) string {
	t.Helper()
	var buf bytes.Buffer
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:6], 0)
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], fourcc)
	binary.LittleEndian.PutUint16(header[12:14], 640)
	binary.LittleEndian.PutUint16(header[14:16], 480)
	binary.LittleEndian.PutUint32(header[16:20], 30)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(frames)))
	buf.Write(header)

	for i, frame := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		buf.Write(fh)
		buf.Write(frame)
	}

	path := filepath.Join(dir, "camera.ivf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestFileSampleProviderIVF(t *testing.T) {
	path := writeIVF(t, t.TempDir(), "VP80", []byte{0x10, 0x01}, []byte{0x11, 0x02}, []byte{0x11, 0x03})

	provider, codec, err := NewFileSampleProvider(path)
	require.NoError(t, err)
	defer provider.Close()
	require.Equal(t, webrtc.MimeTypeVP8, codec.MimeType)
	require.Equal(t, uint32(90000), codec.ClockRate)

	ctx := context.Background()
	first, err := provider.NextSample(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{0x10, 0x01}, first.Data)

	second, err := provider.NextSample(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x02}, second.Data)
	require.Equal(t, 33*time.Millisecond, second.Duration)

	// one frame of a 30fps timebase, not one second
	third, err := provider.NextSample(ctx)
	require.NoError(t, err)
	require.Equal(t, 33*time.Millisecond, third.Duration)
	_, err = provider.NextSample(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestFileSampleProviderFixedFrameDuration(t *testing.T) {
	path := writeIVF(t, t.TempDir(), "VP90", []byte{0x01}, []byte{0x02})
	provider, codec, err := NewFileSampleProvider(path)
	require.NoError(t, err)
	defer provider.Close()
	require.Equal(t, webrtc.MimeTypeVP9, codec.MimeType)

	provider.FrameDuration = 40 * time.Millisecond
	sample, err := provider.NextSample(context.Background())
	require.NoError(t, err)
	require.Equal(t, 40*time.Millisecond, sample.Duration)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = provider.NextSample(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFileSampleProviderUnknownType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	_, _, err := NewFileSampleProvider(path)
	require.ErrorIs(t, err, ErrCannotDetermineMime)

	path = writeIVF(t, dir, "AV01", []byte{0x01})
	_, _, err = NewFileSampleProvider(path)
	require.ErrorIs(t, err, ErrCannotDetermineMime)

	_, err = NewReaderSampleProvider(io.NopCloser(bytes.NewReader(nil)), "video/h265")
	require.ErrorIs(t, err, ErrUnsupportedFileType)
}

func TestFileCapturerPlaysIVF(t *testing.T) {
	path := writeIVF(t, t.TempDir(), "VP80", []byte{0x10, 0x01})
	c := &FileCapturer{ScreenFile: path}
	src, err := c.CaptureDisplay(context.Background(), MediaConstraints{})
	require.NoError(t, err)
	defer src.Provider.Close()
	require.Equal(t, webrtc.MimeTypeVP8, src.Codec.MimeType)
}
