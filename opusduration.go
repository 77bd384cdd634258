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
	"errors"
	"time"
)

var errInvalidOpusPacket = errors.New("invalid opus packet")

const maxOpusPacketDuration = 120 * time.Millisecond

// frame duration by TOC configuration number, RFC 6716 section 3.1
var opusFrameDurations = [32]time.Duration{
	// SILK NB, MB, WB
	10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond,
	10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond,
	10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond,
	// Hybrid SWB, FB
	10 * time.Millisecond, 20 * time.Millisecond,
	10 * time.Millisecond, 20 * time.Millisecond,
	// CELT NB, WB, SWB, FB
	2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
	2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
	2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
	2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
}

// opusPacketDuration reads the playout duration of one Opus packet from its
// TOC byte.
func opusPacketDuration(packet []byte) (time.Duration, error) {
	if len(packet) == 0 {
		return 0, errInvalidOpusPacket
	}

	toc := packet[0]
	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0, errInvalidOpusPacket
		}
		frames = int(packet[1] & 0x3f)
	}

	d := time.Duration(frames) * opusFrameDurations[toc>>3]
	if d == 0 || d > maxOpusPacketDuration {
		return 0, errInvalidOpusPacket
	}
	return d, nil
}
