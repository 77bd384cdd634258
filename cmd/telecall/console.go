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

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/telecall/telecall"
)

const consoleHelp = `commands:
  /mute /unmute        microphone
  /video on|off        camera
  /share /unshare      screen share
  /quality <preset>    low, medium, high or ultra
  /record /stoprecord  recording (doctors only)
  /reconnect           rejoin the relay
  /status              session summary
  /quit                leave the call
anything else is sent as chat`

// runConsole reads commands and chat from r until it is exhausted, ctx is
// done or the user quits.
func runConsole(ctx context.Context, session *telecall.Session, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := session.SendChat(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
			continue
		}
		if quit := runCommand(ctx, session, strings.Fields(line)); quit {
			session.End()
			return
		}
	}
}

func runCommand(ctx context.Context, session *telecall.Session, args []string) bool {
	var err error
	switch args[0] {
	case "/mute":
		session.SetAudioEnabled(false)
	case "/unmute":
		session.SetAudioEnabled(true)
	case "/video":
		session.SetVideoEnabled(len(args) < 2 || args[1] != "off")
	case "/share":
		_, err = session.StartScreenShare(ctx)
	case "/unshare":
		session.StopScreenShare()
	case "/quality":
		if len(args) < 2 {
			fmt.Printf("current quality %s, measured %s\n", session.Media().Preset().Name, session.QualityTier())
			return false
		}
		var preset telecall.QualityPreset
		if preset, err = telecall.PresetByName(args[1]); err == nil {
			err = session.ChangeQuality(preset)
		}
	case "/record":
		err = session.StartRecording()
	case "/stoprecord":
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err = session.StopRecording(stopCtx)
		cancel()
	case "/reconnect":
		err = session.Reconnect(ctx)
	case "/status":
		printStatus(session)
	case "/quit":
		return true
	default:
		fmt.Println(consoleHelp)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

func printStatus(session *telecall.Session) {
	media := session.MediaState()
	fmt.Printf("state %s, audio %t, video %t, sharing %t, recording %t\n",
		session.State(), media.AudioEnabled, media.VideoEnabled, media.Screen != nil, session.Recording())
	for _, p := range session.Peers() {
		fmt.Printf("  %s %s (%s)\n", p.ID(), p.State(), p.Role())
	}
}
