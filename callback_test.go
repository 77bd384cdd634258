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

package telecall_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telecall/telecall"
	"github.com/telecall/telecall/pkg/recorder"
)

func ExampleSessionCallback() {
	cb := telecall.NewSessionCallback()

	// Handle remote media as it arrives
	cb.OnRemoteTrack = func(peerID string, track *telecall.RemoteTrack) {
		fmt.Printf("Received %s track from %s\n", track.Kind(), peerID)
	}

	// Handle chat from the other participants
	cb.OnChatMessage = func(msg telecall.ChatMessage) {
		fmt.Printf("[%s] %s: %s\n", msg.SenderRole, msg.SenderID, msg.Text)
	}

	// Offer a retry button only for failures worth retrying
	cb.OnStateChanged = func(state telecall.SessionState, err error) {
		if err != nil && telecall.IsRetryable(err) {
			fmt.Printf("Connection problem, state %s: %v\n", state, err)
		}
	}

	cb.OnRecordingStopped = func(blob *recorder.Blob, err error) {
		if err == nil {
			fmt.Printf("Saved recording %s (%d bytes)\n", blob.Name, blob.Size)
		}
	}

	session, err := telecall.NewSession(telecall.SessionParams{
		SessionID: "visit-42",
		RoomID:    "room-42",
		UserID:    "dr-house",
		Role:      telecall.ParticipantDoctor,
	}, cb, telecall.WithSignalURL("wss://relay.example.com"), telecall.WithCapturer(&telecall.SyntheticCapturer{}))
	if err != nil {
		return
	}
	defer session.End()
	_ = session.Join(context.Background())
}

func TestSessionCallbackMerge(t *testing.T) {
	cb := telecall.NewSessionCallback()
	called := ""
	cb.Merge(&telecall.SessionCallback{
		OnPeerLeft: func(peerID string) { called = peerID },
	})
	cb.Merge(nil)

	// unset handlers keep their no-op defaults
	require.NotNil(t, cb.OnPeerJoined)
	cb.OnPeerJoined("ignored")
	cb.OnError(errors.New("ignored"))
	cb.OnPeerLeft("sock-1")
	require.Equal(t, "sock-1", called)
}
