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

package sessionapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/telecall/telecall"
)

func newSessionService(t *testing.T, urls ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Inc()
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/sessions/visit-1/endpoint" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.Equal(t, "doctor", r.URL.Query().Get("role"))
		_ = json.NewEncoder(w).Encode(Endpoint{
			RoomID:        "room-1",
			SignalingURLs: urls,
			ICEServers:    []string{"stun:stun.example.com:3478"},
		})
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestEndpoint(t *testing.T) {
	server, _ := newSessionService(t, "wss://relay-a.example.com")
	c := New(server.URL, WithToken("secret"))

	endpoint, err := c.Endpoint(context.Background(), "visit-1", telecall.ParticipantDoctor)
	require.NoError(t, err)
	require.Equal(t, "visit-1", endpoint.SessionID)
	require.Equal(t, "room-1", endpoint.RoomID)
	require.Equal(t, []string{"wss://relay-a.example.com"}, endpoint.SignalingURLs)
	require.Len(t, endpoint.ICEServers, 1)

	_, err = c.Endpoint(context.Background(), "unknown", telecall.ParticipantDoctor)
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = New(server.URL).Endpoint(context.Background(), "visit-1", telecall.ParticipantDoctor)
	require.ErrorIs(t, err, telecall.ErrNotAuthorized)
}

func TestResolveSignalingURL(t *testing.T) {
	server, requests := newSessionService(t, "wss://relay-a.example.com", "wss://relay-b.example.com")
	c := New(server.URL, WithToken("secret"), WithCacheTime(time.Minute))
	ctx := context.Background()

	// attempts rotate through the listed relays
	first, err := c.ResolveSignalingURL(ctx, "visit-1", telecall.ParticipantDoctor)
	require.NoError(t, err)
	require.Equal(t, "wss://relay-a.example.com", first)
	second, err := c.ResolveSignalingURL(ctx, "visit-1", telecall.ParticipantDoctor)
	require.NoError(t, err)
	require.Equal(t, "wss://relay-b.example.com", second)
	third, err := c.ResolveSignalingURL(ctx, "visit-1", telecall.ParticipantDoctor)
	require.NoError(t, err)
	require.Equal(t, "wss://relay-a.example.com", third)
	require.Equal(t, int32(1), requests.Load())

	require.NoError(t, c.ReportAttemptFailure("visit-1", telecall.ParticipantDoctor, "wss://relay-a.example.com"))
	for i := 0; i < 3; i++ {
		u, err := c.ResolveSignalingURL(ctx, "visit-1", telecall.ParticipantDoctor)
		require.NoError(t, err)
		require.Equal(t, "wss://relay-b.example.com", u)
	}

	require.NoError(t, c.ReportAttemptFailure("visit-1", telecall.ParticipantDoctor, "wss://relay-b.example.com"))
	_, err = c.ResolveSignalingURL(ctx, "visit-1", telecall.ParticipantDoctor)
	require.ErrorIs(t, err, ErrNoSignalingURLs)

	require.ErrorIs(t, c.ReportAttemptFailure("other", telecall.ParticipantDoctor, "x"), ErrEndpointNotCached)
}

func TestResolveSignalingURLRefreshesCache(t *testing.T) {
	server, requests := newSessionService(t, "wss://relay-a.example.com")
	c := New(server.URL, WithToken("secret"), WithCacheTime(0))

	for i := 0; i < 2; i++ {
		_, err := c.ResolveSignalingURL(context.Background(), "visit-1", telecall.ParticipantDoctor)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, int32(2), requests.Load())
}
