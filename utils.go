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
	"strings"

	"github.com/pion/webrtc/v4"
)

func ToHttpURL(url string) string {
	if strings.HasPrefix(url, "ws") {
		return strings.Replace(url, "ws", "http", 1)
	}
	return url
}

func ToWebsocketURL(url string) string {
	if strings.HasPrefix(url, "http") {
		return strings.Replace(url, "http", "ws", 1)
	}
	return url
}

// ParseICEServers turns "stun:host:port" or "turn:user:pass@host:port" entries
// into ICE server definitions.
func ParseICEServers(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		scheme, rest, ok := strings.Cut(u, ":")
		if !ok {
			continue
		}
		server := webrtc.ICEServer{}
		if creds, host, found := strings.Cut(rest, "@"); found && (scheme == "turn" || scheme == "turns") {
			username, password, _ := strings.Cut(creds, ":")
			server.Username = username
			server.Credential = password
			rest = host
		}
		server.URLs = []string{scheme + ":" + rest}
		servers = append(servers, server)
	}
	return servers
}

func mimeKind(mime string) webrtc.RTPCodecType {
	if strings.HasPrefix(strings.ToLower(mime), "audio/") {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}
