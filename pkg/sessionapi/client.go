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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/telecall/telecall"
)

const (
	defaultCacheTime   = 3 * time.Second
	defaultHTTPTimeout = 5 * time.Second
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrNoSignalingURLs   = errors.New("no signaling urls available")
	ErrEndpointNotCached = errors.New("session endpoint not found in cache")
)

// Endpoint is the session service's answer for one encounter.
type Endpoint struct {
	SessionID     string   `json:"sessionId"`
	RoomID        string   `json:"roomId"`
	SignalingURLs []string `json:"signalingUrls"`
	ICEServers    []string `json:"iceServers,omitempty"`
}

type endpointCacheItem struct {
	endpoint  *Endpoint
	updatedAt time.Time
	attempts  map[string]int
}

// Client resolves relay endpoints from the session service. Results are
// cached briefly so retries spread across the returned relays.
type Client struct {
	baseURL    string
	token      string
	cacheTime  time.Duration
	httpClient *http.Client
	log        logger.Logger

	mutex sync.Mutex
	cache map[string]*endpointCacheItem // sessionID/role -> endpoint
}

var _ telecall.EndpointResolver = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithCacheTime(d time.Duration) Option {
	return func(c *Client) {
		c.cacheTime = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func New(apiURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(telecall.ToHttpURL(apiURL), "/"),
		cacheTime: defaultCacheTime,
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
		log:   logger.GetLogger(),
		cache: make(map[string]*endpointCacheItem),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Endpoint fetches the endpoint for sessionID, bypassing the cache.
func (c *Client) Endpoint(ctx context.Context, sessionID string, role telecall.ParticipantRole) (*Endpoint, error) {
	endpointURL := fmt.Sprintf("%s/sessions/%s/endpoint?role=%s", c.baseURL, url.PathEscape(sessionID), url.QueryEscape(string(role)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: http status %s", telecall.ErrNotAuthorized, resp.Status)
	default:
		return nil, fmt.Errorf("could not fetch session endpoint, http status: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	endpoint := &Endpoint{}
	if err := json.Unmarshal(body, endpoint); err != nil {
		return nil, fmt.Errorf("could not decode session endpoint: %w", err)
	}
	if endpoint.SessionID == "" {
		endpoint.SessionID = sessionID
	}
	return endpoint, nil
}

// ResolveSignalingURL returns the relay with the fewest attempts, in the order
// the session service listed them.
func (c *Client) ResolveSignalingURL(ctx context.Context, sessionID string, role telecall.ParticipantRole) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	key := cacheKey(sessionID, role)
	item := c.cache[key]
	if item == nil || time.Since(item.updatedAt) > c.cacheTime {
		endpoint, err := c.Endpoint(ctx, sessionID, role)
		if err != nil {
			return "", err
		}
		item = &endpointCacheItem{
			endpoint:  endpoint,
			updatedAt: time.Now(),
			attempts:  map[string]int{},
		}
		c.cache[key] = item
	}

	if len(item.endpoint.SignalingURLs) == 0 {
		return "", ErrNoSignalingURLs
	}

	var best string
	minAttempts := -1
	for _, u := range item.endpoint.SignalingURLs {
		if minAttempts == -1 || item.attempts[u] < minAttempts {
			minAttempts = item.attempts[u]
			best = u
		}
	}
	item.attempts[best]++

	c.log.Debugw("resolved signaling url", "session", sessionID, "url", best, "attempt", item.attempts[best])
	return best, nil
}

// ReportAttemptFailure drops signalingURL from the cached endpoint of sessionID.
func (c *Client) ReportAttemptFailure(sessionID string, role telecall.ParticipantRole, signalingURL string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	item := c.cache[cacheKey(sessionID, role)]
	if item == nil {
		return ErrEndpointNotCached
	}
	urls := item.endpoint.SignalingURLs
	for i, u := range urls {
		if u == signalingURL {
			item.endpoint.SignalingURLs = append(urls[:i:i], urls[i+1:]...)
			break
		}
	}
	return nil
}

func cacheKey(sessionID string, role telecall.ParticipantRole) string {
	return sessionID + "/" + string(role)
}
