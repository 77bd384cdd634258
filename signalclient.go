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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	protoLogger "github.com/livekit/protocol/logger"
	"go.uber.org/atomic"
)

const (
	signalConnectTimeout = 10 * time.Second
	signalWriteTimeout   = 5 * time.Second
	signalCloseTimeout   = time.Second
)

// signalConn is a single relay connection. Its disconnect notification fires at
// most once, however many read errors or close frames arrive.
type signalConn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	closed   atomic.Bool
	notified atomic.Bool
}

// SignalClient is the relay transport. Inbound envelopes are decoded once and
// dispatched in arrival order from a single reader goroutine.
type SignalClient struct {
	log    protoLogger.Logger
	dialer *websocket.Dialer
	header http.Header

	lock sync.Mutex
	conn *signalConn

	onMessage      func(SignalMessage)
	onDisconnected func(error)
}

type SignalOption func(*SignalClient)

func WithSignalDialer(d *websocket.Dialer) SignalOption {
	return func(c *SignalClient) {
		c.dialer = d
	}
}

func WithSignalHeader(h http.Header) SignalOption {
	return func(c *SignalClient) {
		c.header = h
	}
}

func NewSignalClient(opts ...SignalOption) *SignalClient {
	c := &SignalClient{
		log:    getLogger().WithName("signal"),
		dialer: websocket.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnMessage sets the handler for decoded inbound messages. It must be set before Connect.
func (c *SignalClient) OnMessage(f func(SignalMessage)) {
	c.lock.Lock()
	c.onMessage = f
	c.lock.Unlock()
}

// OnDisconnected sets the handler invoked once per connection when it closes.
// err is nil when the close was requested locally.
func (c *SignalClient) OnDisconnected(f func(error)) {
	c.lock.Lock()
	c.onDisconnected = f
	c.lock.Unlock()
}

// Connect dials the relay and announces the local participant. It returns once
// the socket is open and join-room has been written.
func (c *SignalClient) Connect(ctx context.Context, url, roomID, userID string, role ParticipantRole) error {
	if url == "" {
		return ErrURLNotProvided
	}
	url = ToWebsocketURL(url)

	ws, _, err := c.dialer.DialContext(ctx, url, c.header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotDialSignal, err)
	}

	conn := &signalConn{ws: ws}
	c.lock.Lock()
	prev := c.conn
	c.conn = conn
	c.lock.Unlock()
	if prev != nil {
		c.closeConn(prev, nil)
	}

	if err := c.write(conn, newJoinRoom(roomID, userID, role)); err != nil {
		c.closeConn(conn, nil)
		return fmt.Errorf("%w: %v", ErrCannotDialSignal, err)
	}
	c.log.Infow("signal connected", "url", url, "room", roomID)

	go c.readWorker(conn)
	return nil
}

// IsConnected reports whether a connection is open.
func (c *SignalClient) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.conn != nil && !c.conn.closed.Load()
}

// Send writes msg to the relay. Nothing is buffered while disconnected:
// ErrSignalClosed is returned and the message is dropped.
func (c *SignalClient) Send(msg OutboundMessage) error {
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()
	if conn == nil || conn.closed.Load() {
		c.log.Debugw("dropping message, signal closed", "type", msg.MessageType())
		return ErrSignalClosed
	}
	return c.write(conn, msg)
}

// SendRaw builds an envelope from a type, payload fields and an optional target.
func (c *SignalClient) SendRaw(messageType string, payload map[string]any, target string) error {
	env := rawMessage{"type": messageType}
	for k, v := range payload {
		env[k] = v
	}
	if target != "" {
		env["target"] = target
	}
	return c.Send(env)
}

// Close closes the current connection, if any.
func (c *SignalClient) Close() {
	c.lock.Lock()
	conn := c.conn
	c.conn = nil
	c.lock.Unlock()
	if conn != nil {
		c.closeConn(conn, nil)
	}
}

func (c *SignalClient) write(conn *signalConn, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	if conn.closed.Load() {
		return ErrSignalClosed
	}
	_ = conn.ws.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		go c.closeConn(conn, err)
		return fmt.Errorf("%w: %v", ErrSignalClosed, err)
	}
	return nil
}

func (c *SignalClient) readWorker(conn *signalConn) {
	for {
		messageType, payload, err := conn.ws.ReadMessage()
		if err != nil {
			c.closeConn(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := DecodeSignalMessage(payload)
		if err != nil {
			c.log.Warnw("could not decode signal message", err)
			continue
		}
		if msg == nil {
			continue
		}
		c.log.Debugw("received signal message", "type", msg.signalType())

		c.lock.Lock()
		onMessage := c.onMessage
		c.lock.Unlock()
		if onMessage != nil && !conn.closed.Load() {
			onMessage(msg)
		}
	}
}

// closeConn tears conn down and notifies exactly once. cause is nil for local closes.
func (c *SignalClient) closeConn(conn *signalConn, cause error) {
	if conn.closed.Swap(true) {
		if cause == nil {
			return
		}
	} else {
		conn.writeMu.Lock()
		_ = conn.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(signalCloseTimeout),
		)
		conn.writeMu.Unlock()
		_ = conn.ws.Close()
	}

	if conn.notified.Swap(true) {
		return
	}

	c.lock.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	onDisconnected := c.onDisconnected
	c.lock.Unlock()

	if cause != nil {
		c.log.Infow("signal disconnected", "error", cause)
	}
	if onDisconnected != nil {
		onDisconnected(cause)
	}
}

type rawMessage map[string]any

func (m rawMessage) MessageType() string {
	t, _ := m["type"].(string)
	return t
}
