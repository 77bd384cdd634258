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

// Package controlapi exposes a running session to a host application over HTTP.
package controlapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/livekit/protocol/logger"

	"github.com/telecall/telecall"
	"github.com/telecall/telecall/pkg/recorder"
)

const defaultStopTimeout = 30 * time.Second

// Call is the part of *telecall.Session the control API drives.
type Call interface {
	Params() telecall.SessionParams
	State() telecall.SessionState
	Err() error
	Peers() []*telecall.Peer
	MediaState() telecall.LocalMediaState
	QualityTier() telecall.QualityTier
	QualitySample() telecall.QualitySample
	ChatHistory() []telecall.ChatMessage
	SendChat(text string) error
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	StartScreenShare(ctx context.Context) (*telecall.LocalTrack, error)
	StopScreenShare()
	ChangeQuality(preset telecall.QualityPreset) error
	Recording() bool
	StartRecording() error
	StopRecording(ctx context.Context) (*recorder.Blob, error)
	End()
}

var _ Call = (*telecall.Session)(nil)

type Options struct {
	// gin mode, release unless set
	Mode        string
	StopTimeout time.Duration
	Logger      logger.Logger
}

type handler struct {
	call        Call
	log         logger.Logger
	stopTimeout time.Duration
}

type PeerInfo struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	State string `json:"state"`
}

type SessionInfo struct {
	SessionID    string     `json:"sessionId"`
	RoomID       string     `json:"roomId"`
	UserID       string     `json:"userId"`
	Role         string     `json:"role"`
	State        string     `json:"state"`
	Error        string     `json:"error,omitempty"`
	Peers        []PeerInfo `json:"peers"`
	AudioEnabled bool       `json:"audioEnabled"`
	VideoEnabled bool       `json:"videoEnabled"`
	ScreenShare  bool       `json:"screenShare"`
	Recording    bool       `json:"recording"`
	QualityTier  string     `json:"qualityTier"`
	LossRatio    float64    `json:"lossRatio"`
	InboundKbps  float64    `json:"inboundKbps"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderRole string    `json:"senderRole"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Local      bool      `json:"local"`
}

type RecordingInfo struct {
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
	Size      int       `json:"size"`
	Tracks    int       `json:"tracks"`
	StartedAt time.Time `json:"startedAt"`
	StoppedAt time.Time `json:"stoppedAt"`
}

type chatRequest struct {
	Text string `json:"text" binding:"required"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type qualityRequest struct {
	Preset string `json:"preset" binding:"required"`
}

// NewRouter builds the control routes for call.
func NewRouter(call Call, opts Options) *gin.Engine {
	if opts.Mode == "" {
		opts.Mode = gin.ReleaseMode
	}
	gin.SetMode(opts.Mode)
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}

	h := &handler{
		call:        call,
		log:         opts.Logger,
		stopTimeout: opts.StopTimeout,
	}

	r := gin.New()
	if opts.Mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/session", h.getSession)
	r.DELETE("/session", h.endSession)
	r.GET("/chat", h.getChat)
	r.POST("/chat", h.sendChat)
	r.POST("/media/audio", h.setAudio)
	r.POST("/media/video", h.setVideo)
	r.POST("/screenshare", h.startScreenShare)
	r.DELETE("/screenshare", h.stopScreenShare)
	r.POST("/quality", h.changeQuality)
	r.POST("/recording", h.startRecording)
	r.DELETE("/recording", h.stopRecording)

	h.log.Debugw("control routes ready", "session", call.Params().SessionID)
	return r
}

func (h *handler) sessionInfo() SessionInfo {
	params := h.call.Params()
	media := h.call.MediaState()
	sample := h.call.QualitySample()
	info := SessionInfo{
		SessionID:    params.SessionID,
		RoomID:       params.RoomID,
		UserID:       params.UserID,
		Role:         string(params.Role),
		State:        h.call.State().String(),
		Peers:        []PeerInfo{},
		AudioEnabled: media.AudioEnabled,
		VideoEnabled: media.VideoEnabled,
		ScreenShare:  media.Screen != nil,
		Recording:    h.call.Recording(),
		QualityTier:  h.call.QualityTier().String(),
		LossRatio:    sample.LossRatio,
		InboundKbps:  sample.InboundKbps,
	}
	if err := h.call.Err(); err != nil {
		info.Error = err.Error()
	}
	for _, p := range h.call.Peers() {
		info.Peers = append(info.Peers, PeerInfo{
			ID:    p.ID(),
			Role:  p.Role().String(),
			State: p.State().String(),
		})
	}
	return info
}

func (h *handler) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessionInfo())
}

func (h *handler) endSession(c *gin.Context) {
	h.call.End()
	c.JSON(http.StatusOK, h.sessionInfo())
}

func (h *handler) getChat(c *gin.Context) {
	history := h.call.ChatHistory()
	messages := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, ChatMessage{
			ID:         m.ID,
			SenderID:   m.SenderID,
			SenderRole: string(m.SenderRole),
			Text:       m.Text,
			Timestamp:  m.Timestamp,
			Local:      m.Local,
		})
	}
	c.JSON(http.StatusOK, messages)
}

func (h *handler) sendChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid text"})
		return
	}
	if err := h.call.SendChat(req.Text); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) setAudio(c *gin.Context) {
	h.toggle(c, h.call.SetAudioEnabled)
}

func (h *handler) setVideo(c *gin.Context) {
	h.toggle(c, h.call.SetVideoEnabled)
}

func (h *handler) toggle(c *gin.Context, set func(bool)) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid enabled flag"})
		return
	}
	set(*req.Enabled)
	c.JSON(http.StatusOK, h.sessionInfo())
}

func (h *handler) startScreenShare(c *gin.Context) {
	track, err := h.call.StartScreenShare(c.Request.Context())
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trackId": track.ID(), "streamId": track.StreamID()})
}

func (h *handler) stopScreenShare(c *gin.Context) {
	h.call.StopScreenShare()
	c.Status(http.StatusNoContent)
}

func (h *handler) changeQuality(c *gin.Context) {
	var req qualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid preset"})
		return
	}
	preset, err := telecall.PresetByName(req.Preset)
	if err != nil {
		h.abort(c, err)
		return
	}
	if err := h.call.ChangeQuality(preset); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preset": preset.Name})
}

func (h *handler) startRecording(c *gin.Context) {
	if err := h.call.StartRecording(); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) stopRecording(c *gin.Context) {
	// detached from the request so a client hangup does not lose the upload
	ctx, cancel := context.WithTimeout(context.Background(), h.stopTimeout)
	defer cancel()

	blob, err := h.call.StopRecording(ctx)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, RecordingInfo{
		Name:      blob.Name,
		MimeType:  blob.MimeType,
		Size:      blob.Size,
		Tracks:    len(blob.Tracks),
		StartedAt: blob.StartedAt,
		StoppedAt: blob.StoppedAt,
	})
}

func (h *handler) abort(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warnw("control request failed", err, "path", c.FullPath())
	}
	body := gin.H{"error": err.Error()}
	var callErr *telecall.CallError
	if errors.As(err, &callErr) {
		body["kind"] = callErr.Kind.String()
		body["retryable"] = callErr.Retryable()
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, telecall.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, telecall.ErrInvalidQuality):
		return http.StatusBadRequest
	case errors.Is(err, telecall.ErrRecordingActive),
		errors.Is(err, telecall.ErrRecordingInactive),
		errors.Is(err, telecall.ErrNoLocalMedia):
		return http.StatusConflict
	case errors.Is(err, telecall.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, telecall.ErrSignalingUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
