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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/urfave/cli/v2"

	"github.com/telecall/telecall"
	"github.com/telecall/telecall/pkg/config"
	"github.com/telecall/telecall/pkg/controlapi"
	"github.com/telecall/telecall/pkg/recorder"
	"github.com/telecall/telecall/pkg/sessionapi"
)

var JoinCommands = []*cli.Command{
	{
		Name:   "join",
		Usage:  "Join a consultation and stay in it until interrupted",
		Action: joinSession,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "session",
				Usage:    "session ID issued by the session service",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "room",
				Usage:    "relay room to join",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "user",
				Usage:    "identity announced to the room",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "role",
				Usage: "doctor or patient",
				Value: string(telecall.ParticipantPatient),
			},
			&cli.StringFlag{
				Name:  "audio",
				Usage: "Ogg/Opus file played as the microphone",
			},
			&cli.StringFlag{
				Name:  "video",
				Usage: "IVF file played as the camera",
			},
			&cli.StringFlag{
				Name:  "screen",
				Usage: "IVF file played as the shared screen",
			},
		},
	},
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if file := c.String("config"); file != "" {
		return config.LoadFile(file)
	}
	return config.Load()
}

func joinSession(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.InitFromConfig(&logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON}, "telecall")
	telecall.SetLogger(logger.GetLogger())

	role, err := telecall.ParseParticipantRole(c.String("role"))
	if err != nil {
		return err
	}
	preset, err := telecall.PresetByName(cfg.InitialQuality)
	if err != nil {
		return err
	}

	opts := []telecall.SessionOption{
		telecall.WithCapturer(newCapturer(c)),
		telecall.WithNegotiationTimeout(cfg.NegotiationTimeout),
		telecall.WithQualityInterval(cfg.QualityInterval),
		telecall.WithInitialQuality(preset),
		telecall.WithReconnectPolicy(cfg.ReconnectPolicy()),
	}
	if len(cfg.ICEServers) > 0 {
		opts = append(opts, telecall.WithICEServers(telecall.ParseICEServers(cfg.ICEServers)))
	}
	switch {
	case cfg.SignalURL != "":
		opts = append(opts, telecall.WithSignalURL(cfg.SignalURL))
	case cfg.APIURL != "":
		opts = append(opts, telecall.WithEndpointResolver(sessionapi.New(cfg.APIURL,
			sessionapi.WithToken(cfg.APIToken),
			sessionapi.WithLogger(logger.GetLogger().WithName("sessionapi")),
		)))
	default:
		return errors.New("either signal_url or api_url must be configured")
	}
	sink, err := cfg.RecordingSink()
	if err != nil {
		return err
	}
	if sink != nil {
		opts = append(opts, telecall.WithRecordingSink(sink))
	}

	session, err := telecall.NewSession(telecall.SessionParams{
		SessionID: c.String("session"),
		RoomID:    c.String("room"),
		UserID:    c.String("user"),
		Role:      role,
	}, printingCallback(), opts...)
	if err != nil {
		return err
	}
	defer session.End()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := joinWithRetry(ctx, session); err != nil {
		return err
	}

	if cfg.ControlAddr != "" {
		server := &http.Server{
			Addr:    cfg.ControlAddr,
			Handler: controlapi.NewRouter(session, controlapi.Options{}),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("control api stopped", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		logger.Infow("control api listening", "addr", cfg.ControlAddr)
	}

	go runConsole(ctx, session, os.Stdin)

	select {
	case <-ctx.Done():
	case <-session.Done():
		if err := session.Err(); err != nil {
			return err
		}
	}
	return nil
}

// joinWithRetry retries retryable join failures until ctx is done.
func joinWithRetry(ctx context.Context, session *telecall.Session) error {
	for attempt := 1; ; attempt++ {
		err := session.Join(ctx)
		if err == nil || !telecall.IsRetryable(err) {
			return err
		}
		logger.Warnw("could not join, retrying", err, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
}

func newCapturer(c *cli.Context) telecall.Capturer {
	if c.String("audio") == "" && c.String("video") == "" && c.String("screen") == "" {
		return &telecall.SyntheticCapturer{}
	}
	return &telecall.FileCapturer{
		AudioFile:  c.String("audio"),
		VideoFile:  c.String("video"),
		ScreenFile: c.String("screen"),
	}
}

func printingCallback() *telecall.SessionCallback {
	return &telecall.SessionCallback{
		OnStateChanged: func(state telecall.SessionState, err error) {
			if err != nil {
				fmt.Printf("* %s: %v\n", state, err)
				return
			}
			fmt.Printf("* %s\n", state)
		},
		OnPeerJoined: func(peerID string) {
			fmt.Printf("* %s joined\n", peerID)
		},
		OnPeerLeft: func(peerID string) {
			fmt.Printf("* %s left\n", peerID)
		},
		OnPeerLost: func(peerID string, err error) {
			fmt.Printf("* lost %s: %v\n", peerID, err)
		},
		OnRemoteTrack: func(peerID string, track *telecall.RemoteTrack) {
			fmt.Printf("* receiving %s from %s\n", track.Kind(), peerID)
		},
		OnChatMessage: func(msg telecall.ChatMessage) {
			if !msg.Local {
				fmt.Printf("[%s %s] %s\n", msg.SenderRole, msg.SenderID, msg.Text)
			}
		},
		OnRemoteScreenShare: func(started bool, userID, _ string) {
			if started {
				fmt.Printf("* %s is sharing their screen\n", userID)
			} else {
				fmt.Printf("* %s stopped sharing\n", userID)
			}
		},
		OnRemoteRecording: func(started bool, userID string) {
			if started {
				fmt.Printf("* %s started recording\n", userID)
			} else {
				fmt.Printf("* %s stopped recording\n", userID)
			}
		},
		OnRecordingStopped: func(blob *recorder.Blob, err error) {
			if err != nil {
				fmt.Printf("* recording failed: %v\n", err)
				return
			}
			fmt.Printf("* saved %s (%d bytes)\n", blob.Name, blob.Size)
		},
		OnQualityChanged: func(sample telecall.QualitySample) {
			fmt.Printf("* connection quality %s (%.1f%% loss)\n", sample.Tier, sample.LossRatio*100)
		},
	}
}
