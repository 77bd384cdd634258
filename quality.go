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
	"fmt"
	"strings"
	"sync"
	"time"

	protoLogger "github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const DefaultQualityInterval = 2 * time.Second

// QualityTier summarizes measured inbound packet loss.
type QualityTier int

// ordered best to worst
const (
	TierExcellent QualityTier = iota
	TierGood
	TierFair
	TierPoor
)

func (t QualityTier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ClassifyLoss maps a packet loss ratio in [0, 1] to a tier.
func ClassifyLoss(ratio float64) QualityTier {
	switch {
	case ratio < 0.01:
		return TierExcellent
	case ratio < 0.05:
		return TierGood
	case ratio < 0.10:
		return TierFair
	default:
		return TierPoor
	}
}

type MediaConstraints struct {
	Width     int
	Height    int
	FrameRate int
	// bits per second
	VideoBitrate uint32
	AudioBitrate uint32
}

type QualityPreset struct {
	Name      string
	Width     int
	Height    int
	FrameRate int
	VideoKbps uint32
	AudioKbps uint32
}

func (p QualityPreset) Constraints() MediaConstraints {
	return MediaConstraints{
		Width:        p.Width,
		Height:       p.Height,
		FrameRate:    p.FrameRate,
		VideoBitrate: p.VideoKbps * 1000,
		AudioBitrate: p.AudioKbps * 1000,
	}
}

var (
	PresetLow    = QualityPreset{Name: "low", Width: 640, Height: 480, FrameRate: 15, VideoKbps: 500, AudioKbps: 64}
	PresetMedium = QualityPreset{Name: "medium", Width: 1280, Height: 720, FrameRate: 30, VideoKbps: 1500, AudioKbps: 128}
	PresetHigh   = QualityPreset{Name: "high", Width: 1920, Height: 1080, FrameRate: 30, VideoKbps: 3000, AudioKbps: 256}
	PresetUltra  = QualityPreset{Name: "ultra", Width: 2560, Height: 1440, FrameRate: 60, VideoKbps: 6000, AudioKbps: 320}

	qualityPresets = []QualityPreset{PresetLow, PresetMedium, PresetHigh, PresetUltra}
)

// PresetByName looks a preset up case-insensitively.
func PresetByName(name string) (QualityPreset, error) {
	for _, p := range qualityPresets {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return QualityPreset{}, fmt.Errorf("%w: %q", ErrInvalidQuality, name)
}

// QualitySample is one tick's measurement aggregated across connected peers.
type QualitySample struct {
	At              time.Time
	Peers           int
	PacketsReceived uint64
	PacketsLost     uint64
	BytesReceived   uint64
	LossRatio       float64
	InboundKbps     float64
	Tier            QualityTier
}

// StatsSource yields the peers to sample and their statistics.
type StatsSource interface {
	ConnectedPeers() []*Peer
}

type videoCounters struct {
	received uint64
	lost     uint64
	bytes    uint64
}

// QualityMonitor samples inbound video statistics on an interval and keeps
// the latest tier. It never changes local media.
type QualityMonitor struct {
	log      protoLogger.Logger
	source   StatsSource
	interval time.Duration
	onSample func(QualitySample)
	// set while onSample runs on the worker
	dispatching atomic.Bool

	lock     sync.Mutex
	last     map[string]videoCounters
	lastTick time.Time
	sample   QualitySample
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewQualityMonitor(source StatsSource, interval time.Duration, onSample func(QualitySample)) *QualityMonitor {
	if interval <= 0 {
		interval = DefaultQualityInterval
	}
	return &QualityMonitor{
		log:      getLogger().WithName("quality"),
		source:   source,
		interval: interval,
		onSample: onSample,
		last:     make(map[string]videoCounters),
		sample:   QualitySample{Tier: TierExcellent},
	}
}

// Tier is the most recently computed tier.
func (m *QualityMonitor) Tier() QualityTier {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sample.Tier
}

func (m *QualityMonitor) LastSample() QualitySample {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sample
}

// Start begins sampling. Calling Start while running does nothing.
func (m *QualityMonitor) Start() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.lastTick = time.Now()
	go m.worker(ctx, m.done)
}

// Stop halts sampling and waits for an in-flight tick to finish. Stop may be
// called from the sample handler; it then returns without waiting and the
// worker exits once the handler returns.
func (m *QualityMonitor) Stop() {
	m.lock.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.last = make(map[string]videoCounters)
	m.lock.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if m.dispatching.Load() {
		return
	}
	<-done
}

func (m *QualityMonitor) worker(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, changed := m.Tick()
			if ctx.Err() != nil {
				return
			}
			if m.onSample != nil {
				m.dispatching.Store(true)
				m.onSample(sample)
				m.dispatching.Store(false)
			}
			if changed {
				m.log.Infow("quality tier changed", "tier", sample.Tier.String(), "loss", sample.LossRatio)
			}
		}
	}
}

// Tick takes one sample now. It reports whether the tier changed. A window
// in which no packets were expected keeps the previous tier.
func (m *QualityMonitor) Tick() (QualitySample, bool) {
	peers := m.source.ConnectedPeers()
	now := time.Now()

	var (
		statsLock sync.Mutex
		eg        errgroup.Group
	)
	current := make(map[string]videoCounters, len(peers))
	for _, p := range peers {
		eg.Go(func() error {
			c := inboundVideoCounters(p.Stats())
			statsLock.Lock()
			current[p.ID()] = c
			statsLock.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	m.lock.Lock()
	defer m.lock.Unlock()

	sample := QualitySample{At: now, Peers: len(peers)}
	for id, c := range current {
		prev := m.last[id]
		// counters reset when a peer is replaced
		if c.received < prev.received || c.lost < prev.lost || c.bytes < prev.bytes {
			prev = videoCounters{}
		}
		sample.PacketsReceived += c.received - prev.received
		sample.PacketsLost += c.lost - prev.lost
		sample.BytesReceived += c.bytes - prev.bytes
	}
	m.last = current

	if elapsed := now.Sub(m.lastTick).Seconds(); elapsed > 0 {
		sample.InboundKbps = float64(sample.BytesReceived*8) / 1000 / elapsed
	}
	m.lastTick = now

	prevTier := m.sample.Tier
	if expected := sample.PacketsReceived + sample.PacketsLost; expected > 0 {
		sample.LossRatio = float64(sample.PacketsLost) / float64(expected)
		sample.Tier = ClassifyLoss(sample.LossRatio)
	} else {
		sample.Tier = prevTier
	}
	m.sample = sample
	return sample, sample.Tier != prevTier
}

func inboundVideoCounters(report webrtc.StatsReport) videoCounters {
	var c videoCounters
	for _, s := range report {
		inbound, ok := s.(webrtc.InboundRTPStreamStats)
		if !ok || inbound.Kind != "video" {
			continue
		}
		c.received += uint64(inbound.PacketsReceived)
		if inbound.PacketsLost > 0 {
			c.lost += uint64(inbound.PacketsLost)
		}
		c.bytes += inbound.BytesReceived
	}
	return c
}
