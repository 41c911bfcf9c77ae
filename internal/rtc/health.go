package rtc

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/config"
)

const (
	stunProbeInterval = 30 * time.Second
	statsInterval     = 3 * time.Second

	// loss above this fraction of packets in a stats window gets logged
	warningLossRate = 0.05
)

// ProbeSTUN sends one binding request to each configured STUN server and
// logs the mapped address or the failure. Used at startup and on a timer
// so a dead server shows up in logs before a call does.
func ProbeSTUN(cfg config.ICEConfig, logger *zap.Logger) {
	for _, url := range cfg.STUNURLs {
		if !strings.HasPrefix(url, "stun:") {
			continue
		}
		addr := strings.TrimPrefix(url, "stun:")
		probeOne(addr, logger)
	}
}

func probeOne(addr string, logger *zap.Logger) {
	c, err := stun.Dial("udp", addr)
	if err != nil {
		logger.Warn("STUN server unreachable", zap.String("addr", addr), zap.Error(err))
		return
	}
	defer c.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if err := c.Do(message, func(res stun.Event) {
		if res.Error != nil {
			logger.Warn("STUN binding request failed", zap.String("addr", addr), zap.Error(res.Error))
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			logger.Warn("STUN response missing mapped address", zap.String("addr", addr), zap.Error(err))
			return
		}
		logger.Debug("STUN server healthy",
			zap.String("addr", addr),
			zap.String("mapped", xorAddr.String()))
	}); err != nil {
		logger.Warn("STUN binding request failed", zap.String("addr", addr), zap.Error(err))
	}
}

// RunSTUNHealthLoop re-probes the STUN list on an interval until the
// context ends.
func RunSTUNHealthLoop(ctx context.Context, cfg config.ICEConfig, logger *zap.Logger) {
	ticker := time.NewTicker(stunProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ProbeSTUN(cfg, logger)
		}
	}
}

// monitorRemoteTrack drains RTP from a remote track and keeps per-window
// delivery counters. The read loop doubles as the keepalive that lets
// pion surface RTCP and track-ended events; exiting on EOF or after the
// peer closes.
func (p *Peer) monitorRemoteTrack(track *webrtc.TrackRemote) {
	logger := p.logger.With(zap.String("trackKind", track.Kind().String()))

	var win lossWindow
	windowEnds := time.Now().Add(statsInterval)
	for {
		if p.closed.Load() {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				logger.Debug("remote track ended")
			} else {
				logger.Warn("remote track read failed", zap.Error(err))
			}
			return
		}
		win.observe(pkt)

		if now := time.Now(); now.After(windowEnds) {
			p.reportWindow(logger, win.received, win.lost)
			win.received, win.lost = 0, 0
			windowEnds = now.Add(statsInterval)
		}
	}
}

// lossWindow counts delivered and skipped packets in one stats window.
type lossWindow struct {
	received uint64
	lost     uint64
	haveSeq  bool
	lastSeq  uint16
}

func (w *lossWindow) observe(pkt *rtp.Packet) {
	w.received++
	if w.haveSeq {
		if gap := seqGap(w.lastSeq, pkt.SequenceNumber); gap > 0 {
			w.lost += uint64(gap)
		}
	}
	w.haveSeq = true
	w.lastSeq = pkt.SequenceNumber
}

func (p *Peer) reportWindow(logger *zap.Logger, received, lost uint64) {
	if received == 0 {
		return
	}
	rate := float64(lost) / float64(received+lost)
	if rate >= warningLossRate {
		logger.Warn("high packet loss on remote track",
			zap.Uint64("received", received),
			zap.Uint64("lost", lost),
			zap.Float64("lossRate", rate))
		return
	}
	logger.Debug("remote track window",
		zap.Uint64("received", received),
		zap.Uint64("lost", lost))
}

// seqGap returns how many sequence numbers were skipped between prev and
// cur, treating reordered or duplicated packets (cur behind prev within
// half the sequence space) as zero.
func seqGap(prev, cur uint16) int {
	diff := cur - prev
	if diff == 0 || diff > 0x8000 {
		return 0
	}
	return int(diff) - 1
}
