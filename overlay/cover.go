package overlay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"time"
)

const (
	coverIntervalBase   = 5 * time.Second
	coverIntervalJitter = 10 * time.Second
	coverPayloadBytes   = 64
)

// CoverTraffic periodically sends DUMMY_TRAFFIC frames to a random peer so
// that an observer cannot distinguish idle periods from real traffic by
// their absence.
type CoverTraffic struct {
	peers  *PeerSet
	logger *slog.Logger
}

// NewCoverTraffic creates a cover traffic generator drawing peers from peers.
func NewCoverTraffic(peers *PeerSet, logger *slog.Logger) *CoverTraffic {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoverTraffic{peers: peers, logger: logger}
}

// Run sends dummy frames until ctx is cancelled, waiting a random interval
// in [coverIntervalBase, coverIntervalBase+coverIntervalJitter) between
// sends.
func (c *CoverTraffic) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(coverIntervalBase + randomJitter()):
			c.sendOnce()
		}
	}
}

func (c *CoverTraffic) sendOnce() {
	peer, ok := c.peers.Random()
	if !ok {
		return
	}

	dummy := make([]byte, coverPayloadBytes)
	if _, err := rand.Read(dummy); err != nil {
		c.logger.Debug("cover traffic: failed to generate random payload", "error", err)
		return
	}

	f := Frame{Type: FrameDummyTraffic, Dummy: dummy, Timestamp: time.Now().Unix()}
	if err := peer.Send(f); err != nil {
		c.logger.Debug("cover traffic: send failed", "peer_id", peer.ID, "error", err)
	}
}

func randomJitter() time.Duration {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return coverIntervalJitter / 2
	}
	n := binary.BigEndian.Uint64(buf[:])
	return time.Duration(n % uint64(coverIntervalJitter))
}
