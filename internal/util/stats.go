// Package util provides process-wide mesh traffic accounting: a running
// counter of connections and bytes across every DataConnection, broken out
// per peer, with a periodic pterm-backed reporter. Adapted from the
// teacher's single-tunnel counter (internal/util/stats.go), which only ever
// had one TCP<->DataChannel pair to track; a mesh client holds many
// concurrent peers, so counts here are kept per remote PeerId and rolled
// up into the same process-wide totals the teacher reported.
package util

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = newStats()

// peerCounters is one peer's slice of the totals below.
type peerCounters struct {
	openConns atomic.Int64 // currently-open connections to this peer
	bytesSent atomic.Int64
	bytesRecv atomic.Int64
}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of data connections opened since process start
	ClosedConns atomic.Int64 // cumulative count of data connections closed since process start
	BytesSent   atomic.Int64 // cumulative bytes written across all DataConnections
	BytesRecv   atomic.Int64 // cumulative bytes read across all DataConnections

	mu    sync.Mutex
	peers map[string]*peerCounters
}

func newStats() *stats {
	return &stats{peers: make(map[string]*peerCounters)}
}

func (s *stats) peer(id string) *peerCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		p = &peerCounters{}
		s.peers[id] = p
	}
	return p
}

func (s *stats) AddConn(peer string) {
	s.TotalConns.Add(1)
	s.peer(peer).openConns.Add(1)
}

func (s *stats) RemoveConn(peer string) {
	s.ClosedConns.Add(1)
	s.peer(peer).openConns.Add(-1)
}

func (s *stats) AddSent(peer string, n int) {
	s.BytesSent.Add(int64(n))
	s.peer(peer).bytesSent.Add(int64(n))
}

func (s *stats) AddRecv(peer string, n int) {
	s.BytesRecv.Add(int64(n))
	s.peer(peer).bytesRecv.Add(int64(n))
}

// ActivePeers returns every peer id with at least one open connection right
// now, sorted for stable reporting output.
func (s *stats) ActivePeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for id, p := range s.peers {
		if p.openConns.Load() > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// PeerTotals reports a peer's cumulative sent/received bytes and its
// current open-connection count.
func (s *stats) PeerTotals(peer string) (sent, recv, open int64) {
	p := s.peer(peer)
	return p.bytesSent.Load(), p.bytesRecv.Load(), p.openConns.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs mesh-wide traffic
// statistics every 10 seconds, plus whichever active peer moved the most
// bytes in that window. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		prevPeerBytes := make(map[string]int64)

		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				inS := float64(recv-prevRecv) / 10.0
				outS := float64(sent-prevSent) / 10.0
				inC := total - prevTotal
				outC := closed - prevClosed

				activePeers := Stats.ActivePeers()
				busiest, busiestDelta, nextPeerBytes := busiestPeer(activePeers, prevPeerBytes)

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					line := formatStats(inS, outS, inC, outC, len(activePeers))
					if busiest != "" && busiestDelta > 0 {
						line += fmt.Sprintf(" | busiest: %s (%s)", busiest, formatBytes(float64(busiestDelta)))
					}
					pterm.DefaultLogger.Info(line)
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed
				prevPeerBytes = nextPeerBytes

			case <-ctx.Done():
				return
			}
		}
	}()
}

// busiestPeer finds which of activePeers moved the most bytes since the
// last tick, returning its id, that delta, and a fresh snapshot of every
// active peer's cumulative bytes for the next tick to diff against.
func busiestPeer(activePeers []string, prev map[string]int64) (id string, delta int64, snapshot map[string]int64) {
	snapshot = make(map[string]int64, len(activePeers))
	for _, peer := range activePeers {
		sent, recv, _ := Stats.PeerTotals(peer)
		cur := sent + recv
		snapshot[peer] = cur
		if d := cur - prev[peer]; d > delta {
			delta = d
			id = peer
		}
	}
	return id, delta, snapshot
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64, activePeers int) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Peers: %d",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		activePeers,
	)
}
