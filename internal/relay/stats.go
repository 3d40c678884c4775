package relay

import (
	"sync"
	"sync/atomic"
)

// Stats tracks active connections and frame counts.
type Stats struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalFrames       atomic.Int64

	// Per-IP connection tracking
	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{
		ipConnections: make(map[string]int),
	}
}

// ConnectionCount returns the current number of active connections.
func (s *Stats) ConnectionCount() int {
	return int(s.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for a specific IP.
func (s *Stats) ConnectionCountForIP(ip string) int {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	return s.ipConnections[ip]
}

// TryAcquire atomically checks limits and increments counters.
// Returns "" on success, or a reason string if the limit was hit.
func (s *Stats) TryAcquire(ip string, maxGlobal, maxPerIP int) string {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()

	// Read the atomic under the lock so check and increment are one step.
	if int(s.activeConnections.Load()) >= maxGlobal {
		return "max_connections"
	}
	if s.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	s.ipConnections[ip]++
	return ""
}

// Release undoes a successful TryAcquire.
func (s *Stats) Release(ip string) {
	s.activeConnections.Add(-1)
	s.ipMu.Lock()
	s.ipConnections[ip]--
	if s.ipConnections[ip] <= 0 {
		delete(s.ipConnections, ip)
	}
	s.ipMu.Unlock()
}

// IncrementFrames counts one processed inbound frame.
func (s *Stats) IncrementFrames() {
	s.totalFrames.Add(1)
}

// TotalConnections returns the total number of connections handled since start.
func (s *Stats) TotalConnections() int64 {
	return s.totalConnections.Load()
}

// TotalFrames returns the total number of inbound frames processed since start.
func (s *Stats) TotalFrames() int64 {
	return s.totalFrames.Load()
}
