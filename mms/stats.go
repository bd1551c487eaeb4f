package mms

import (
	"time"
)

type Stats struct {
	CurrentlyConnected int
	ConnectionPeak     int
	ConnectionCounter  int
	OpenFiles          int
	DownloadCounter    int // Files opened for reading
	CompletedDownloads int // Files closed after their last byte was read
	BytesServed        int64
	Since              time.Time
}

// CurrentStats returns a snapshot of the server's counters.
func (s *Server) CurrentStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	return s.stats
}

func (s *Server) updateStats(fn func(*Stats)) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	fn(&s.stats)
}
