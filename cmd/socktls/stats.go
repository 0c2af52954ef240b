package main

import (
	"time"

	"github.com/matst80/socktls/internal/web"
)

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Records  int      `json:"records"`
	Daemons  []string `json:"daemons"`
	Relays   int64    `json:"relays"`
	Timeouts int64    `json:"timeouts"`
	Stale    int64    `json:"stale_reports"`
	Now      string   `json:"now"`
}

func collectStats(s *server) Stats {
	rs := s.eng.Stats()
	return Stats{
		Records:  s.eng.Records(),
		Daemons:  s.tr.Daemons(),
		Relays:   rs.Relays,
		Timeouts: rs.Timeouts,
		Stale:    rs.Stale,
		Now:      time.Now().UTC().Format(time.RFC3339),
	}
}

// Dashboard converts s for the status page.
func (s Stats) Dashboard() web.Dashboard {
	return web.Dashboard{
		Records:  s.Records,
		Daemons:  s.Daemons,
		Relays:   s.Relays,
		Timeouts: s.Timeouts,
		Stale:    s.Stale,
		Now:      s.Now,
	}
}
