package roadmap

import (
	"sync"
	"time"
)

// Stats counts what a worker did since it started
type Stats struct {
	mu sync.Mutex

	startedAt     time.Time
	currentStep   int
	currentName   string
	cycles        int
	steps         int
	events        int
	duplicates    int
	malformed     int
	claimed       int
	discovered    int
	buys          int
	sells         int
	failedTrades  int
	reconnects    int
	criteriaFired map[string]int
}

func newStats() *Stats {
	return &Stats{startedAt: time.Now(), criteriaFired: make(map[string]int)}
}

func (s *Stats) update(fn func(s *Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Map returns the counters for status reporting
func (s *Stats) Map() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	fired := make(map[string]int, len(s.criteriaFired))
	for k, v := range s.criteriaFired {
		fired[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"current_step":   s.currentStep,
		"current_name":   s.currentName,
		"cycles":         s.cycles,
		"steps":          s.steps,
		"events":         s.events,
		"duplicates":     s.duplicates,
		"malformed":      s.malformed,
		"claimed":        s.claimed,
		"discovered":     s.discovered,
		"buys":           s.buys,
		"sells":          s.sells,
		"failed_trades":  s.failedTrades,
		"reconnects":     s.reconnects,
		"criteria_fired": fired,
	}
}
