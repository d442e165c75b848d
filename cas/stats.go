package cas

import "sync/atomic"

// Statistics counts the tickets the authority has vended since start.
type Statistics struct {
	sessions          atomic.Uint64
	delegatedSessions atomic.Uint64
	accesses          atomic.Uint64
	proxyAccesses     atomic.Uint64
}

// StatisticsSnapshot is a point-in-time copy of the counters.
type StatisticsSnapshot struct {
	SessionsVended          uint64 `json:"sessionsVended"`
	DelegatedSessionsVended uint64 `json:"delegatedSessionsVended"`
	AccessesVended          uint64 `json:"accessesVended"`
	ProxyAccessesVended     uint64 `json:"proxyAccessesVended"`
}

func (s *Statistics) incrementSessions()          { s.sessions.Add(1) }
func (s *Statistics) incrementDelegatedSessions() { s.delegatedSessions.Add(1) }

func (s *Statistics) incrementAccesses(proxied bool) {
	if proxied {
		s.proxyAccesses.Add(1)
		return
	}
	s.accesses.Add(1)
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		SessionsVended:          s.sessions.Load(),
		DelegatedSessionsVended: s.delegatedSessions.Load(),
		AccessesVended:          s.accesses.Load(),
		ProxyAccessesVended:     s.proxyAccesses.Load(),
	}
}
