package smtp

import (
	"log/slog"
	"sync/atomic"
)

type Stats struct {
	Messages    MessageStats    `json:"messages"`
	Connections ConnectionStats `json:"connections"`
}

type MessageStats struct {
	Total int64 `json:"total"`
}

type ConnectionStats struct {
	Current int64 `json:"current"`
	Max     int64 `json:"max"`
	Total   int64 `json:"total"`
}

type counters struct {
	messages atomic.Int64
	current  atomic.Int64
	max      atomic.Int64
	total    atomic.Int64
}

func (c *counters) register() {
	cur := c.current.Add(1)
	c.total.Add(1)

	for {
		m := c.max.Load()
		if cur <= m || c.max.CompareAndSwap(m, cur) {
			return
		}
	}
}

func (c *counters) unregister() {
	c.current.Add(-1)
}

func (c *counters) snapshot() Stats {
	return Stats{
		Messages: MessageStats{Total: c.messages.Load()},
		Connections: ConnectionStats{
			Current: c.current.Load(),
			Max:     c.max.Load(),
			Total:   c.total.Load(),
		},
	}
}

func (s *Server) Stats() Stats {
	return s.counters.snapshot()
}

func (s *Server) LogStats() {
	st := s.Stats()
	slog.Info("SMTP server stats",
		slog.Int64("messages_total", st.Messages.Total),
		slog.Int64("connections_current", st.Connections.Current),
		slog.Int64("connections_max", st.Connections.Max),
		slog.Int64("connections_total", st.Connections.Total),
	)
}
