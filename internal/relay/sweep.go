package relay

import (
	"time"

	"go.uber.org/zap"
)

func (r *Relay) sweepLoop() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if n := r.sweep(time.Now()); n > 0 {
				r.log.Info("swept dead peers", zap.Int("count", n))
			}
		}
	}
}

// sweep drops peers that stopped answering pings or whose socket refuses a new
// one. A peer is stale once nothing was heard from it for three ping intervals.
func (r *Relay) sweep(now time.Time) int {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.extensions)+len(r.automations))
	for _, p := range r.extensions {
		peers = append(peers, p)
	}
	for _, p := range r.automations {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	staleAfter := 3 * r.opts.PingInterval
	dropped := 0
	for _, p := range peers {
		reason := ""
		if now.Sub(p.LastSeen()) > staleAfter {
			reason = ReasonNoPong
		} else if err := p.ping(); err != nil {
			reason = ReasonPingFailed
		}
		if reason != "" {
			r.disconnect(p, reason)
			dropped++
		}
	}
	return dropped
}
