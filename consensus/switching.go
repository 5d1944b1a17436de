package consensus

import (
	"time"
)

// repeatProtocol asks to keep the protocol of the finished episode.
const repeatProtocol = "repeat"

// checkSwitching closes the episode ending at seq: it reports the episode,
// settles the protocol of the next one and publishes its leader mode.
func (e *Entity) checkSwitching(seq int64) {
	if seq != e.settings.EndOfEpisode(seq) {
		return
	}
	ep := e.settings.Episode(seq)
	cur := e.store.Protocol(seq)
	now := time.Now()
	begin := e.episodeBegin(ep)
	report := EpisodeReport{
		Entity:   e.id,
		Episode:  ep,
		Protocol: cur,
		Requests: e.episodeRequests.Swap(0),
		Duration: now.Sub(begin),
	}
	if report.Duration > 0 {
		report.Throughput = float64(report.Requests) / report.Duration.Seconds()
	}
	e.store.Group(seq).SetThroughput(report.Throughput)
	e.recorder.Episode(report)

	next := e.chooseProtocol(seq, report)
	if next == repeatProtocol || !e.spec.HasProtocol(next) {
		if next != repeatProtocol {
			e.logger.Warn().Str("protocol", next).Int64("episode", ep+1).Msg("Unknown next protocol, repeating")
		}
		next = cur
	}

	e.store.SetProtocol(ep+1, next)
	e.store.Group(seq + 1).MarkBegin(now)
	if next != cur {
		e.recorder.ProtocolSwitch(e.id, cur, next)
	}
	if e.aggregating[next] {
		e.aggMu.Lock()
		e.lastLocalSeq = seq
		e.aggMu.Unlock()
	}

	e.logger.Info().
		Int64("episode", ep).
		Str("protocol", cur).
		Str("next", next).
		Int64("requests", report.Requests).
		Float64("throughput", report.Throughput).
		Msg("Episode finished")

	e.schedule.Publish(ep+1, e.spec.Leader(next))
	e.episode.Store(ep + 1)
	e.reports.prune(ep + 1)
}

// chooseProtocol decides the protocol of the episode after seq. Nodes follow
// the debug rotation or the votes the learning round agreed on; clients adopt
// what a quorum of nodes announced on the REPLY of seq.
func (e *Entity) chooseProtocol(seq int64, report EpisodeReport) string {
	if e.isClient() {
		next, ok := e.store.Group(seq).WaitDecision(e.settings.DecisionQuorum)
		if !ok {
			return repeatProtocol
		}
		return next
	}

	switch {
	case len(e.settings.DebugSequence) > 0:
		debug := e.settings.DebugSequence
		return debug[int(report.Episode%int64(len(debug)))]
	case e.settings.Learning:
		// The decision sequence executed before seq, so its votes are in.
		next, ok := e.store.Group(seq).Decision(e.settings.DecisionQuorum)
		if !ok {
			e.logger.Warn().Int64("episode", report.Episode).Msg("No agreed vote, repeating protocol")
			return repeatProtocol
		}
		return next
	}
	return repeatProtocol
}
