package consensus

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
)

// Feature names of an episode report.
const (
	featureRequests   = "requests"
	featureDuration   = "duration"
	featureThroughput = "throughput"
)

// reportBook keeps the first report of every node per episode, features and
// votes apart.
type reportBook struct {
	mu       sync.Mutex
	features map[int64]map[int]data.Report
	votes    map[int64]map[int]data.Report
}

func newReportBook() *reportBook {
	return &reportBook{
		features: make(map[int64]map[int]data.Report),
		votes:    make(map[int64]map[int]data.Report),
	}
}

func (b *reportBook) add(r data.Report) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book := b.features
	if r.IsVote() {
		book = b.votes
	}
	bySource, ok := book[r.Episode]
	if !ok {
		bySource = make(map[int]data.Report)
		book[r.Episode] = bySource
	}
	if _, ok := bySource[r.Source]; !ok {
		bySource[r.Source] = r
	}
}

// quorum returns the size reports of ep with the lowest sources.
func (b *reportBook) quorum(ep int64, votes bool, size int) ([]data.Report, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book := b.features
	if votes {
		book = b.votes
	}
	bySource := book[ep]
	if len(bySource) < size {
		return nil, false
	}
	out := make([]data.Report, 0, len(bySource))
	for _, r := range bySource {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out[:size], true
}

// prune drops every episode before ep.
func (b *reportBook) prune(ep int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.features {
		if k < ep {
			delete(b.features, k)
		}
	}
	for k := range b.votes {
		if k < ep {
			delete(b.votes, k)
		}
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// medianReport folds feature reports into one episode report, feature by
// feature, so that f lying nodes cannot move it outside the honest range.
func medianReport(reports []data.Report) EpisodeReport {
	var requests, duration, throughput []float64
	for _, r := range reports {
		requests = append(requests, r.Features[featureRequests])
		duration = append(duration, r.Features[featureDuration])
		throughput = append(throughput, r.Features[featureThroughput])
	}
	return EpisodeReport{
		Requests:   int64(median(requests)),
		Duration:   time.Duration(median(duration) * float64(time.Second)),
		Throughput: median(throughput),
	}
}

// validReports keeps the reports of ep from distinct nodes, of the kind asked.
func (e *Entity) validReports(reports []data.Report, ep int64, votes bool) []data.Report {
	seen := make(map[int]bool, len(reports))
	var out []data.Report
	for _, r := range reports {
		if r.Episode != ep || r.IsVote() != votes || seen[r.Source] || !e.settings.Roster.IsNode(r.Source) {
			continue
		}
		seen[r.Source] = true
		out = append(out, r)
	}
	return out
}

func (e *Entity) reportQuorum() int { return 2*e.settings.F + 1 }

// learningRound runs the step of the learning round that falls on seq, if any.
// It is called by the executor with execMu held.
func (e *Entity) learningRound(seq int64, block []data.Request) {
	if !e.settings.learns() {
		return
	}
	report, exchange, decision := e.settings.learningOffsets()
	ep := e.settings.Episode(seq)
	var embedded []data.Report
	if len(block) > 0 {
		embedded = block[0].Reports
	}

	switch seq - ep*e.settings.EpisodeSize {
	case report:
		features := e.episodeFeatures(ep)
		e.spawn(func() { e.broadcastReport(data.Report{Episode: ep, Source: e.id, Features: features}) })
	case exchange:
		valid := e.validReports(embedded, ep, false)
		cur := e.store.Protocol(seq)
		e.spawn(func() { e.vote(ep, cur, valid) })
	case decision:
		g := e.store.Group(e.settings.EndOfEpisode(seq))
		for _, r := range e.validReports(embedded, ep, true) {
			g.Decide(r.Source, r.Vote)
		}
	}
}

// episodeFeatures measures the running episode. Polluted nodes make it up.
func (e *Entity) episodeFeatures(ep int64) map[string]float64 {
	requests := float64(e.episodeRequests.Load())
	duration := time.Since(e.episodeBegin(ep)).Seconds()
	throughput := 0.0
	if duration > 0 {
		throughput = requests / duration
	}
	if e.settings.Faults.Affects(FaultPollution, e.store.Protocol(ep*e.settings.EpisodeSize), e.id) {
		throughput = rand.Float64() * 100 * (throughput + 1)
	}
	return map[string]float64{
		featureRequests:   requests,
		featureDuration:   duration,
		featureThroughput: throughput,
	}
}

func (e *Entity) episodeBegin(ep int64) time.Time {
	if g, ok := e.store.Lookup(e.store.CheckpointNum(ep * e.settings.EpisodeSize)); ok {
		return g.Begin()
	}
	return time.Now()
}

// vote asks the learner about the agreed features of ep and broadcasts the
// answer. Too few reports or a failing learner vote to repeat.
func (e *Entity) vote(ep int64, cur string, reports []data.Report) {
	next := repeatProtocol
	if len(reports) >= e.reportQuorum() {
		in := medianReport(reports)
		in.Entity, in.Episode, in.Protocol = e.id, ep, cur
		got, err := e.learner.NextProtocol(e.ctx, in)
		switch {
		case err != nil:
			e.logger.Error().Err(err).Int64("episode", ep).Msg("Learner failed, voting to repeat")
		case got != repeatProtocol && !e.spec.HasProtocol(got):
			e.logger.Warn().Str("protocol", got).Int64("episode", ep).Msg("Learner picked an unknown protocol, voting to repeat")
		default:
			next = got
		}
	} else {
		e.logger.Warn().Int("reports", len(reports)).Int64("episode", ep).Msg("Too few episode reports, voting to repeat")
	}
	e.broadcastReport(data.Report{Episode: ep, Source: e.id, Vote: next})
}

// broadcastReport books r locally and sends it to every node.
func (e *Entity) broadcastReport(r data.Report) {
	e.reports.add(r)
	m := &data.Message{
		Sequence:  r.Episode,
		Kind:      e.spec.Report(),
		Source:    e.id,
		Targets:   append([]int(nil), e.settings.Roster.Nodes...),
		Report:    &r,
		Timestamp: time.Now().UnixNano(),
	}
	e.sendMessage(e.outgoing(m))
	e.driveRound(r)
}

// acceptReport books a REPORT of another node.
func (e *Entity) acceptReport(m *data.Message) {
	if e.isClient() || m.Report == nil || !e.settings.Roster.IsNode(m.Source) {
		return
	}
	r := *m.Report
	r.Source = m.Source
	if r.Episode < e.episode.Load() {
		return
	}
	e.reports.add(r)
	e.driveRound(r)
}

// driveRound re-checks the sequence that waits for reports like r.
func (e *Entity) driveRound(r data.Report) {
	_, exchange, decision := e.settings.learningOffsets()
	off := exchange
	if r.IsVote() {
		off = decision
	}
	e.StateUpdateLoop(r.Episode*e.settings.EpisodeSize + off)
}

// roundReports returns the reports the primary must embed in the block of seq:
// nil where none are due, false while the quorum is not there yet.
func (e *Entity) roundReports(seq int64) ([]data.Report, bool) {
	if !e.settings.learns() {
		return nil, true
	}
	_, exchange, decision := e.settings.learningOffsets()
	ep := e.settings.Episode(seq)
	switch seq - ep*e.settings.EpisodeSize {
	case exchange:
		return e.reports.quorum(ep, false, e.reportQuorum())
	case decision:
		return e.reports.quorum(ep, true, e.reportQuorum())
	}
	return nil, true
}

// withReports returns a copy of block whose first request carries reports.
func withReports(block []data.Request, reports []data.Report) []data.Request {
	out := append([]data.Request(nil), block...)
	out[0].Reports = reports
	return out
}
