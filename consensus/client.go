package consensus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
	"github.com/VanDung-dev/genbft-engine/tally"
)

// outstanding is a request sent and not yet committed.
type outstanding struct {
	req    data.Request
	sentAt atomic.Int64
}

type client struct {
	e     *Entity
	svc   ClientService
	index int
	total int

	local       atomic.Int64
	sent        sync.Map
	outstanding atomic.Int64
	window      *semaphore.Weighted
}

// NewClient creates a client that generates requests from svc and follows the
// replies of the nodes.
func NewClient(cfg Config, svc ClientService) (*Entity, error) {
	index := cfg.Settings.Roster.ClientIndex(cfg.ID)
	if index < 0 {
		return nil, fmt.Errorf("%w: %d is not a client", ErrBadSettings, cfg.ID)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: client %d has no request source", ErrBadSettings, cfg.ID)
	}
	c := &client{
		svc:   svc,
		index: index,
		total: len(cfg.Settings.Roster.Clients),
	}
	e, err := newEntity(cfg, c)
	if err != nil {
		return nil, err
	}
	c.e = e
	if cfg.Settings.ClosedLoop {
		c.window = semaphore.NewWeighted(int64(c.windowSize()))
	}
	return e, nil
}

func (c *client) isClient() bool { return true }

func (c *client) windowSize() int {
	return max(c.e.settings.ClosedLoopClients, 1) * c.e.settings.BlockSize
}

// checkMessageTally accepts a quorum of replies at the current view or later.
func (c *client) checkMessageTally(seq int64, q tally.QuorumID, t *protocol.Transition) bool {
	v, ok := c.e.store.Group(seq).Full().MaxQuorum(seq, q)
	return ok && v >= c.e.view.Load()
}

// execute adopts the certified replies of seq for the requests of this client.
func (c *client) execute(seq int64) {
	e := c.e
	full := e.store.Group(seq).Full()
	v, ok := full.MaxQuorumView(seq)
	if !ok {
		return
	}
	if v > e.view.Load() {
		e.view.Store(v)
	}
	done := 0
	for num, value := range full.QuorumReplies(seq, v) {
		raw, ok := c.sent.LoadAndDelete(num)
		if !ok {
			continue
		}
		c.svc.Update(raw.(*outstanding).req, value)
		done++
		c.releaseSlot()
	}
	if done > 0 {
		e.executedRequests.Add(int64(done))
		e.recorder.RequestsExecuted(e.id, done)
		e.episodeRequests.Add(int64(done))
	}
}

// settle finishes a request answered outside the total order. Without
// agreement the request is dropped.
func (c *client) settle(num, value int64, agreed bool) bool {
	raw, ok := c.sent.LoadAndDelete(num)
	if !ok {
		return false
	}
	c.releaseSlot()
	if !agreed {
		return true
	}
	c.svc.Update(raw.(*outstanding).req, value)
	c.e.executedRequests.Add(1)
	c.e.recorder.RequestsExecuted(c.e.id, 1)
	return true
}

// releaseSlot frees one closed-loop slot if one is held.
func (c *client) releaseSlot() {
	if c.window == nil {
		return
	}
	for {
		n := c.outstanding.Load()
		if n <= 0 {
			return
		}
		if c.outstanding.CompareAndSwap(n, n-1) {
			c.window.Release(1)
			return
		}
	}
}

func (c *client) start() {
	if c.e.settings.ResendInterval > 0 {
		c.e.spawn(c.resendLoop)
	}
	if c.window == nil {
		c.e.spawn(c.openLoop)
		return
	}
	for i := 0; i < max(c.e.settings.ClosedLoopClients, 1); i++ {
		c.e.spawn(c.closedLoop)
	}
}

// openLoop sends one request per RequestInterval.
func (c *client) openLoop() {
	interval := c.e.settings.RequestInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.e.ctx.Done():
			return
		case <-ticker.C:
		}
		c.sendRequest(c.nextRequest())
	}
}

// closedLoop keeps up to one block of requests in flight per generator.
func (c *client) closedLoop() {
	bs := c.e.settings.BlockSize
	for {
		if err := c.window.Acquire(c.e.ctx, int64(bs)); err != nil {
			return
		}
		c.outstanding.Add(int64(bs))
		if d := c.e.settings.ClosedLoopDelay; d > 0 {
			select {
			case <-c.e.ctx.Done():
				return
			case <-time.After(d):
			}
		}
		for i := 0; i < bs; i++ {
			c.sendRequest(c.nextRequest())
		}
	}
}

// nextRequest allocates the next request number of this client. Numbers of
// all clients interleave so that they are unique cluster wide.
func (c *client) nextRequest() data.Request {
	local := c.local.Add(1) - 1
	return c.svc.NewRequest(local*int64(c.total) + int64(c.index))
}

// sendRequest addresses req to the request target of the protocol expected to
// order it.
func (c *client) sendRequest(req data.Request) {
	e := c.e
	seq := req.Num / int64(e.settings.BlockSize)
	if _, ok := e.schedule.Wait(e.settings.Episode(seq)); !ok {
		return
	}
	name := e.store.Protocol(seq)
	if name == "" {
		name = e.Protocol()
	}
	role := e.spec.RequestTarget(name)
	if req.Op == data.OpReadOnly {
		role = e.spec.Nodes()
	}
	view := e.view.Load()
	targets := e.role.RoleEntities(seq, view, e.spec.NormalPhase(), role)
	if len(targets) == 0 {
		return
	}

	o := &outstanding{req: req}
	o.sentAt.Store(time.Now().UnixNano())
	c.sent.Store(req.Num, o)
	block := []data.Request{req}
	m := &data.Message{
		View:      view,
		Kind:      e.spec.Request(),
		Source:    e.id,
		Targets:   targets,
		Digest:    data.BlockDigest(block),
		Requests:  block,
		Timestamp: time.Now().UnixNano(),
	}
	e.sendMessage(e.outgoing(m))
}

func (c *client) resendLoop() {
	ticker := time.NewTicker(c.e.settings.ResendInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.e.ctx.Done():
			return
		case <-ticker.C:
		}
		c.resend(time.Now().Add(-c.e.settings.ResendInterval))
	}
}

// resend broadcasts every request sent before cutoff and still uncommitted to
// all nodes in one REQUEST, so that backups notice a primary that drops them.
func (c *client) resend(cutoff time.Time) int {
	e := c.e
	now := time.Now().UnixNano()
	var stale []data.Request
	c.sent.Range(func(_, v any) bool {
		o := v.(*outstanding)
		if o.sentAt.Load() < cutoff.UnixNano() {
			o.sentAt.Store(now)
			stale = append(stale, o.req)
		}
		return true
	})
	if len(stale) == 0 {
		return 0
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Num < stale[j].Num })

	m := &data.Message{
		View:      e.view.Load(),
		Kind:      e.spec.Request(),
		Source:    e.id,
		Targets:   append([]int(nil), e.settings.Roster.Nodes...),
		Digest:    data.BlockDigest(stale),
		Requests:  stale,
		Timestamp: now,
	}
	e.sendMessage(e.outgoing(m))
	e.logger.Debug().Int("requests", len(stale)).Int64("first", stale[0].Num).Msg("Resending uncommitted requests")
	return len(stale)
}
