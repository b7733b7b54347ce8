package client

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sschepens/bookkeeper/protocol"
)

// Client is the Client Facade (CF): the top-level object an application
// constructs and calls. It owns the address→pool mapping, the shared
// ordered dispatch executor, the auth provider factory, and the facade's
// own closed/open lifecycle.
type Client struct {
	opts        Options
	authFactory AuthProviderFactory
	stats       StatsSink
	dial        Dialer
	executor    *orderedExecutor

	poolsMu sync.RWMutex
	pools   map[protocol.ServerAddress]*perServerPool

	// construct collapses concurrent first-lookups for the same address
	// into a single pool construction, per spec's "publish before init,
	// losers discard" race: only the winner's NewProvider/connect side
	// effects happen; losers simply receive the shared result.
	construct singleflight.Group

	closedMu sync.RWMutex
	closed   bool
}

// NewClient constructs a Client Facade. A nil AuthProviderFactory defaults
// to NoAuth; a nil StatsSink defaults to NoopStats; a nil Dialer dials
// plain TCP.
func NewClient(opts Options, authFactory AuthProviderFactory, stats StatsSink, dial Dialer) *Client {
	opts = opts.withDefaults()
	if authFactory == nil {
		authFactory = NoAuth
	}
	if stats == nil {
		stats = NoopStats{}
	}
	var workers = opts.ConnectionsPerServer * 4
	if workers < 4 {
		workers = 4
	}
	return &Client{
		opts:        opts,
		authFactory: authFactory,
		stats:       stats,
		dial:        dial,
		executor:    newOrderedExecutor(workers, workers*4),
		pools:       make(map[protocol.ServerAddress]*perServerPool),
	}
}

// poolFor returns the pool for addr, constructing it on first use. Returns
// nil if the facade is closed, in which case the caller fails the op with
// ClientClosed.
func (c *Client) poolFor(addr protocol.ServerAddress) *perServerPool {
	c.poolsMu.RLock()
	var p = c.pools[addr]
	c.poolsMu.RUnlock()
	if p != nil {
		return p
	}

	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		return nil
	}

	shared, _, _ := c.construct.Do(addr.String(), func() (interface{}, error) {
		c.poolsMu.RLock()
		if existing, ok := c.pools[addr]; ok {
			c.poolsMu.RUnlock()
			return existing, nil
		}
		c.poolsMu.RUnlock()

		var np = newPerServerPool(addr, c.opts.ConnectionsPerServer, c.opts, c.authFactory, c.executor, c.stats, c.dial)
		c.poolsMu.Lock()
		c.pools[addr] = np
		c.poolsMu.Unlock()
		return np, nil
	})
	return shared.(*perServerPool)
}

// routingKey maps a ledger id to the uint64 routing key PSP.pick hashes, so
// that operations against the same ledger id land on the same connection
// within a pool.
func routingKey(ledger protocol.LedgerId) uint64 { return uint64(ledger) }

// AddEntry submits an append. ctx carries this op's trace (a fresh one is
// minted if ctx doesn't already carry one); addr selects the server;
// ledger/entry identify the target; masterKey authorizes the write. cb
// fires exactly once.
func (c *Client) AddEntry(ctx context.Context, addr protocol.ServerAddress, ledger protocol.LedgerId, masterKey []byte, entry protocol.EntryId, payload []byte, flags protocol.Flags, cb WriteCallback, appCtx interface{}) {
	ctx = ensureTrace(ctx, "bookkeeper.facade.add_entry", addr.String())
	var pool = c.poolFor(addr)
	if pool == nil {
		finishTrace(ctx)
		cb(ClientClosed, ledger, entry, addr, appCtx)
		return
	}
	pool.obtain(routingKey(ledger), func(code ErrCode) {
		if code != OK {
			finishTrace(ctx)
			cb(c.shapeCode(code), ledger, entry, addr, appCtx)
			return
		}
		pool.pick(routingKey(ledger)).AddEntry(ctx, ledger, masterKey, entry, payload, flags, func(code ErrCode, ledger protocol.LedgerId, entry protocol.EntryId, addr protocol.ServerAddress, appCtx interface{}) {
			cb(c.shapeCode(code), ledger, entry, addr, appCtx)
		}, appCtx)
	})
}

// ReadEntry submits a read. entry may be protocol.LastAddConfirmed.
func (c *Client) ReadEntry(ctx context.Context, addr protocol.ServerAddress, ledger protocol.LedgerId, entry protocol.EntryId, cb ReadCallback, appCtx interface{}) {
	ctx = ensureTrace(ctx, "bookkeeper.facade.read_entry", addr.String())
	var pool = c.poolFor(addr)
	if pool == nil {
		finishTrace(ctx)
		cb(ClientClosed, ledger, entry, nil, appCtx)
		return
	}
	pool.obtain(routingKey(ledger), func(code ErrCode) {
		if code != OK {
			finishTrace(ctx)
			cb(c.shapeCode(code), ledger, entry, nil, appCtx)
			return
		}
		pool.pick(routingKey(ledger)).ReadEntry(ctx, ledger, entry, func(code ErrCode, ledger protocol.LedgerId, entry protocol.EntryId, payload []byte, appCtx interface{}) {
			cb(c.shapeCode(code), ledger, entry, payload, appCtx)
		}, appCtx)
	})
}

// ReadEntryAndFence submits a fencing read, marking the ledger
// no-longer-writable on the server as part of the same round trip.
func (c *Client) ReadEntryAndFence(ctx context.Context, addr protocol.ServerAddress, ledger protocol.LedgerId, masterKey []byte, entry protocol.EntryId, cb ReadCallback, appCtx interface{}) {
	ctx = ensureTrace(ctx, "bookkeeper.facade.read_entry_and_fence", addr.String())
	var pool = c.poolFor(addr)
	if pool == nil {
		finishTrace(ctx)
		cb(ClientClosed, ledger, entry, nil, appCtx)
		return
	}
	pool.obtain(routingKey(ledger), func(code ErrCode) {
		if code != OK {
			finishTrace(ctx)
			cb(c.shapeCode(code), ledger, entry, nil, appCtx)
			return
		}
		pool.pick(routingKey(ledger)).ReadEntryAndFence(ctx, ledger, masterKey, entry, func(code ErrCode, ledger protocol.LedgerId, entry protocol.EntryId, payload []byte, appCtx interface{}) {
			cb(c.shapeCode(code), ledger, entry, payload, appCtx)
		}, appCtx)
	})
}

// Trim submits a fire-and-forget trim, best-effort against whichever PCC
// routingKey selects.
func (c *Client) Trim(ctx context.Context, addr protocol.ServerAddress, ledger protocol.LedgerId, masterKey []byte, lastEntry protocol.EntryId) {
	var pool = c.poolFor(addr)
	if pool == nil {
		return
	}
	pool.pick(routingKey(ledger)).Trim(ctx, ledger, masterKey, lastEntry)
}

// ClosePeers triggers a transient disconnect of every listed peer, so the
// next request to each reconnects. Used by higher layers on suspected
// failure, without tearing down the facade itself.
func (c *Client) ClosePeers(addrs map[protocol.ServerAddress]struct{}) {
	c.poolsMu.RLock()
	var pools = make([]*perServerPool, 0, len(addrs))
	for a := range addrs {
		if p, ok := c.pools[a]; ok {
			pools = append(pools, p)
		}
	}
	c.poolsMu.RUnlock()

	for _, p := range pools {
		p.disconnect(false)
	}
}

// Close is the permanent facade shutdown: marks the facade closed, closes
// every pool, and stops the shared ordered executor. Close blocks until
// every PCC has finished draining its outstanding completions.
func (c *Client) Close() {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return
	}
	c.closed = true
	c.closedMu.Unlock()

	c.poolsMu.RLock()
	var pools = make([]*perServerPool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.poolsMu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(pools))
	for _, p := range pools {
		var p = p
		go func() {
			defer wg.Done()
			p.close(true)
		}()
	}
	wg.Wait()

	c.executor.close()
	log.Debug("bookkeeper client: facade closed")
}

// shapeCode rewrites a non-OK code to ClientClosed once the facade has
// been closed, so callbacks racing a Close() report a consistent cause
// rather than whatever transport-level failure the shutdown produced.
func (c *Client) shapeCode(code ErrCode) ErrCode {
	if code == OK {
		return OK
	}
	c.closedMu.RLock()
	var closed = c.closed
	c.closedMu.RUnlock()
	if closed {
		return ClientClosed
	}
	return code
}
