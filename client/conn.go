package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/sschepens/bookkeeper/protocol"
)

// connState is the PCC connection-state lattice: DISCONNECTED is both the
// initial state and reachable again after any live connection drops; CLOSED
// is terminal.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateAuthenticating
	stateConnected
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "DISCONNECTED"
	case stateConnecting:
		return "CONNECTING"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateConnected:
		return "CONNECTED"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// WriteCallback is invoked exactly once for a submitted add_entry. appCtx is
// whatever opaque value the caller submitted the op with, threaded through
// untouched.
type WriteCallback func(code ErrCode, ledger protocol.LedgerId, entry protocol.EntryId, addr protocol.ServerAddress, appCtx interface{})

// ReadCallback is invoked exactly once for a submitted read_entry /
// read_entry_and_fence. payload is nil on any non-OK code.
type ReadCallback func(code ErrCode, ledger protocol.LedgerId, entry protocol.EntryId, payload []byte, appCtx interface{})

// pendingOp is captured while a PCC is not yet CONNECTED. It is invoked
// with OK once the connection is ready to carry the real operation, or
// with a failure code if the connection attempt or auth handshake failed.
type pendingOp func(code ErrCode)

// queuedOp pairs a pendingOp with the routing key it must be delivered
// through when it's resolved off the reactor/timer goroutine that detected
// the failure -- the ordered executor, same as any registered completion,
// so a panicking or slow user callback can never block connection teardown
// (spec §5, §7).
type queuedOp struct {
	key uint64
	fn  pendingOp
}

// Dialer opens the transport for one connection attempt. The default dials
// plain TCP; tests substitute an in-process fake server.
type Dialer func(ctx context.Context, addr protocol.ServerAddress) (net.Conn, error)

func defaultDialer(ctx context.Context, addr protocol.ServerAddress) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr.String())
}

// PerConnectionClient (PCC) owns a single TCP connection to one server: the
// connection-state machine, the queue of operations submitted before the
// connection is ready, frame encoding/decoding, the Completion Registry,
// and response dispatch. A PCC is reused across reconnects; only close()
// is terminal.
type PerConnectionClient struct {
	addr        protocol.ServerAddress
	opts        Options
	authFactory AuthProviderFactory
	executor    *orderedExecutor
	stats       StatsSink
	dial        Dialer
	id          string

	state connState32

	mu           sync.Mutex
	conn         net.Conn
	connGen      uint64
	pendingOps   []queuedOp
	authProvider AuthProvider
	authStart    time.Time
	// connCtx carries the trace for the in-progress connect/auth attempt,
	// if any -- set once dialing succeeds, read (and cleared) by whichever
	// path next leaves CONNECTING/AUTHENTICATING.
	connCtx context.Context

	writeMu sync.Mutex

	reg *registry

	closeOnce sync.Once
	done      chan struct{}
}

// connState32 is a thin atomic.Int32 wrapper so the fast-path CONNECTED
// check in enqueueOrDispatch can read state without taking the PCC lock.
type connState32 struct{ v atomic.Int32 }

func (s *connState32) Load() connState   { return connState(s.v.Load()) }
func (s *connState32) Store(v connState) { s.v.Store(int32(v)) }

func newPerConnectionClient(addr protocol.ServerAddress, opts Options, authFactory AuthProviderFactory, executor *orderedExecutor, stats StatsSink, dial Dialer) *PerConnectionClient {
	if authFactory == nil {
		authFactory = NoAuth
	}
	if stats == nil {
		stats = NoopStats{}
	}
	if dial == nil {
		dial = defaultDialer
	}
	var pcc = &PerConnectionClient{
		addr:        addr,
		opts:        opts,
		authFactory: authFactory,
		executor:    executor,
		stats:       stats,
		dial:        dial,
		id:          uuid.NewString(),
		reg:         newRegistry(),
		done:        make(chan struct{}),
	}
	go pcc.tickLoop()
	return pcc
}

// Address reports the server address this PCC connects to.
func (pcc *PerConnectionClient) Address() protocol.ServerAddress { return pcc.addr }

// enqueueOrDispatch is PCC's public gate for every operation: CONNECTED
// dispatches immediately, CLOSED fails immediately, CONNECTING/
// AUTHENTICATING queue, and DISCONNECTED queues and kicks off a connect.
// key is the executor routing key (the op's ledger id) used if op must be
// resolved with a failure code before ever reaching dispatch.
func (pcc *PerConnectionClient) enqueueOrDispatch(key uint64, op pendingOp) {
	if pcc.state.Load() == stateConnected {
		op(OK)
		return
	}

	pcc.mu.Lock()
	switch pcc.state.Load() {
	case stateConnected:
		pcc.mu.Unlock()
		op(OK)
	case stateClosed:
		pcc.mu.Unlock()
		pcc.resolveOp(key, op, ServerUnavailable)
	case stateConnecting, stateAuthenticating:
		pcc.pendingOps = append(pcc.pendingOps, queuedOp{key, op})
		pcc.mu.Unlock()
	default: // stateDisconnected
		pcc.pendingOps = append(pcc.pendingOps, queuedOp{key, op})
		pcc.state.Store(stateConnecting)
		pcc.connGen++
		var gen = pcc.connGen
		pcc.mu.Unlock()
		pcc.startConnect(gen)
	}
}

// resolveOp delivers a single queued op's failure result through the
// ordered executor, exactly like a registered completion -- never calling
// straight into op from the reactor/timer goroutine that discovered the
// failure. Falls back to inline delivery only if the executor itself has
// already shut down.
func (pcc *PerConnectionClient) resolveOp(key uint64, op pendingOp, code ErrCode) {
	if !pcc.executor.submitOrdered(key, func() { op(code) }) {
		op(code)
	}
}

func (pcc *PerConnectionClient) resolveQueuedOps(ops []queuedOp, code ErrCode) {
	for _, q := range ops {
		var q = q
		pcc.resolveOp(q.key, q.fn, code)
	}
}

func (pcc *PerConnectionClient) takePendingOpsLocked() []queuedOp {
	var ops = pcc.pendingOps
	pcc.pendingOps = nil
	return ops
}

// AddEntry constructs and sends an ADD_ENTRY frame, registering an Add
// completion keyed by (ledger, entry). ctx carries this op's trace, created
// here if the caller didn't already attach one upstream.
func (pcc *PerConnectionClient) AddEntry(ctx context.Context, ledger protocol.LedgerId, masterKey []byte, entry protocol.EntryId, payload []byte, flags protocol.Flags, cb WriteCallback, appCtx interface{}) {
	ctx = ensureTrace(ctx, "bookkeeper.add_entry", pcc.addr.String())
	pcc.enqueueOrDispatch(uint64(ledger), func(code ErrCode) {
		if code != OK {
			finishTrace(ctx)
			cb(code, ledger, entry, pcc.addr, appCtx)
			return
		}
		pcc.dispatchAdd(ctx, ledger, masterKey, entry, payload, flags, cb, appCtx)
	})
}

func (pcc *PerConnectionClient) dispatchAdd(ctx context.Context, ledger protocol.LedgerId, masterKey []byte, entry protocol.EntryId, payload []byte, flags protocol.Flags, cb WriteCallback, appCtx interface{}) {
	pcc.mu.Lock()
	var conn = pcc.conn
	pcc.mu.Unlock()
	if conn == nil {
		finishTrace(ctx)
		pcc.resolveOp(uint64(ledger), func(code ErrCode) { cb(code, ledger, entry, pcc.addr, appCtx) }, ServerUnavailable)
		return
	}

	var key = protocol.RequestKey{Ledger: ledger, Entry: entry}
	var now = time.Now()
	pcc.reg.registerAdd(key, completion{
		kind:      kindAdd,
		key:       key,
		submitted: now,
		deadline:  now.Add(pcc.opts.ReadTimeout),
		stream:    "add",
		ctx:       ctx,
		resolve: func(code ErrCode, _ []byte) {
			cb(code, ledger, entry, pcc.addr, appCtx)
		},
	})

	var header = protocol.PacketHeader{Version: protocol.ProtocolVersion, Opcode: protocol.OpAddEntry, Flags: flags}
	var body = protocol.AddEntryBody(masterKey, payload)
	addTrace(ctx, "pcc %s: add_entry(%d,%d) dispatched", pcc.id, ledger, entry)
	if err := pcc.writeFrame(conn, header, body); err != nil {
		addTrace(ctx, "pcc %s: add_entry write failed: %v", pcc.id, err)
		if taken, ok := pcc.reg.takeAdd(key); ok {
			pcc.recordStats(taken, ServerUnavailable)
			finishTrace(taken.ctx)
			pcc.resolveOp(uint64(ledger), func(code ErrCode) { taken.resolve(code, nil) }, ServerUnavailable)
		}
	}
}

// ReadEntry constructs and sends a READ_ENTRY frame with FLAG_NONE,
// registering a Read completion. entry may be protocol.LastAddConfirmed.
func (pcc *PerConnectionClient) ReadEntry(ctx context.Context, ledger protocol.LedgerId, entry protocol.EntryId, cb ReadCallback, appCtx interface{}) {
	ctx = ensureTrace(ctx, "bookkeeper.read_entry", pcc.addr.String())
	pcc.enqueueOrDispatch(uint64(ledger), func(code ErrCode) {
		if code != OK {
			finishTrace(ctx)
			cb(code, ledger, entry, nil, appCtx)
			return
		}
		pcc.dispatchRead(ctx, ledger, entry, nil, protocol.FlagNone, cb, appCtx)
	})
}

// ReadEntryAndFence is like ReadEntry but sets FLAG_DO_FENCING and appends
// masterKey, marking the ledger no-longer-writable on the server.
func (pcc *PerConnectionClient) ReadEntryAndFence(ctx context.Context, ledger protocol.LedgerId, masterKey []byte, entry protocol.EntryId, cb ReadCallback, appCtx interface{}) {
	ctx = ensureTrace(ctx, "bookkeeper.read_entry_and_fence", pcc.addr.String())
	pcc.enqueueOrDispatch(uint64(ledger), func(code ErrCode) {
		if code != OK {
			finishTrace(ctx)
			cb(code, ledger, entry, nil, appCtx)
			return
		}
		pcc.dispatchRead(ctx, ledger, entry, masterKey, protocol.FlagDoFencing, cb, appCtx)
	})
}

func (pcc *PerConnectionClient) dispatchRead(ctx context.Context, ledger protocol.LedgerId, entry protocol.EntryId, masterKey []byte, flags protocol.Flags, cb ReadCallback, appCtx interface{}) {
	pcc.mu.Lock()
	var conn = pcc.conn
	pcc.mu.Unlock()
	if conn == nil {
		finishTrace(ctx)
		pcc.resolveOp(uint64(ledger), func(code ErrCode) { cb(code, ledger, entry, nil, appCtx) }, ServerUnavailable)
		return
	}

	var key = protocol.RequestKey{Ledger: ledger, Entry: entry}
	var now = time.Now()
	pcc.reg.registerRead(key, completion{
		kind:      kindRead,
		key:       key,
		submitted: now,
		deadline:  now.Add(pcc.opts.ReadTimeout),
		stream:    "read",
		ctx:       ctx,
		resolve: func(code ErrCode, payload []byte) {
			cb(code, ledger, entry, payload, appCtx)
		},
	})

	var header = protocol.PacketHeader{Version: protocol.ProtocolVersion, Opcode: protocol.OpReadEntry, Flags: flags}
	var body = protocol.ReadEntryBody(ledger, entry, masterKey)
	addTrace(ctx, "pcc %s: read_entry(%d,%d) dispatched", pcc.id, ledger, entry)
	if err := pcc.writeFrame(conn, header, body); err != nil {
		addTrace(ctx, "pcc %s: read_entry write failed: %v", pcc.id, err)
		if taken, ok := pcc.reg.takeRead(key); ok {
			pcc.recordStats(taken, ServerUnavailable)
			finishTrace(taken.ctx)
			pcc.resolveOp(uint64(ledger), func(code ErrCode) { taken.resolve(code, nil) }, ServerUnavailable)
		}
	}
}

// Trim is fire-and-forget: no completion is registered.
func (pcc *PerConnectionClient) Trim(ctx context.Context, ledger protocol.LedgerId, masterKey []byte, lastEntry protocol.EntryId) {
	ctx = ensureTrace(ctx, "bookkeeper.trim", pcc.addr.String())
	pcc.enqueueOrDispatch(uint64(ledger), func(code ErrCode) {
		defer finishTrace(ctx)
		if code != OK {
			return
		}
		pcc.mu.Lock()
		var conn = pcc.conn
		pcc.mu.Unlock()
		if conn == nil {
			return
		}
		var header = protocol.PacketHeader{Version: protocol.ProtocolVersion, Opcode: protocol.OpTrim}
		var body = protocol.TrimBody(ledger, lastEntry)
		if err := pcc.writeFrame(conn, header, body); err != nil {
			addTrace(ctx, "pcc %s: trim write failed: %v", pcc.id, err)
		}
	})
}

func (pcc *PerConnectionClient) recordStats(c completion, code ErrCode) {
	var dur = time.Since(c.submitted)
	if code == OK {
		pcc.stats.RecordSuccess(c.stream, dur)
	} else {
		pcc.stats.RecordFailure(c.stream, dur)
	}
}

func (pcc *PerConnectionClient) writeFrame(conn net.Conn, header protocol.PacketHeader, body []byte) error {
	pcc.writeMu.Lock()
	defer pcc.writeMu.Unlock()
	return protocol.BinaryFraming.Marshal(conn, header, body)
}

// startConnect dials asynchronously; the result is only honored if the PCC
// is still CONNECTING under the same generation by the time it completes --
// a delayed connect completing after a later disconnect/close/reconnect is
// closed without disturbing the live connection. The whole connect+auth
// attempt gets its own trace, since it isn't tied to any single submitted
// op.
func (pcc *PerConnectionClient) startConnect(gen uint64) {
	var tr = trace.New("bookkeeper.pcc.connect", pcc.addr.String())
	var ctx = trace.NewContext(context.Background(), tr)
	go func() {
		var conn, err = pcc.dial(ctx, pcc.addr)
		pcc.onConnectResult(ctx, gen, conn, err)
	}()
}

func (pcc *PerConnectionClient) onConnectResult(ctx context.Context, gen uint64, conn net.Conn, err error) {
	pcc.mu.Lock()
	if pcc.connGen != gen || pcc.state.Load() != stateConnecting {
		pcc.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		finishTrace(ctx)
		return
	}

	if err != nil {
		pcc.conn = nil
		pcc.state.Store(stateDisconnected)
		var ops = pcc.takePendingOpsLocked()
		pcc.mu.Unlock()
		log.WithError(errors.Wrapf(err, "dialing %s", pcc.addr)).Debug("pcc: connect failed")
		addTrace(ctx, "pcc %s: connect to %s failed: %v", pcc.id, pcc.addr, err)
		finishTrace(ctx)
		pcc.resolveQueuedOps(ops, ServerUnavailable)
		return
	}

	if pcc.opts.TCPNoDelay {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
	}
	pcc.conn = conn
	pcc.state.Store(stateAuthenticating)
	pcc.authStart = time.Now()
	pcc.connCtx = ctx
	pcc.mu.Unlock()

	addTrace(ctx, "pcc %s: connected to %s, authenticating", pcc.id, pcc.addr)
	go pcc.readLoop(conn, gen)

	var provider = pcc.authFactory.NewProvider(pcc.addr, func(code ErrCode) { pcc.onAuthComplete(gen, code) })
	pcc.mu.Lock()
	pcc.authProvider = provider
	pcc.mu.Unlock()
	provider.Init(func(payload []byte) { pcc.sendAuth(conn, payload) })
}

func (pcc *PerConnectionClient) sendAuth(conn net.Conn, payload []byte) {
	var header = protocol.PacketHeader{Version: protocol.ProtocolVersion, Opcode: protocol.OpAuth}
	if err := pcc.writeFrame(conn, header, payload); err != nil {
		log.WithError(err).WithField("addr", pcc.addr).Debug("pcc: auth payload write failed")
	}
}

func (pcc *PerConnectionClient) onAuthComplete(gen uint64, code ErrCode) {
	pcc.mu.Lock()
	if pcc.connGen != gen || pcc.state.Load() != stateAuthenticating {
		pcc.mu.Unlock()
		return
	}
	var ctx = pcc.connCtx
	if code == OK {
		pcc.connCtx = nil
		pcc.state.Store(stateConnected)
		var ops = pcc.takePendingOpsLocked()
		pcc.mu.Unlock()
		addTrace(ctx, "pcc %s: authenticated", pcc.id)
		finishTrace(ctx)
		for _, q := range ops {
			q.fn(OK)
		}
		return
	}
	pcc.mu.Unlock()
	log.WithFields(log.Fields{"addr": pcc.addr, "code": code.String()}).Warn("pcc: auth failed")
	addTrace(ctx, "pcc %s: auth failed: %s", pcc.id, code.String())
	pcc.failConnection(gen, code)
}

// failConnection tears down the connection for the given generation and
// resolves everything outstanding with code: pendingOps and both
// completion tables, every single one through the ordered executor.
func (pcc *PerConnectionClient) failConnection(gen uint64, code ErrCode) {
	pcc.mu.Lock()
	if pcc.connGen != gen || pcc.state.Load() == stateClosed {
		pcc.mu.Unlock()
		return
	}
	var conn = pcc.conn
	var connCtx = pcc.connCtx
	pcc.conn = nil
	pcc.connCtx = nil
	pcc.authProvider = nil
	pcc.state.Store(stateDisconnected)
	var ops = pcc.takePendingOpsLocked()
	pcc.mu.Unlock()

	finishTrace(connCtx)
	if conn != nil {
		_ = conn.Close()
	}
	pcc.resolveQueuedOps(ops, code)
	pcc.resolveDrained(pcc.reg.drainAllBoth(), code)
}

// readLoop decodes inbound frames until the connection errors or is torn
// down, then triggers the disconnect path for its generation.
func (pcc *PerConnectionClient) readLoop(conn net.Conn, gen uint64) {
	var reader = bufio.NewReader(conn)
	for {
		header, body, err := protocol.BinaryFraming.Unpack(reader, pcc.opts.MaxFrameLength)
		if err != nil {
			pcc.handleDisconnect(gen, err)
			return
		}
		pcc.dispatchInbound(conn, header, body)
	}
}

func (pcc *PerConnectionClient) dispatchInbound(conn net.Conn, header protocol.PacketHeader, body []byte) {
	if header.Opcode == protocol.OpAuth {
		pcc.mu.Lock()
		var provider = pcc.authProvider
		pcc.mu.Unlock()
		if provider == nil {
			log.WithField("addr", pcc.addr).Warn("pcc: AUTH frame with no active provider, dropped")
			return
		}
		provider.Process(body, func(payload []byte) { pcc.sendAuth(conn, payload) })
		return
	}

	status, ledger, entry, payload, err := protocol.ParseResponseBody(body)
	if err != nil {
		log.WithError(err).WithField("addr", pcc.addr).Warn("pcc: corrupt response frame, dropped")
		return
	}

	var op = header.Opcode
	pcc.executor.submitOrdered(uint64(ledger), func() {
		switch op {
		case protocol.OpAddEntry:
			pcc.handleAddResponse(ledger, entry, status)
		case protocol.OpReadEntry:
			pcc.handleReadResponse(ledger, entry, status, payload)
		default:
			log.WithField("opcode", op.String()).Warn("pcc: unrecognized response opcode, ignored")
		}
	})
}

func (pcc *PerConnectionClient) handleAddResponse(ledger protocol.LedgerId, entry protocol.EntryId, status protocol.Status) {
	var key = protocol.RequestKey{Ledger: ledger, Entry: entry}
	c, ok := pcc.reg.takeAdd(key)
	if !ok {
		log.WithField("key", key.String()).Debug("pcc: stale add response, ignored")
		return
	}
	var code = mapAddStatus(status)
	pcc.recordStats(c, code)
	addTrace(c.ctx, "pcc %s: add_entry(%d,%d) resolved: %s", pcc.id, ledger, entry, code.String())
	finishTrace(c.ctx)
	c.resolve(code, nil)
}

func (pcc *PerConnectionClient) handleReadResponse(ledger protocol.LedgerId, entry protocol.EntryId, status protocol.Status, payload []byte) {
	var key = protocol.RequestKey{Ledger: ledger, Entry: entry}
	c, ok := pcc.reg.takeRead(key)
	if !ok {
		log.WithField("key", key.String()).Debug("pcc: stale read response, ignored")
		return
	}
	var code = mapReadStatus(status)
	pcc.recordStats(c, code)
	addTrace(c.ctx, "pcc %s: read_entry(%d,%d) resolved: %s", pcc.id, ledger, entry, code.String())
	finishTrace(c.ctx)
	if code != OK {
		payload = nil
	}
	c.resolve(code, payload)
}

// handleDisconnect runs when readLoop observes a transport error. A
// disconnect observed for a generation that's no longer live (already
// superseded by a later reconnect, disconnect, or close) is ignored.
func (pcc *PerConnectionClient) handleDisconnect(gen uint64, cause error) {
	pcc.mu.Lock()
	if pcc.connGen != gen || pcc.state.Load() == stateClosed {
		pcc.mu.Unlock()
		return
	}
	var connCtx = pcc.connCtx
	pcc.conn = nil
	pcc.connCtx = nil
	pcc.authProvider = nil
	pcc.state.Store(stateDisconnected)
	var ops = pcc.takePendingOpsLocked()
	pcc.mu.Unlock()

	log.WithError(errors.Wrap(cause, "read loop")).WithField("addr", pcc.addr).Debug("pcc: peer disconnected")
	finishTrace(connCtx)
	pcc.resolveQueuedOps(ops, ServerUnavailable)
	pcc.resolveDrained(pcc.reg.drainAllBoth(), ServerUnavailable)
}

// Disconnect tears down the current transport, if any, and returns the PCC
// to DISCONNECTED; it remains usable and will reconnect on the next op.
func (pcc *PerConnectionClient) Disconnect() {
	pcc.mu.Lock()
	if pcc.state.Load() == stateClosed {
		pcc.mu.Unlock()
		return
	}
	var conn = pcc.conn
	var connCtx = pcc.connCtx
	pcc.conn = nil
	pcc.connCtx = nil
	pcc.authProvider = nil
	pcc.connGen++ // invalidate any in-flight connect/auth for the old generation
	pcc.state.Store(stateDisconnected)
	var ops = pcc.takePendingOpsLocked()
	pcc.mu.Unlock()

	finishTrace(connCtx)
	if conn != nil {
		_ = conn.Close()
	}
	pcc.resolveQueuedOps(ops, ServerUnavailable)
	pcc.resolveDrained(pcc.reg.drainAllBoth(), ServerUnavailable)
}

// Close is the permanent shutdown: terminal CLOSED state, every pending op
// and outstanding completion resolved, timers stopped.
func (pcc *PerConnectionClient) Close() {
	pcc.mu.Lock()
	if pcc.state.Load() == stateClosed {
		pcc.mu.Unlock()
		return
	}
	var conn = pcc.conn
	var connCtx = pcc.connCtx
	pcc.conn = nil
	pcc.connCtx = nil
	pcc.authProvider = nil
	pcc.connGen++
	pcc.state.Store(stateClosed)
	var ops = pcc.takePendingOpsLocked()
	pcc.mu.Unlock()

	pcc.closeOnce.Do(func() { close(pcc.done) })
	finishTrace(connCtx)
	if conn != nil {
		_ = conn.Close()
	}
	pcc.resolveQueuedOps(ops, ClientClosed)
	pcc.resolveDrained(pcc.reg.drainAllBoth(), ClientClosed)
}

// resolveDrained delivers every drained completion through the ordered
// executor, keyed by its ledger id like any other response; if the
// executor has already shut down the submission is rejected and the
// completion is resolved inline instead, since correctness (exactly one
// callback) matters more than ordering once nothing else is in flight.
func (pcc *PerConnectionClient) resolveDrained(entries []drainedEntry, code ErrCode) {
	for _, e := range entries {
		var entry = e
		pcc.recordStats(entry.c, code)
		finishTrace(entry.c.ctx)
		if !pcc.executor.submitOrdered(uint64(entry.key.Ledger), func() { entry.c.resolve(code, nil) }) {
			entry.c.resolve(code, nil)
		}
	}
}

// tickLoop periodically checks for an auth handshake that has overrun its
// timeout and scans both completion tables for expired entries, for the
// lifetime of the PCC (stopped only by Close).
func (pcc *PerConnectionClient) tickLoop() {
	var ticker = time.NewTicker(pcc.opts.TickDuration)
	defer ticker.Stop()
	for {
		select {
		case <-pcc.done:
			return
		case now := <-ticker.C:
			pcc.onTick(now)
		}
	}
}

func (pcc *PerConnectionClient) onTick(now time.Time) {
	pcc.mu.Lock()
	var authTimedOut = pcc.state.Load() == stateAuthenticating && now.Sub(pcc.authStart) > pcc.opts.AuthTimeout
	var gen = pcc.connGen
	pcc.mu.Unlock()

	if authTimedOut {
		pcc.failConnection(gen, AuthTimeout)
	}
	pcc.resolveDrained(pcc.reg.drainExpired(now), ServerUnavailable)
}
