package client

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sschepens/bookkeeper/protocol"
)

// completionKind tags which sub-table a completion belongs to; drainAll
// takes it to select the table to drain. Drained completions of either kind
// are resolved the same way, through their resolve closure.
type completionKind int

const (
	kindAdd completionKind = iota
	kindRead
)

// completion is a registered, not-yet-resolved callback. It carries enough
// to resolve via any path: a server response, a write failure, a timeout
// scan, a disconnect, or facade shutdown.
type completion struct {
	kind      completionKind
	key       protocol.RequestKey
	submitted time.Time
	deadline  time.Time
	stream    string          // stats-sink stream name, e.g. "add" or "read"
	ctx       context.Context // this op's trace, attached at submission

	// resolve fires the user callback exactly once. Built by the caller as
	// a closure over the concrete WriteCallback/ReadCallback and ctx, so the
	// registry itself stays ignorant of the two distinct callback shapes.
	resolve func(code ErrCode, payload []byte)
}

// expired reports whether a completion's deadline has passed as of now.
func (c completion) expired(now time.Time) bool { return !c.deadline.After(now) }

// registry is the per-PCC Completion Registry: an add table (unique,
// keyed by RequestKey) and a read table (an insertion-ordered multiset per
// key), each independently lockable so network-receive and timer-scan
// goroutines never block on one another's table.
//
// Plain mutex-guarded maps, not sync.Map: drain_expired/drain_all need an
// atomic snapshot-and-clear pass that sync.Map's Range can't give cheaply
// without a second pass of deletes racing new inserts.
type registry struct {
	addMu sync.Mutex
	add   map[protocol.RequestKey]completion

	readMu sync.Mutex
	read   map[protocol.RequestKey][]completion
}

func newRegistry() *registry {
	return &registry{
		add:  make(map[protocol.RequestKey]completion),
		read: make(map[protocol.RequestKey][]completion),
	}
}

// registerAdd inserts c at key. A prior entry at the same key is a caller
// bug (at most one concurrent add per key is expected, per spec) -- the new
// entry overwrites and the old one is abandoned without being resolved;
// logged loudly rather than panicking, since this is caller misuse and not
// a structural invariant violation.
func (r *registry) registerAdd(key protocol.RequestKey, c completion) {
	r.addMu.Lock()
	defer r.addMu.Unlock()

	if prev, ok := r.add[key]; ok {
		log.WithFields(log.Fields{
			"key": key.String(),
		}).Warn("registry: add completion overwritten before resolution; previous callback abandoned")
		_ = prev
	}
	r.add[key] = c
}

// registerRead appends c to the ordered sequence at key.
func (r *registry) registerRead(key protocol.RequestKey, c completion) {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	r.read[key] = append(r.read[key], c)
}

// takeAdd atomically removes and returns the completion at key, if any.
func (r *registry) takeAdd(key protocol.RequestKey) (completion, bool) {
	r.addMu.Lock()
	defer r.addMu.Unlock()
	c, ok := r.add[key]
	if ok {
		delete(r.add, key)
	}
	return c, ok
}

// takeRead atomically removes and returns the head of the sequence at key.
// If key's sequence is empty or absent, it falls back to the sequence keyed
// by the same ledger with the LAST_ADD_CONFIRMED sentinel entry id -- this
// is the ledger-recovery case where a read submitted against the sentinel
// gets answered with a concrete entry id. Both the direct lookup and the
// fallback happen under the same critical section so a concurrent take
// can't observe or consume the same head twice.
func (r *registry) takeRead(key protocol.RequestKey) (completion, bool) {
	r.readMu.Lock()
	defer r.readMu.Unlock()

	if c, ok := r.popReadLocked(key); ok {
		return c, true
	}
	if key.Entry == protocol.LastAddConfirmed {
		return completion{}, false
	}
	var sentinel = protocol.RequestKey{Ledger: key.Ledger, Entry: protocol.LastAddConfirmed}
	return r.popReadLocked(sentinel)
}

func (r *registry) popReadLocked(key protocol.RequestKey) (completion, bool) {
	var seq = r.read[key]
	if len(seq) == 0 {
		return completion{}, false
	}
	var head = seq[0]
	if len(seq) == 1 {
		delete(r.read, key)
	} else {
		r.read[key] = seq[1:]
	}
	return head, true
}

// drainedEntry pairs a drained completion with the key it was stored under,
// for the caller of drainExpired/drainAll to resolve against.
type drainedEntry struct {
	key protocol.RequestKey
	c   completion
}

// drainExpired scans both tables and atomically removes every completion
// whose deadline has passed as of now. Tolerant of concurrent removal: a
// completion taken by a response between the scan and the delete is simply
// absent from the result, not double-resolved.
func (r *registry) drainExpired(now time.Time) []drainedEntry {
	var out []drainedEntry

	r.addMu.Lock()
	for k, c := range r.add {
		if c.expired(now) {
			out = append(out, drainedEntry{key: k, c: c})
			delete(r.add, k)
		}
	}
	r.addMu.Unlock()

	r.readMu.Lock()
	for k, seq := range r.read {
		var kept = seq[:0]
		for _, c := range seq {
			if c.expired(now) {
				out = append(out, drainedEntry{key: k, c: c})
			} else {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(r.read, k)
		} else {
			r.read[k] = kept
		}
	}
	r.readMu.Unlock()

	return out
}

// drainAll atomically removes and returns every pending completion of the
// given kind, used on disconnect/close to resolve everything outstanding.
func (r *registry) drainAll(kind completionKind) []drainedEntry {
	var out []drainedEntry

	switch kind {
	case kindAdd:
		r.addMu.Lock()
		for k, c := range r.add {
			out = append(out, drainedEntry{key: k, c: c})
		}
		r.add = make(map[protocol.RequestKey]completion)
		r.addMu.Unlock()
	case kindRead:
		r.readMu.Lock()
		for k, seq := range r.read {
			for _, c := range seq {
				out = append(out, drainedEntry{key: k, c: c})
			}
		}
		r.read = make(map[protocol.RequestKey][]completion)
		r.readMu.Unlock()
	}
	return out
}

// drainAllBoth drains both tables, add completions first, matching the
// order pendingOps/completions are typically reported in logs elsewhere.
func (r *registry) drainAllBoth() []drainedEntry {
	var out = r.drainAll(kindAdd)
	out = append(out, r.drainAll(kindRead)...)
	return out
}
