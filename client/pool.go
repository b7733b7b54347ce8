package client

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/sschepens/bookkeeper/protocol"
)

// perServerPool (PSP) holds N PerConnectionClient instances for one server
// address and picks one per request by hashing a caller-supplied routing
// key. The array of PCCs is built once, at pool construction; there is no
// further lazy-per-slot initialization; the "publish before init" race this
// guards against lives one level up, in the Client Facade's address→pool
// map (see client.go), since that is where two callers can race to create
// the pool in the first place.
type perServerPool struct {
	addr protocol.ServerAddress
	pccs []*PerConnectionClient
}

func newPerServerPool(addr protocol.ServerAddress, n int, opts Options, authFactory AuthProviderFactory, executor *orderedExecutor, stats StatsSink, dial Dialer) *perServerPool {
	if n <= 0 {
		n = 1
	}
	var p = &perServerPool{
		addr: addr,
		pccs: make([]*PerConnectionClient, n),
	}
	for i := range p.pccs {
		p.pccs[i] = newPerConnectionClient(addr, opts, authFactory, executor, stats, dial)
	}
	return p
}

// pick selects the PCC for routingKey by hashing it (FNV-1a) mod N.
func (p *perServerPool) pick(routingKey uint64) *PerConnectionClient {
	if len(p.pccs) == 1 {
		return p.pccs[0]
	}
	var h = fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], routingKey)
	_, _ = h.Write(buf[:])
	return p.pccs[h.Sum64()%uint64(len(p.pccs))]
}

// obtain picks the PCC at hash(routingKey) mod N and enqueues op against
// it, keyed by the same routingKey for ordered-executor delivery.
func (p *perServerPool) obtain(routingKey uint64, op pendingOp) {
	p.pick(routingKey).enqueueOrDispatch(routingKey, op)
}

// disconnect fans out a transient disconnect to every PCC in the pool. If
// wait is true, it blocks until every PCC has finished draining its
// in-flight completions.
func (p *perServerPool) disconnect(wait bool) {
	p.fanOut(wait, func(pcc *PerConnectionClient) { pcc.Disconnect() })
}

// close fans out a permanent close to every PCC in the pool.
func (p *perServerPool) close(wait bool) {
	p.fanOut(wait, func(pcc *PerConnectionClient) { pcc.Close() })
}

func (p *perServerPool) fanOut(wait bool, f func(*PerConnectionClient)) {
	if !wait {
		for _, pcc := range p.pccs {
			go f(pcc)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(p.pccs))
	for _, pcc := range p.pccs {
		var pcc = pcc
		go func() {
			defer wg.Done()
			f(pcc)
		}()
	}
	wg.Wait()
}
