package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sschepens/bookkeeper/client/faketest"
	"github.com/sschepens/bookkeeper/protocol"
)

func echoAddHandler() faketest.Handler {
	return func(header protocol.PacketHeader, body []byte) (protocol.PacketHeader, []byte, bool) {
		if header.Opcode != protocol.OpAddEntry {
			return protocol.PacketHeader{}, nil, false
		}
		// Each test that uses this handler submits a single known
		// (ledger, entry); the handler doesn't need to parse it back out
		// of the opaque payload (that format is out of scope here).
		return protocol.PacketHeader{Version: protocol.ProtocolVersion, Opcode: protocol.OpAddEntry},
			protocol.ResponseBody(protocol.EOK, 1, 1, nil), true
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	var o = testOptions()
	o.ConnectionsPerServer = 2
	var c = NewClient(o, nil, nil, nil)
	t.Cleanup(c.Close)
	return c
}

func TestClientCloseDuringInflightResolvesEveryCallback(t *testing.T) {
	var srv, err = faketest.Start(func(header protocol.PacketHeader, body []byte) (protocol.PacketHeader, []byte, bool) {
		// Never respond: every add stays in flight until Close() drains it.
		return protocol.PacketHeader{}, nil, false
	})
	require.NoError(t, err)
	defer srv.Close()

	var c = NewClient(testOptions(), nil, nil, nil)
	var addr = srv.Address()

	const n = 100
	var fired int32
	var oks int32
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		var entry = protocol.EntryId(i)
		c.AddEntry(context.Background(), addr, 1, []byte("masterkey-0000000000"), entry, []byte("x"), protocol.FlagNone,
			func(code ErrCode, ledger protocol.LedgerId, e protocol.EntryId, a protocol.ServerAddress, appCtx interface{}) {
				atomic.AddInt32(&fired, 1)
				if code == OK {
					atomic.AddInt32(&oks, 1)
				} else {
					require.Equal(t, ClientClosed, code)
				}
				wg.Done()
			}, nil)
	}

	// Give the adds a moment to actually register against the (single)
	// connection before tearing it down.
	time.Sleep(50 * time.Millisecond)
	c.Close()

	var done = make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d callbacks fired before timeout", atomic.LoadInt32(&fired), n)
	}
	require.EqualValues(t, n, atomic.LoadInt32(&fired))
}

func TestClientWriteThenReadRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var ledgerData = map[protocol.EntryId][]byte{}

	var srv, err = faketest.Start(func(header protocol.PacketHeader, body []byte) (protocol.PacketHeader, []byte, bool) {
		switch header.Opcode {
		case protocol.OpAddEntry:
			mu.Lock()
			ledgerData[7] = append([]byte(nil), body[20:]...) // after the fixed master key width used below
			mu.Unlock()
			return protocol.PacketHeader{Version: protocol.ProtocolVersion, Opcode: protocol.OpAddEntry},
				protocol.ResponseBody(protocol.EOK, 5, 7, nil), true
		case protocol.OpReadEntry:
			ledger, entry, _, _ := protocol.ParseReadEntryBody(body)
			mu.Lock()
			var payload = ledgerData[entry]
			mu.Unlock()
			return protocol.PacketHeader{Version: protocol.ProtocolVersion, Opcode: protocol.OpReadEntry},
				protocol.ResponseBody(protocol.EOK, ledger, entry, payload), true
		default:
			return protocol.PacketHeader{}, nil, false
		}
	})
	require.NoError(t, err)
	defer srv.Close()

	var c = newTestClient(t)
	var addr = srv.Address()
	var masterKey = make([]byte, 20)

	var addDone = make(chan struct{})
	c.AddEntry(context.Background(), addr, 5, masterKey, 7, []byte("hello bookkeeper"), protocol.FlagNone,
		func(code ErrCode, ledger protocol.LedgerId, entry protocol.EntryId, a protocol.ServerAddress, appCtx interface{}) {
			require.Equal(t, OK, code)
			close(addDone)
		}, nil)
	select {
	case <-addDone:
	case <-time.After(2 * time.Second):
		t.Fatal("add never completed")
	}

	var readDone = make(chan struct{})
	var gotPayload []byte
	c.ReadEntry(context.Background(), addr, 5, 7, func(code ErrCode, ledger protocol.LedgerId, entry protocol.EntryId, payload []byte, appCtx interface{}) {
		require.Equal(t, OK, code)
		gotPayload = payload
		close(readDone)
	}, nil)
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read never completed")
	}
	require.Equal(t, "hello bookkeeper", string(gotPayload))
}

func TestClientRacingAddsOnSameKey(t *testing.T) {
	var srv, err = faketest.Start(echoAddHandler())
	require.NoError(t, err)
	defer srv.Close()

	var c = newTestClient(t)
	var addr = srv.Address()

	var wg sync.WaitGroup
	wg.Add(2)
	var codes = make([]ErrCode, 2)
	for i := 0; i < 2; i++ {
		var i = i
		c.AddEntry(context.Background(), addr, 1, []byte("masterkey-0000000000"), 1, []byte("x"), protocol.FlagNone,
			func(code ErrCode, ledger protocol.LedgerId, entry protocol.EntryId, a protocol.ServerAddress, appCtx interface{}) {
				codes[i] = code
				wg.Done()
			}, nil)
	}

	var done = make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("both racing adds must still each fire exactly one callback")
	}
	for _, code := range codes {
		require.NotEqual(t, ErrCode(-1), code)
	}
}
