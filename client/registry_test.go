package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sschepens/bookkeeper/protocol"
)

func TestRegistryAddRegisterTake(t *testing.T) {
	var r = newRegistry()
	var key = protocol.RequestKey{Ledger: 5, Entry: 7}
	var fired bool

	r.registerAdd(key, completion{key: key, kind: kindAdd, resolve: func(code ErrCode, _ []byte) {
		fired = true
		require.Equal(t, OK, code)
	}})

	c, ok := r.takeAdd(key)
	require.True(t, ok)
	c.resolve(OK, nil)
	require.True(t, fired)

	_, ok = r.takeAdd(key)
	require.False(t, ok, "take_add must be a one-shot remove")
}

func TestRegistryAddOverwriteAbandonsPrevious(t *testing.T) {
	var r = newRegistry()
	var key = protocol.RequestKey{Ledger: 1, Entry: 1}
	var firstFired, secondFired bool

	r.registerAdd(key, completion{resolve: func(ErrCode, []byte) { firstFired = true }})
	r.registerAdd(key, completion{resolve: func(ErrCode, []byte) { secondFired = true }})

	c, ok := r.takeAdd(key)
	require.True(t, ok)
	c.resolve(OK, nil)

	require.False(t, firstFired, "overwritten completion must not fire")
	require.True(t, secondFired)
}

func TestRegistryReadOrderedMultiset(t *testing.T) {
	var r = newRegistry()
	var key = protocol.RequestKey{Ledger: 2, Entry: 9}
	var order []int

	r.registerRead(key, completion{resolve: func(ErrCode, []byte) { order = append(order, 1) }})
	r.registerRead(key, completion{resolve: func(ErrCode, []byte) { order = append(order, 2) }})
	r.registerRead(key, completion{resolve: func(ErrCode, []byte) { order = append(order, 3) }})

	for want := 1; want <= 3; want++ {
		c, ok := r.takeRead(key)
		require.True(t, ok)
		c.resolve(OK, nil)
	}
	require.Equal(t, []int{1, 2, 3}, order)

	_, ok := r.takeRead(key)
	require.False(t, ok)
}

func TestRegistryReadSentinelFallback(t *testing.T) {
	var r = newRegistry()
	var ledger = protocol.LedgerId(5)
	var sentinelKey = protocol.RequestKey{Ledger: ledger, Entry: protocol.LastAddConfirmed}

	r.registerRead(sentinelKey, completion{resolve: func(ErrCode, []byte) {}})

	// A response naming a concrete entry id must fall back to the
	// sentinel-keyed pending read when no direct match exists.
	c, ok := r.takeRead(protocol.RequestKey{Ledger: ledger, Entry: 42})
	require.True(t, ok)
	c.resolve(OK, nil)

	_, ok = r.takeRead(sentinelKey)
	require.False(t, ok, "sentinel entry should have been consumed by the fallback")
}

func TestRegistryDrainExpired(t *testing.T) {
	var r = newRegistry()
	var now = time.Now()
	var key1 = protocol.RequestKey{Ledger: 1, Entry: 1}
	var key2 = protocol.RequestKey{Ledger: 1, Entry: 2}

	r.registerAdd(key1, completion{key: key1, deadline: now.Add(-time.Second)})
	r.registerAdd(key2, completion{key: key2, deadline: now.Add(time.Hour)})
	r.registerRead(key1, completion{key: key1, deadline: now.Add(-time.Second)})

	var drained = r.drainExpired(now)
	require.Len(t, drained, 2)

	_, ok := r.takeAdd(key2)
	require.True(t, ok, "non-expired add must remain registered")
}

func TestRegistryDrainAll(t *testing.T) {
	var r = newRegistry()
	r.registerAdd(protocol.RequestKey{Ledger: 1, Entry: 1}, completion{})
	r.registerAdd(protocol.RequestKey{Ledger: 1, Entry: 2}, completion{})
	r.registerRead(protocol.RequestKey{Ledger: 1, Entry: 3}, completion{})

	var all = r.drainAllBoth()
	require.Len(t, all, 3)

	require.Empty(t, r.drainAllBoth(), "second drain must be empty")
}
